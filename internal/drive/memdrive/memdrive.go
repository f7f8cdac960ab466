// Package memdrive provides an in-memory drive implementation. It backs the
// cluster and runtime test suites; drives can be stopped and restarted to
// exercise failure handling.
package memdrive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stripefs/stripefs/internal/drive"
)

// DefaultMaxValueSize is the per-drive value limit published via GetLog.
const DefaultMaxValueSize = 1024 * 1024

type record struct {
	value   []byte
	version string
	tag     string
}

// Drive simulates one key-addressable drive.
type Drive struct {
	mu      sync.Mutex
	wwn     string
	store   map[string]record
	stopped bool

	maxValueSize int64
	capacity     uint64
}

// NewDrive creates a running drive with the given wwn.
func NewDrive(wwn string) *Drive {
	return &Drive{
		wwn:          wwn,
		store:        make(map[string]record),
		maxValueSize: DefaultMaxValueSize,
		capacity:     1 << 30,
	}
}

// SetMaxValueSize overrides the published per-drive value limit.
func (d *Drive) SetMaxValueSize(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxValueSize = n
}

// Stop makes the drive unreachable until Start is called.
func (d *Drive) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

// Start makes a stopped drive reachable again.
func (d *Drive) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
}

// Reset drops all stored keys.
func (d *Drive) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = make(map[string]record)
}

// Keys returns the sorted set of stored keys.
func (d *Drive) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.store))
	for k := range d.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Corrupt flips a byte of the stored value without touching the checksum
// tag, simulating on-drive bit rot.
func (d *Drive) Corrupt(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.store[key]
	if !ok || len(r.value) == 0 {
		return false
	}
	r.value[0] ^= 0xff
	d.store[key] = r
	return true
}

// Has reports whether the drive currently stores the key.
func (d *Drive) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.store[key]
	return ok
}

func (d *Drive) usedBytes() uint64 {
	var used uint64
	for _, r := range d.store {
		used += uint64(len(r.value))
	}
	return used
}

// client is a connection handle to a drive. Operations fail with a
// transport-level status once the drive is stopped, mirroring a dropped
// network connection.
type client struct {
	drive *Drive
}

func (c *client) check(ctx context.Context) drive.Status {
	if err := ctx.Err(); err != nil {
		return drive.MakeStatus(drive.ClientIOError, err.Error())
	}
	if c.drive.stopped {
		return drive.MakeStatus(drive.ClientIOError, "connection lost: drive "+c.drive.wwn+" is down")
	}
	return drive.MakeStatus(drive.OK, "")
}

func (c *client) Get(ctx context.Context, key string) (*drive.Record, drive.Status) {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return nil, s
	}
	r, ok := c.drive.store[key]
	if !ok {
		return nil, drive.MakeStatus(drive.RemoteNotFound, "")
	}
	value := make([]byte, len(r.value))
	copy(value, r.value)
	return &drive.Record{Value: value, Version: r.version, Tag: r.tag}, drive.MakeStatus(drive.OK, "")
}

func (c *client) GetVersion(ctx context.Context, key string) (string, drive.Status) {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return "", s
	}
	r, ok := c.drive.store[key]
	if !ok {
		return "", drive.MakeStatus(drive.RemoteNotFound, "")
	}
	return r.version, drive.MakeStatus(drive.OK, "")
}

func (c *client) GetKeyRange(ctx context.Context, start, end string, max int) ([]string, drive.Status) {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return nil, s
	}
	var keys []string
	for k := range c.drive.store {
		if k >= start && k <= end {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if max >= 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, drive.MakeStatus(drive.OK, "")
}

func (c *client) Put(ctx context.Context, key, expectedVersion string, rec *drive.Record, mode drive.WriteMode, _ drive.PersistMode) drive.Status {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return s
	}
	stored, exists := c.drive.store[key]
	if mode == drive.RequireSameVersion {
		if exists && stored.version != expectedVersion {
			return drive.MakeStatus(drive.RemoteVersionMismatch, "stored version differs")
		}
		if !exists && expectedVersion != "" {
			return drive.MakeStatus(drive.RemoteVersionMismatch, "no stored version")
		}
	}
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	c.drive.store[key] = record{value: value, version: rec.Version, tag: rec.Tag}
	return drive.MakeStatus(drive.OK, "")
}

func (c *client) Delete(ctx context.Context, key, expectedVersion string, mode drive.WriteMode) drive.Status {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return s
	}
	stored, exists := c.drive.store[key]
	if !exists {
		if mode == drive.IgnoreVersion {
			return drive.MakeStatus(drive.OK, "")
		}
		return drive.MakeStatus(drive.RemoteNotFound, "")
	}
	if mode == drive.RequireSameVersion && stored.version != expectedVersion {
		return drive.MakeStatus(drive.RemoteVersionMismatch, "stored version differs")
	}
	delete(c.drive.store, key)
	return drive.MakeStatus(drive.OK, "")
}

func (c *client) GetLog(ctx context.Context, logTypes []drive.LogType) (*drive.Log, drive.Status) {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	if s := c.check(ctx); !s.OK() {
		return nil, s
	}
	log := &drive.Log{}
	for _, t := range logTypes {
		switch t {
		case drive.LogLimits:
			log.Limits = &drive.LimitsLog{
				MaxKeySize:     4096,
				MaxValueSize:   c.drive.maxValueSize,
				MaxVersionSize: 2048,
			}
		case drive.LogCapacities:
			log.Capacity = &drive.CapacityLog{
				NominalCapacityBytes: c.drive.capacity,
				PortionFull:          float64(c.drive.usedBytes()) / float64(c.drive.capacity),
			}
		}
	}
	return log, drive.MakeStatus(drive.OK, "")
}

func (c *client) NoOp(ctx context.Context) drive.Status {
	c.drive.mu.Lock()
	defer c.drive.mu.Unlock()
	return c.check(ctx)
}

// Connector resolves endpoints to simulated drives by wwn.
type Connector struct {
	mu     sync.Mutex
	drives map[string]*Drive
}

// NewConnector creates an empty connector.
func NewConnector() *Connector {
	return &Connector{drives: make(map[string]*Drive)}
}

// Add registers a drive with the connector.
func (c *Connector) Add(d *Drive) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[d.wwn] = d
}

// Drive returns the registered drive for a wwn, or nil.
func (c *Connector) Drive(wwn string) *Drive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drives[wwn]
}

// Connect returns a client for the drive identified by the endpoint's wwn.
// Connecting to a stopped or unknown drive fails.
func (c *Connector) Connect(_ context.Context, endpoint drive.Endpoint) (drive.Client, error) {
	c.mu.Lock()
	d, ok := c.drives[endpoint.WWN]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no drive with wwn %q", endpoint.WWN)
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("drive %q is not reachable at %s", endpoint.WWN, endpoint.Addr())
	}
	return &client{drive: d}, nil
}
