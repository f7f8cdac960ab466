// Package cluster implements the multi-drive engine: striping, redundancy,
// quorum scatter-gather, connection lifecycle and admin maintenance.
package cluster

import (
	"context"
	"hash/crc32"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/internal/metrics"
	"github.com/stripefs/stripefs/pkg/types"
)

var logger = logrus.WithField("module", "cluster")

// Cluster is the capability surface consumed by data blocks and the admin
// tooling. Implementations return drive statuses, never panic.
type Cluster interface {
	ID() string
	Limits() types.Limits
	// Size returns the last aggregated cluster capacity and triggers a
	// background refresh if none is in flight.
	Size(ctx context.Context) (types.Capacity, drive.Status)
	// Get reads a value. With skipValue only the version is fetched.
	Get(ctx context.Context, key string, skipValue bool) (value []byte, version string, status drive.Status)
	// Put writes a value under optimistic version control and returns the
	// new version on quorum success.
	Put(ctx context.Context, key, expectedVersion string, value []byte, force bool) (string, drive.Status)
	// Remove deletes a key under optimistic version control.
	Remove(ctx context.Context, key, version string, force bool) drive.Status
	// Range lists keys in [start, end], merged across the stripe drives.
	Range(ctx context.Context, start, end string, max int) ([]string, drive.Status)
}

// Engine stripes keys across a set of auto connections and reduces the
// per-drive results into quorum answers.
type Engine struct {
	id          string
	nData       int
	nParity     int
	connections []*AutoConnection
	opTimeout   time.Duration
	redundancy  RedundancyProvider
	limits      types.Limits
	metrics     *metrics.ClusterMetrics

	logMu          sync.Mutex
	logOutstanding bool
	logStatus      drive.Status
	size           types.Capacity
}

// NewEngine builds an engine over the supplied connections. The initial
// drive log fetch must succeed so that limits are known before first use.
func NewEngine(ctx context.Context, id string, redundancy RedundancyProvider,
	connections []*AutoConnection, opTimeout time.Duration, m *metrics.ClusterMetrics) (*Engine, error) {

	e := &Engine{
		id:          id,
		nData:       redundancy.NumData(),
		nParity:     redundancy.NumParity(),
		connections: connections,
		opTimeout:   opTimeout,
		redundancy:  redundancy,
		metrics:     m,
		logStatus:   drive.MakeStatus(drive.ClientInternalError, "not initialized"),
	}
	if e.nData+e.nParity > len(connections) {
		return nil, errStripeTooLarge(e.nData+e.nParity, len(connections))
	}
	if m != nil {
		for _, c := range connections {
			c.SetOnReconnect(m.Reconnects.Inc)
		}
	}

	if s := e.getLog(ctx, []drive.LogType{drive.LogLimits, drive.LogCapacities}); !s.OK() {
		return nil, &StatusError{Op: "getlog", Status: s}
	}
	// Clients address whole stripes: a value spreads over nData drives.
	e.limits.MaxValueSize *= int64(e.nData)
	return e, nil
}

// ID returns the cluster identifier.
func (e *Engine) ID() string { return e.id }

// Limits returns the published cluster limits.
func (e *Engine) Limits() types.Limits { return e.limits }

// subResult carries one drive's answer through the scatter-gather wave.
type subResult struct {
	status  drive.Status
	record  *drive.Record
	version string
	keys    []string
	log     *drive.Log
}

type indexedResult struct {
	index  int
	result subResult
}

// execute fans one operation out over the supplied connections and collects
// every drive's result. Connections that cannot produce a client yield a
// connection-error result immediately; drives that do not answer within the
// operation timeout are failed with an I/O error and marked unhealthy.
func (e *Engine) execute(ctx context.Context, conns []*AutoConnection, op string,
	fn func(ctx context.Context, client drive.Client) subResult) []subResult {
	return e.executeIndexed(ctx, conns, op,
		func(ctx context.Context, client drive.Client, _ int) subResult {
			return fn(ctx, client)
		})
}

// reduce finds the quorum status: the first status whose frequency reaches
// nData wins. A status more frequent than nParity that still misses quorum
// ends the scan early with an overall failure.
func (e *Engine) reduce(op string, results []subResult) drive.Status {
	status := drive.MakeStatus(drive.ClientIOError,
		"failed to get sufficient conforming return results from drives")
	for _, r := range results {
		frequency := 0
		for _, l := range results {
			if r.status.Code == l.status.Code {
				frequency++
			}
		}
		if frequency >= e.nData {
			status = r.status
			break
		}
		if frequency > e.nParity {
			break
		}
	}
	if e.metrics != nil {
		e.metrics.Operations.WithLabelValues(op, status.Code.String()).Inc()
	}
	return status
}

// stripeConnections returns the nData+nParity connections a key's stripe
// occupies. Placement is deterministic: same key, same drive order.
func (e *Engine) stripeConnections(key string) []*AutoConnection {
	h := fnv.New64a()
	h.Write([]byte(key))
	index := h.Sum64() % uint64(len(e.connections))

	conns := make([]*AutoConnection, 0, e.nData+e.nParity)
	for len(conns) < e.nData+e.nParity {
		index = (index + 1) % uint64(len(e.connections))
		conns = append(conns, e.connections[index])
	}
	return conns
}

// StripeIndex returns the index of the first drive of a key's stripe.
func (e *Engine) StripeIndex(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int((h.Sum64() + 1) % uint64(len(e.connections)))
}

func crcTag(blob []byte) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE(blob)), 10)
}

// getVersion fetches only the version of a key, quorum-reduced.
func (e *Engine) getVersion(ctx context.Context, key string) (string, drive.Status) {
	results := e.execute(ctx, e.stripeConnections(key), "getversion",
		func(ctx context.Context, client drive.Client) subResult {
			version, status := client.GetVersion(ctx, key)
			return subResult{status: status, version: version}
		})
	status := e.reduce("getversion", results)
	if !status.OK() {
		return "", status
	}

	version, count := mostFrequentVersion(results, func(r subResult) (string, bool) {
		return r.version, r.status.OK()
	})
	if count < e.nData {
		return "", unreadable(count, e.nData)
	}
	return version, status
}

// Get reads a key from the cluster. Blobs failing CRC validation count as
// missing; the redundancy provider reconstructs them from survivors.
func (e *Engine) Get(ctx context.Context, key string, skipValue bool) ([]byte, string, drive.Status) {
	if skipValue {
		version, status := e.getVersion(ctx, key)
		return nil, version, status
	}

	results := e.execute(ctx, e.stripeConnections(key), "get",
		func(ctx context.Context, client drive.Client) subResult {
			record, status := client.Get(ctx, key)
			return subResult{status: status, record: record}
		})
	status := e.reduce("get", results)
	if !status.OK() {
		return nil, "", status
	}

	target, count := mostFrequentVersion(results, func(r subResult) (string, bool) {
		if !r.status.OK() || r.record == nil {
			return "", false
		}
		return r.record.Version, true
	})
	if count < e.nData {
		return nil, "", unreadable(count, e.nData)
	}

	// Build the stripe, accepting only blobs with a valid checksum.
	stripe := make([][]byte, e.nData+e.nParity)
	good := 0
	for i, r := range results {
		if r.status.OK() && r.record != nil && r.record.Version == target &&
			len(r.record.Value) > 0 && crcTag(r.record.Value) == r.record.Tag {
			stripe[i] = r.record.Value
			good++
		}
	}

	size, err := decodeVersionSize(target)
	if err != nil {
		return nil, "", drive.MakeStatus(drive.ClientInternalError, err.Error())
	}

	// No blob carries data: the key holds an empty value when its version
	// says so; otherwise every blob failed checksum validation.
	if good == 0 {
		if size == 0 {
			return []byte{}, target, status
		}
		return nil, "", drive.MakeStatus(drive.ClientIOError, "Unreadable: no blob passed checksum validation")
	}

	if good < len(stripe) {
		if err := e.redundancy.Compute(stripe); err != nil {
			return nil, "", drive.MakeStatus(drive.ClientInternalError, err.Error())
		}
	}

	value := make([]byte, 0, size)
	for i := 0; i < e.nData && len(value) < size; i++ {
		value = append(value, stripe[i]...)
	}
	if len(value) < size {
		return nil, "", drive.MakeStatus(drive.ClientInternalError, "decoded stripe shorter than encoded size")
	}
	return value[:size], target, status
}

// Put writes a value as an erasure-coded or replicated stripe. The new
// version is returned on quorum success.
func (e *Engine) Put(ctx context.Context, key, expectedVersion string, value []byte, force bool) (string, drive.Status) {
	conns := e.stripeConnections(key)
	versionNew := newVersion(len(value))

	// Chunk the value into nData fixed-size blobs; the redundancy provider
	// fills the parity slots. Empty values skip the compute entirely.
	chunkSize := 0
	if e.nData > 0 {
		chunkSize = (len(value) + e.nData - 1) / e.nData
	}
	stripe := make([][]byte, e.nData+e.nParity)
	for i := 0; i < e.nData; i++ {
		blob := make([]byte, chunkSize)
		if off := i * chunkSize; off < len(value) {
			copy(blob, value[off:])
		}
		stripe[i] = blob
	}
	if chunkSize > 0 {
		if err := e.redundancy.Compute(stripe); err != nil {
			return "", drive.MakeStatus(drive.ClientInternalError, err.Error())
		}
	} else {
		for i := e.nData; i < len(stripe); i++ {
			stripe[i] = []byte{}
		}
	}

	mode := drive.RequireSameVersion
	if force {
		mode = drive.IgnoreVersion
	}

	results := e.executeIndexed(ctx, conns, "put",
		func(ctx context.Context, client drive.Client, i int) subResult {
			record := &drive.Record{Value: stripe[i], Version: versionNew, Tag: crcTag(stripe[i])}
			return subResult{status: client.Put(ctx, key, expectedVersion, record, mode, drive.WriteBack)}
		})

	status := e.reduce("put", results)
	if !status.OK() {
		return "", status
	}
	return versionNew, status
}

// Remove deletes a key from every stripe drive.
func (e *Engine) Remove(ctx context.Context, key, version string, force bool) drive.Status {
	mode := drive.RequireSameVersion
	if force {
		mode = drive.IgnoreVersion
	}
	results := e.execute(ctx, e.stripeConnections(key), "remove",
		func(ctx context.Context, client drive.Client) subResult {
			return subResult{status: client.Delete(ctx, key, version, mode)}
		})
	return e.reduce("remove", results)
}

// Range lists keys in [start, end], merged and deduplicated across the
// stripe drives, truncated to max entries.
func (e *Engine) Range(ctx context.Context, start, end string, max int) ([]string, drive.Status) {
	results := e.execute(ctx, e.stripeConnections(start), "range",
		func(ctx context.Context, client drive.Client) subResult {
			keys, status := client.GetKeyRange(ctx, start, end, max)
			return subResult{status: status, keys: keys}
		})
	status := e.reduce("range", results)
	if !status.OK() {
		return nil, status
	}

	merged := mergeKeys(results)
	if max >= 0 && len(merged) > max {
		merged = merged[:max]
	}
	return merged, status
}

// Size returns the last aggregated capacity. If no refresh is in flight one
// is started in the background.
func (e *Engine) Size(ctx context.Context) (types.Capacity, drive.Status) {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if !e.logOutstanding {
		e.logOutstanding = true
		go e.getLog(context.Background(), []drive.LogType{drive.LogCapacities})
	}
	return e.size, e.logStatus
}

// getLog broadcasts a log request to every drive and aggregates capacities
// by summing; limits are taken from any responding drive.
func (e *Engine) getLog(ctx context.Context, logTypes []drive.LogType) drive.Status {
	results := e.execute(ctx, e.connections, "getlog",
		func(ctx context.Context, client drive.Client) subResult {
			log, status := client.GetLog(ctx, logTypes)
			return subResult{status: status, log: log}
		})
	status := e.reduce("getlog", results)

	e.logMu.Lock()
	defer e.logMu.Unlock()
	e.logStatus = status
	e.logOutstanding = false
	if !status.OK() {
		logger.WithFields(logrus.Fields{
			"cluster": e.id,
			"status":  status.String(),
		}).Warn("drive log aggregation failed")
		return status
	}

	e.size = types.Capacity{}
	for _, r := range results {
		if !r.status.OK() || r.log == nil {
			continue
		}
		if r.log.Capacity != nil {
			total := r.log.Capacity.NominalCapacityBytes
			e.size.BytesTotal += total
			e.size.BytesFree += total - uint64(float64(total)*r.log.Capacity.PortionFull)
		}
		if r.log.Limits != nil {
			e.limits.MaxKeySize = r.log.Limits.MaxKeySize
			e.limits.MaxValueSize = r.log.Limits.MaxValueSize
			e.limits.MaxVersionSize = r.log.Limits.MaxVersionSize
		}
	}
	return status
}

// executeIndexed is execute with the connection's stripe position passed to
// the operation, used where each drive receives a different blob.
func (e *Engine) executeIndexed(ctx context.Context, conns []*AutoConnection, op string,
	fn func(ctx context.Context, client drive.Client, i int) subResult) []subResult {

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	results := make([]subResult, len(conns))
	finished := make([]bool, len(conns))
	ch := make(chan indexedResult, len(conns))
	pending := 0

	for i, conn := range conns {
		client, err := conn.Get()
		if err != nil {
			results[i] = subResult{status: drive.MakeStatus(drive.RemoteConnectionError, err.Error())}
			finished[i] = true
			continue
		}
		pending++
		go func(i int, client drive.Client) {
			ch <- indexedResult{index: i, result: fn(ctx, client, i)}
		}(i, client)
	}

	for pending > 0 {
		select {
		case r := <-ch:
			results[r.index] = r.result
			finished[r.index] = true
			pending--
			if r.result.status.Code == drive.ClientIOError {
				conns[r.index].SetError(r.result.status)
			}
		case <-ctx.Done():
			timeout := drive.MakeStatus(drive.ClientIOError, "network timeout")
			for i := range conns {
				if !finished[i] {
					results[i] = subResult{status: timeout}
					finished[i] = true
					conns[i].SetError(timeout)
				}
			}
			pending = 0
		}
	}

	if e.metrics != nil {
		e.metrics.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return results
}

// mostFrequentVersion returns the most common version among accepted
// results and its frequency.
func mostFrequentVersion(results []subResult, accept func(subResult) (string, bool)) (string, int) {
	counts := make(map[string]int)
	for _, r := range results {
		if v, ok := accept(r); ok {
			counts[v]++
		}
	}
	best, bestCount := "", 0
	for v, n := range counts {
		if n > bestCount {
			best, bestCount = v, n
		}
	}
	return best, bestCount
}

func mergeKeys(results []subResult) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, r := range results {
		if !r.status.OK() {
			continue
		}
		for _, k := range r.keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)
	return merged
}
