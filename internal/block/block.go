// Package block implements the in-memory representation of one stripe-sized
// region of a file, with version-based optimistic concurrency against the
// cluster.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stripefs/stripefs/internal/buffer"
	"github.com/stripefs/stripefs/internal/cluster"
	"github.com/stripefs/stripefs/internal/drive"
)

// ExpirationTime is the version validity window: a block whose value was
// confirmed against the cluster this recently is served without I/O.
const ExpirationTime = time.Second

// flushRetryLimit bounds the optimistic put retry loop so that heavy
// contention surfaces as an I/O error instead of livelocking.
const flushRetryLimit = 8

// Error kinds surfaced to the file I/O layer.
var (
	// ErrInvalidArgument - nil buffer, negative offset or range past limits.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIO - the cluster could not serve the operation.
	ErrIO = errors.New("input/output error")
)

// Mode describes the caller's expectation about a block's remote state.
type Mode int

const (
	// ModeStandard - the key is expected to exist on the cluster.
	ModeStandard Mode = iota
	// ModeCreate - no server-side key is expected yet; the block is dirty
	// from birth.
	ModeCreate
)

type update struct {
	offset int64
	length int64
}

// Block is one cached stripe region. All methods except Capacity serialize
// on the block's own mutex. The cache takes that mutex through Dirty and
// Key while holding its own lock.
type Block struct {
	mu      sync.Mutex
	cluster cluster.Cluster
	key     string
	mode    Mode

	version   string // last known cluster version, "" if never observed
	value     []byte // capacity-sized buffer, nil until materialized
	size      int64  // logical value size
	timestamp time.Time
	updates   []update

	pool *buffer.Pool
}

// New creates a block for the given key. The pool, if non-nil, supplies the
// capacity-sized value buffers.
func New(c cluster.Cluster, key string, mode Mode, pool *buffer.Pool) (*Block, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: no cluster supplied", ErrInvalidArgument)
	}
	return &Block{cluster: c, key: key, mode: mode, pool: pool}, nil
}

// Reassign points the block at a different key, dropping all local state.
func (b *Block) Reassign(c cluster.Cluster, key string, mode Mode) error {
	if c == nil {
		return fmt.Errorf("%w: no cluster supplied", ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cluster = c
	b.key = key
	b.mode = mode
	b.version = ""
	b.size = 0
	b.updates = nil
	b.timestamp = time.Time{}
	if b.value != nil && b.pool != nil {
		b.pool.Put(b.value)
	}
	b.value = nil
	return nil
}

// Key returns the cluster key the block is bound to.
func (b *Block) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Identity returns a process-unique identity for the block's target.
func (b *Block) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key + b.cluster.ID()
}

// Capacity returns the maximum value size of the backing cluster.
func (b *Block) Capacity() int64 {
	return b.cluster.Limits().MaxValueSize
}

// validateVersion reports whether the in-memory value may be served without
// re-reading it from the cluster. Caller holds b.mu.
func (b *Block) validateVersion(ctx context.Context) bool {
	if time.Since(b.timestamp) < ExpirationTime {
		return true
	}

	// First read of a block opened in standard mode: skip the version probe
	// and go straight to the get.
	if b.version == "" && b.mode == ModeStandard {
		return false
	}

	_, remoteVersion, status := b.cluster.Get(ctx, b.key, true)
	if (b.version == "" && status.Code == drive.RemoteNotFound) ||
		(status.OK() && b.version != "" && b.version == remoteVersion) {
		b.timestamp = time.Now()
		return true
	}
	return false
}

// getRemoteValue reads the key from the cluster and replays all pending
// local updates onto the fresh copy. Caller holds b.mu.
func (b *Block) getRemoteValue(ctx context.Context) error {
	remoteValue, remoteVersion, status := b.cluster.Get(ctx, b.key, false)
	if !status.OK() && status.Code != drive.RemoteNotFound {
		return fmt.Errorf("%w: reading key %q from cluster %q: %s", ErrIO, b.key, b.cluster.ID(), status)
	}
	if status.Code == drive.RemoteNotFound {
		b.version = ""
		remoteValue = nil
	} else {
		b.version = remoteVersion
	}

	merged := b.allocate()
	copy(merged, remoteValue)
	b.size = int64(len(remoteValue))

	// Replay local mutations in order. A zero-length update is a truncate.
	// The replay reads the update ranges from the current local buffer; it
	// assumes those bytes still sit at their original offsets, which a
	// truncate-then-write sequence does not guarantee.
	for _, u := range b.updates {
		if u.length == 0 {
			b.size = u.offset
			continue
		}
		if b.size < u.offset+u.length {
			b.size = u.offset + u.length
		}
		copy(merged[u.offset:u.offset+u.length], b.value[u.offset:u.offset+u.length])
	}

	if b.value != nil && b.pool != nil {
		b.pool.Put(b.value)
	}
	b.value = merged
	b.timestamp = time.Now()
	return nil
}

// allocate returns a fresh capacity-sized zeroed buffer.
func (b *Block) allocate() []byte {
	capacity := b.Capacity()
	if b.pool != nil && int64(b.pool.Size()) == capacity {
		return b.pool.Get()
	}
	return make([]byte, capacity)
}

// Read copies len(buf) bytes starting at offset into buf. Regions beyond
// the value size read as zeros, so files with holes behave.
func (b *Block) Read(ctx context.Context, buf []byte, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if offset+int64(len(buf)) > b.Capacity() {
		return fmt.Errorf("%w: reading past cluster limits", ErrInvalidArgument)
	}

	if !b.validateVersion(ctx) {
		if err := b.getRemoteValue(ctx); err != nil {
			return err
		}
	}

	if offset+int64(len(buf)) > b.size {
		for i := range buf {
			buf[i] = 0
		}
	}
	if b.size > offset {
		n := int64(len(buf))
		if b.size-offset < n {
			n = b.size - offset
		}
		copy(buf[:n], b.value[offset:offset+n])
	}
	return nil
}

// Write copies buf into the block at offset and journals the mutation. The
// value buffer grows straight to capacity to avoid repeated resizing.
func (b *Block) Write(buf []byte, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if offset+int64(len(buf)) > b.Capacity() {
		return fmt.Errorf("%w: writing past cluster limits", ErrInvalidArgument)
	}

	if end := offset + int64(len(buf)); end > b.size {
		b.size = end
	}
	if b.value == nil {
		b.value = b.allocate()
	}
	copy(b.value[offset:], buf)
	b.updates = append(b.updates, update{offset: offset, length: int64(len(buf))})
	return nil
}

// Truncate sets the value size and journals the cut.
func (b *Block) Truncate(offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if offset > b.Capacity() {
		return fmt.Errorf("%w: truncating past cluster limits", ErrInvalidArgument)
	}
	b.size = offset
	b.updates = append(b.updates, update{offset: offset, length: 0})
	return nil
}

// Flush writes the block back to the cluster. Version mismatches trigger a
// re-read, re-merge and retry, bounded by flushRetryLimit.
func (b *Block) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A truncate without any write can leave a sized block with no buffer;
	// it flushes as zeros.
	if b.value == nil && b.size > 0 {
		b.value = b.allocate()
	}
	value := []byte{}
	if b.value != nil {
		value = b.value[:b.size]
	}

	newVersion, status := b.cluster.Put(ctx, b.key, b.version, value, false)
	for attempt := 0; status.Code == drive.RemoteVersionMismatch; attempt++ {
		if attempt >= flushRetryLimit {
			return fmt.Errorf("%w: writing key %q: version mismatch persisted over %d attempts",
				ErrIO, b.key, flushRetryLimit)
		}
		if err := b.getRemoteValue(ctx); err != nil {
			return err
		}
		value = []byte{}
		if b.value != nil {
			value = b.value[:b.size]
		}
		newVersion, status = b.cluster.Put(ctx, b.key, b.version, value, false)
	}
	if !status.OK() {
		return fmt.Errorf("%w: writing key %q to cluster %q: %s", ErrIO, b.key, b.cluster.ID(), status)
	}

	b.version = newVersion
	b.updates = nil
	b.timestamp = time.Now()
	return nil
}

// Dirty reports whether the block holds state the cluster does not.
func (b *Block) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updates) > 0 {
		return true
	}
	// A create-mode block represents a key assumed not to exist yet, so it
	// is dirty even before the first write.
	return b.version == "" && b.mode == ModeCreate
}

// Size returns the logical value size, refreshing from the cluster when the
// validity window has expired.
func (b *Block) Size(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.validateVersion(ctx) {
		if err := b.getRemoteValue(ctx); err != nil {
			return 0, err
		}
	}
	return b.size, nil
}
