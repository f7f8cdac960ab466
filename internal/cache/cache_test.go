package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripefs/stripefs/internal/block"
	"github.com/stripefs/stripefs/internal/cluster"
	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/pkg/types"
)

// fakeCluster is a single-node in-memory cluster with optimistic
// versioning, sufficient to drive blocks through the cache.
type fakeCluster struct {
	mu       sync.Mutex
	store    map[string]fakeRecord
	sequence int
	limits   types.Limits
	failPuts bool
}

type fakeRecord struct {
	value   []byte
	version string
}

func newFakeCluster(maxValueSize int64) *fakeCluster {
	return &fakeCluster{
		store:  make(map[string]fakeRecord),
		limits: types.Limits{MaxKeySize: 4096, MaxValueSize: maxValueSize, MaxVersionSize: 2048},
	}
}

func (f *fakeCluster) ID() string           { return "fake" }
func (f *fakeCluster) Limits() types.Limits { return f.limits }

func (f *fakeCluster) Size(context.Context) (types.Capacity, drive.Status) {
	return types.Capacity{}, drive.MakeStatus(drive.OK, "")
}

func (f *fakeCluster) Get(_ context.Context, key string, skipValue bool) ([]byte, string, drive.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.store[key]
	if !ok {
		return nil, "", drive.MakeStatus(drive.RemoteNotFound, "")
	}
	if skipValue {
		return nil, r.version, drive.MakeStatus(drive.OK, "")
	}
	value := make([]byte, len(r.value))
	copy(value, r.value)
	return value, r.version, drive.MakeStatus(drive.OK, "")
}

func (f *fakeCluster) Put(_ context.Context, key, expectedVersion string, value []byte, force bool) (string, drive.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return "", drive.MakeStatus(drive.ClientIOError, "injected failure")
	}
	stored, exists := f.store[key]
	if !force {
		if exists && stored.version != expectedVersion {
			return "", drive.MakeStatus(drive.RemoteVersionMismatch, "")
		}
		if !exists && expectedVersion != "" {
			return "", drive.MakeStatus(drive.RemoteVersionMismatch, "")
		}
	}
	f.sequence++
	v := make([]byte, len(value))
	copy(v, value)
	version := fmt.Sprintf("v%d", f.sequence)
	f.store[key] = fakeRecord{value: v, version: version}
	return version, drive.MakeStatus(drive.OK, "")
}

func (f *fakeCluster) Remove(_ context.Context, key, _ string, _ bool) drive.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, key)
	return drive.MakeStatus(drive.OK, "")
}

func (f *fakeCluster) Range(context.Context, string, string, int) ([]string, drive.Status) {
	return nil, drive.MakeStatus(drive.OK, "")
}

var _ cluster.Cluster = (*fakeCluster)(nil)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// checkAccounting verifies the cache's size bookkeeping invariants.
func checkAccounting(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum int64
	keys := make(map[string]struct{})
	for elem := c.items.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem)
		sum += item.data.Capacity()
		keys[item.data.Key()] = struct{}{}
	}
	if sum != c.currentSize {
		t.Errorf("currentSize = %d, sum of block capacities = %d", c.currentSize, sum)
	}
	if len(keys) != len(c.lookup) {
		t.Errorf("lookup has %d keys, cache holds %d", len(c.lookup), len(keys))
	}
	for key := range c.lookup {
		if _, ok := keys[key]; !ok {
			t.Errorf("lookup key %q not in cache", key)
		}
	}
	if c.currentSize > c.capacity {
		t.Errorf("currentSize %d exceeds capacity %d", c.currentSize, c.capacity)
	}
}

// TestGetCachesBlocks verifies repeated gets return the identical block.
func TestGetCachesBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	owner := c.Register(f, "file1")

	b1, err := c.Get(ctx, owner, 0, block.ModeStandard, RequestStandard)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b2, err := c.Get(ctx, owner, 0, block.ModeStandard, RequestStandard)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b1 != b2 {
		t.Error("repeated Get returned a different block")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	checkAccounting(t, c)
}

// TestSharedBlocks verifies two owners of the same basename share blocks
// and the block survives until the last owner drops.
func TestSharedBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	ownerA := c.Register(f, "shared")
	ownerB := c.Register(f, "shared")

	bA, err := c.Get(ctx, ownerA, 3, block.ModeStandard, RequestStandard)
	if err != nil {
		t.Fatal(err)
	}
	bB, err := c.Get(ctx, ownerB, 3, block.ModeStandard, RequestStandard)
	if err != nil {
		t.Fatal(err)
	}
	if bA != bB {
		t.Fatal("owners of the same basename got different blocks")
	}

	c.Drop(ownerA)
	if len(c.lookup) != 1 {
		t.Error("block vanished while another owner still holds it")
	}
	c.Drop(ownerB)
	if len(c.lookup) != 0 {
		t.Error("block survived the last drop")
	}
	checkAccounting(t, c)
}

// TestEvictionOnAllocation verifies clean tail blocks are reclaimed and the
// cache never exceeds its hard capacity.
func TestEvictionOnAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	owner := c.Register(f, "file1")

	for i := 0; i < 16; i++ {
		if _, err := c.Get(ctx, owner, i, block.ModeStandard, RequestReadahead); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	if _, err := c.Get(ctx, owner, 16, block.ModeStandard, RequestReadahead); err != nil {
		t.Fatalf("Get 16: %v", err)
	}

	c.mu.Lock()
	_, oldest := c.lookup[blockKey("file1", 0)]
	_, newest := c.lookup[blockKey("file1", 16)]
	size := c.currentSize
	c.mu.Unlock()

	if size > 2048 {
		t.Errorf("currentSize = %d, want <= 2048", size)
	}
	if oldest {
		t.Error("oldest clean block still cached after eviction")
	}
	if !newest {
		t.Error("new block missing from cache")
	}
	checkAccounting(t, c)
}

// TestEvictionSkipsDirty verifies dirty blocks survive the eviction scan
// and are flushed synchronously only when hard capacity forces it.
func TestEvictionSkipsDirty(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 256, Capacity: 512})
	owner := c.Register(f, "file1")

	// Fill the cache with dirty blocks.
	for i := 0; i < 4; i++ {
		b, err := c.Get(ctx, owner, i, block.ModeStandard, RequestReadahead)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Write([]byte{byte(i)}, 0); err != nil {
			t.Fatal(err)
		}
	}

	// The next allocation cannot evict anything clean; the tail block must
	// be flushed and removed.
	if _, err := c.Get(ctx, owner, 4, block.ModeStandard, RequestReadahead); err != nil {
		t.Fatalf("Get beyond capacity: %v", err)
	}

	c.mu.Lock()
	size := c.currentSize
	_, tailCached := c.lookup[blockKey("file1", 0)]
	c.mu.Unlock()
	if size > 512 {
		t.Errorf("currentSize = %d, want <= 512", size)
	}
	if tailCached {
		t.Error("flushed tail block still cached")
	}
	if got := f.store[blockKey("file1", 0)].value; !bytes.Equal(got, []byte{0}) {
		t.Errorf("forced flush stored %v, want [0]", got)
	}
	checkAccounting(t, c)
}

// TestFlushWritesDirtyBlocks verifies Flush persists every dirty block of
// the owner.
func TestFlushWritesDirtyBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	owner := c.Register(f, "file1")

	for i := 0; i < 3; i++ {
		b, err := c.Get(ctx, owner, i, block.ModeCreate, RequestStandard)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Write([]byte{byte('a' + i)}, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Flush(ctx, owner); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for i := 0; i < 3; i++ {
		if got := f.store[blockKey("file1", i)].value; !bytes.Equal(got, []byte{byte('a' + i)}) {
			t.Errorf("block %d stored %v", i, got)
		}
	}
}

// TestDropIsDestructiveAndIdempotent verifies drop discards dirty blocks,
// repeated drops are harmless and flushing a dropped owner is a no-op.
func TestDropIsDestructiveAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	owner := c.Register(f, "file1")

	b, err := c.Get(ctx, owner, 0, block.ModeCreate, RequestStandard)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte("doomed"), 0); err != nil {
		t.Fatal(err)
	}

	c.Drop(owner)
	if len(c.lookup) != 0 {
		t.Error("dirty block survived drop")
	}
	c.Drop(owner)

	if err := c.Flush(ctx, owner); err != nil {
		t.Errorf("Flush after drop: %v", err)
	}
	if _, ok := f.store[blockKey("file1", 0)]; ok {
		t.Error("dropped data reached the cluster")
	}
	checkAccounting(t, c)
}

// TestAsyncFlushErrorMailbox verifies background flush failures surface at
// the owner's next Get and only once.
func TestAsyncFlushErrorMailbox(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048, BackgroundThreads: 1, BackgroundQueueDepth: 2})
	owner := c.Register(f, "file1")

	b, err := c.Get(ctx, owner, 0, block.ModeCreate, RequestStandard)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte("x"), 0); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.failPuts = true
	f.mu.Unlock()
	c.AsyncFlush(owner, b)

	deadline := time.Now().Add(time.Second)
	var gotErr error
	for time.Now().Before(deadline) {
		if _, err := c.Get(ctx, owner, 0, block.ModeStandard, RequestStandard); err != nil {
			gotErr = err
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if gotErr == nil {
		t.Fatal("background flush error never surfaced")
	}

	// The mailbox holds at most one error; the next get succeeds.
	f.mu.Lock()
	f.failPuts = false
	f.mu.Unlock()
	if _, err := c.Get(ctx, owner, 0, block.ModeStandard, RequestStandard); err != nil {
		t.Errorf("Get after consuming the error: %v", err)
	}
}

// TestReadaheadMaterializesPredictions verifies sequential access
// materializes the oracle's predicted blocks.
func TestReadaheadMaterializesPredictions(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 8192, Capacity: 16384, ReadaheadWindow: 4, BackgroundThreads: 1, BackgroundQueueDepth: 4})
	owner := c.Register(f, "file1")

	for i := 1; i <= 4; i++ {
		if _, err := c.Get(ctx, owner, i, block.ModeStandard, RequestStandard); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}

	c.mu.Lock()
	_, predicted := c.lookup[blockKey("file1", 5)]
	c.mu.Unlock()
	if !predicted {
		t.Error("sequential access did not materialize the predicted next block")
	}
	checkAccounting(t, c)
}

// TestReadaheadSkipsCreate verifies create-mode gets do not feed the
// oracle.
func TestReadaheadSkipsCreate(t *testing.T) {
	ctx := context.Background()
	f := newFakeCluster(128)
	c := newTestCache(t, Config{TargetSize: 8192, Capacity: 16384, ReadaheadWindow: 4})
	owner := c.Register(f, "file1")

	for i := 1; i <= 4; i++ {
		if _, err := c.Get(ctx, owner, i, block.ModeCreate, RequestStandard); err != nil {
			t.Fatal(err)
		}
	}
	c.readaheadMu.Lock()
	_, exists := c.oracles[owner]
	c.readaheadMu.Unlock()
	if exists {
		t.Error("create-mode gets fed the readahead oracle")
	}
}

// TestUnknownOwner verifies gets for unregistered owners fail.
func TestUnknownOwner(t *testing.T) {
	c := newTestCache(t, Config{TargetSize: 1024, Capacity: 2048})
	if _, err := c.Get(context.Background(), OwnerID(42), 0, block.ModeStandard, RequestReadahead); err == nil {
		t.Error("Get for unknown owner succeeded")
	}
}

// TestTargetAboveCapacityRejected verifies the sizing sanity check.
func TestTargetAboveCapacityRejected(t *testing.T) {
	if _, err := New(Config{TargetSize: 2048, Capacity: 1024}, nil); err == nil {
		t.Error("New accepted target above capacity")
	}
}
