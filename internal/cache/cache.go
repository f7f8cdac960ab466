// Package cache implements the shared, multi-owner write-back block cache:
// LRU eviction, back-pressure, background flushing and prefetch-driven
// readahead.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripefs/stripefs/internal/background"
	"github.com/stripefs/stripefs/internal/block"
	"github.com/stripefs/stripefs/internal/buffer"
	"github.com/stripefs/stripefs/internal/cluster"
	"github.com/stripefs/stripefs/internal/metrics"
	"github.com/stripefs/stripefs/internal/prefetch"
	"github.com/stripefs/stripefs/pkg/types"
)

var logger = logrus.WithField("module", "cache")

// OwnerID is an opaque token identifying one file I/O client. Tokens are
// issued by Register and survive moves of the owning object.
type OwnerID uint64

// RequestMode distinguishes client calls from cache-internal readahead.
type RequestMode int

const (
	// RequestStandard - a client of the cache is asking.
	RequestStandard RequestMode = iota
	// RequestReadahead - the cache itself is materializing a prediction.
	RequestReadahead
)

// Config sizes the cache and its background machinery.
type Config struct {
	// TargetSize is the size the eviction scan steers towards.
	TargetSize int64
	// Capacity is the hard limit; reaching it forces synchronous flushes.
	Capacity int64
	// ReadaheadWindow is the maximum number of blocks prefetched per access.
	ReadaheadWindow int
	// BackgroundThreads and BackgroundQueueDepth configure the handler that
	// runs asynchronous flushes and readahead touches.
	BackgroundThreads    int
	BackgroundQueueDepth int
}

const (
	// evictionRateLimit spaces out eviction scans across all throttled
	// callers.
	evictionRateLimit = 50 * time.Millisecond
	// throttleSleep gives dirty data a chance to flush between pressure
	// checks.
	throttleSleep = 100 * time.Millisecond
)

type ownerInfo struct {
	basename string
	cluster  cluster.Cluster
}

type cacheItem struct {
	data   *block.Block
	owners map[OwnerID]struct{}
}

// Cache maps (owner, block number) to data blocks. A block may be shared by
// several owners; it leaves the cache when its owner set empties or the
// eviction scan reclaims it.
type Cache struct {
	mu          sync.Mutex
	items       *list.List // of *cacheItem, front = most recent
	lookup      map[string]*list.Element
	ownerTables map[OwnerID]map[*list.Element]struct{}
	owners      map[OwnerID]ownerInfo
	currentSize int64
	targetSize  int64
	capacity    int64
	tailItems   int
	nextOwner   OwnerID

	// one-slot error mailbox per owner, filled by background flushes and
	// drained at the next Get
	mailboxMu sync.Mutex
	mailboxes map[OwnerID]error

	readaheadMu     sync.Mutex
	oracles         map[OwnerID]*prefetch.Oracle
	readaheadWindow int

	cleanupMu        sync.Mutex
	cleanupTimestamp time.Time

	poolMu sync.Mutex
	pools  map[int64]*buffer.Pool

	bg *background.Handler

	statsMu sync.Mutex
	stats   types.CacheStats

	metrics *metrics.CacheMetrics
}

// New creates a cache. Capacity must not be below the target size.
func New(cfg Config, m *metrics.CacheMetrics) (*Cache, error) {
	if cfg.Capacity < cfg.TargetSize {
		return nil, fmt.Errorf("cache target size %d may not exceed capacity %d", cfg.TargetSize, cfg.Capacity)
	}
	return &Cache{
		items:           list.New(),
		lookup:          make(map[string]*list.Element),
		ownerTables:     make(map[OwnerID]map[*list.Element]struct{}),
		owners:          make(map[OwnerID]ownerInfo),
		targetSize:      cfg.TargetSize,
		capacity:        cfg.Capacity,
		mailboxes:       make(map[OwnerID]error),
		oracles:         make(map[OwnerID]*prefetch.Oracle),
		readaheadWindow: cfg.ReadaheadWindow,
		pools:           make(map[int64]*buffer.Pool),
		bg:              background.NewHandler(cfg.BackgroundThreads, cfg.BackgroundQueueDepth),
		metrics:         m,
	}, nil
}

// ChangeConfiguration adjusts sizing for subsequent operations.
func (c *Cache) ChangeConfiguration(cfg Config) {
	c.readaheadMu.Lock()
	c.readaheadWindow = cfg.ReadaheadWindow
	c.readaheadMu.Unlock()

	c.mu.Lock()
	c.tailItems = 0
	c.targetSize = cfg.TargetSize
	c.capacity = cfg.Capacity
	c.mu.Unlock()

	c.bg.ChangeConfiguration(cfg.BackgroundThreads, cfg.BackgroundQueueDepth)
}

// Register issues an owner token for a file I/O client. All blocks of the
// owner's file share the basename; block keys append the block number.
func (c *Cache) Register(cl cluster.Cluster, basename string) OwnerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOwner++
	id := c.nextOwner
	c.owners[id] = ownerInfo{basename: basename, cluster: cl}
	c.ownerTables[id] = make(map[*list.Element]struct{})
	return id
}

func blockKey(basename string, blockNumber int) string {
	return fmt.Sprintf("%s_%010d", basename, blockNumber)
}

// Get returns the cached block for (owner, blockNumber), allocating it if
// necessary. Standard requests feed the readahead oracle and are throttled
// under cache pressure; a pending background-flush error for the owner is
// surfaced first.
func (c *Cache) Get(ctx context.Context, owner OwnerID, blockNumber int, mode block.Mode, rm RequestMode) (*block.Block, error) {
	if err := c.takeMailbox(owner); err != nil {
		return nil, err
	}

	if rm == RequestStandard {
		// Opening for create needs no readahead: the data cannot exist yet.
		if mode != block.ModeCreate {
			c.readahead(ctx, owner, blockNumber)
		}
		c.throttle()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.owners[owner]
	if !ok {
		return nil, fmt.Errorf("unknown cache owner %d", owner)
	}
	key := blockKey(info.basename, blockNumber)

	if elem, ok := c.lookup[key]; ok {
		c.items.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.owners[owner] = struct{}{}
		c.ownerTables[owner][elem] = struct{}{}
		c.countHit()
		return item.data, nil
	}
	c.countMiss()

	c.evictTailLocked()

	// Hard capacity: flush and drop the LRU tail before allocating. The
	// flush happens without holding the cache lock; the Dirty and Key
	// checks take the block lock while the cache lock is held.
	blockCapacity := info.cluster.Limits().MaxValueSize
	for c.currentSize+blockCapacity > c.capacity && c.items.Len() > 0 {
		logger.Info("cache capacity reached")
		tail := c.items.Back()
		item := tail.Value.(*cacheItem)
		if item.data.Dirty() {
			c.mu.Unlock()
			err := item.data.Flush(ctx)
			c.mu.Lock()
			if err != nil {
				return nil, fmt.Errorf("failed freeing cache space: %w", err)
			}
			c.countFlush()
		}
		// The item may have been touched or removed while unlocked.
		if elem, ok := c.lookup[item.data.Key()]; ok && elem.Value.(*cacheItem) == item {
			c.removeItemLocked(elem)
		}
	}

	data, err := block.New(info.cluster, key, mode, c.poolFor(blockCapacity))
	if err != nil {
		return nil, err
	}
	elem := c.items.PushFront(&cacheItem{data: data, owners: map[OwnerID]struct{}{owner: {}}})
	c.lookup[key] = elem
	c.ownerTables[owner][elem] = struct{}{}
	c.currentSize += blockCapacity
	c.publishSize()
	return data, nil
}

// Flush synchronously writes back every dirty block of the owner. A stale
// background-flush error is discarded: if the condition persists the flush
// re-encounters it.
func (c *Cache) Flush(ctx context.Context, owner OwnerID) error {
	c.dropMailbox(owner)

	// Snapshot the owner's blocks so flushing happens without the lock.
	c.mu.Lock()
	blocks := make([]*block.Block, 0, len(c.ownerTables[owner]))
	for elem := range c.ownerTables[owner] {
		blocks = append(blocks, elem.Value.(*cacheItem).data)
	}
	c.mu.Unlock()

	for _, b := range blocks {
		if b.Dirty() {
			if err := b.Flush(ctx); err != nil {
				return err
			}
			c.countFlush()
		}
	}
	return nil
}

// Drop destructively releases every per-owner reference: blocks whose owner
// set empties are removed even when dirty.
func (c *Cache) Drop(owner OwnerID) {
	c.dropMailbox(owner)

	c.readaheadMu.Lock()
	delete(c.oracles, owner)
	c.readaheadMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := range c.ownerTables[owner] {
		item := elem.Value.(*cacheItem)
		delete(item.owners, owner)
		if len(item.owners) == 0 {
			c.removeItemLocked(elem)
		}
	}
	delete(c.ownerTables, owner)
	delete(c.owners, owner)
}

// AsyncFlush submits a background flush of the block. Errors are deposited
// in the owner's mailbox; submission is best effort and the block simply
// stays dirty when the handler is saturated.
func (c *Cache) AsyncFlush(owner OwnerID, b *block.Block) {
	c.bg.TryRun(func() {
		if !b.Dirty() {
			return
		}
		if err := b.Flush(context.Background()); err != nil {
			c.mailboxMu.Lock()
			c.mailboxes[owner] = err
			c.mailboxMu.Unlock()
			return
		}
		c.countFlush()
	})
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() types.CacheStats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()

	c.mu.Lock()
	stats.Size = c.currentSize
	stats.TargetSize = c.targetSize
	stats.Capacity = c.capacity
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}
	c.mu.Unlock()
	stats.Pressure = c.pressure()
	return stats
}

// pressure is the normalized cache over-fill in [0, 1].
func (c *Cache) pressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressureLocked()
}

func (c *Cache) pressureLocked() float64 {
	if c.currentSize <= c.targetSize || c.capacity <= c.targetSize {
		return 0
	}
	p := float64(c.currentSize-c.targetSize) / float64(c.capacity-c.targetSize)
	if p > 1 {
		p = 1
	}
	return p
}

// removeItemLocked unlinks an item from all indexes. Caller holds c.mu.
func (c *Cache) removeItemLocked(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	for owner := range item.owners {
		delete(c.ownerTables[owner], elem)
	}
	c.currentSize -= item.data.Capacity()
	delete(c.lookup, item.data.Key())
	c.items.Remove(elem)
	c.publishSize()
}

// evictTailLocked scans a bounded number of items from the LRU tail inward,
// removing clean ones until the cache is back at its target size. Dirty
// items are skipped; flushing them is the background handler's job. Caller
// holds c.mu.
func (c *Cache) evictTailLocked() {
	if c.tailItems == 0 && c.currentSize > c.targetSize {
		c.tailItems = c.items.Len() / 4
	}
	checked := 0
	for elem := c.items.Back(); c.currentSize > c.targetSize && elem != nil && checked < c.tailItems; checked++ {
		prev := elem.Prev()
		if !elem.Value.(*cacheItem).data.Dirty() {
			c.removeItemLocked(elem)
			c.countEviction()
		}
		elem = prev
	}
}

// throttle stalls hammering callers until background flushing catches up.
// The acceptable pressure threshold grows every iteration, so the loop
// terminates even when the cache cannot drain.
func (c *Cache) throttle() {
	for waitPressure := 0.10; ; waitPressure += 0.01 {
		c.cleanupMu.Lock()
		due := time.Since(c.cleanupTimestamp) > evictionRateLimit
		if due {
			c.cleanupTimestamp = time.Now()
		}
		c.cleanupMu.Unlock()
		if due {
			c.mu.Lock()
			c.evictTailLocked()
			c.mu.Unlock()
		}

		if c.pressure() <= waitPressure {
			return
		}
		time.Sleep(throttleSleep)
	}
}

// readahead records the access and materializes predicted blocks, touching
// each through the background handler so the actual I/O happens off the
// caller's path.
func (c *Cache) readahead(ctx context.Context, owner OwnerID, blockNumber int) {
	// No readahead while the cache is already under pressure. Pressure is
	// read before the readahead lock is taken, outside of it.
	lowPressure := c.pressure() < 0.1

	var prediction []int
	c.readaheadMu.Lock()
	oracle, ok := c.oracles[owner]
	if !ok {
		oracle = prefetch.NewOracle(c.readaheadWindow)
		c.oracles[owner] = oracle
	}
	oracle.Add(blockNumber)
	if lowPressure {
		prediction = oracle.Predict(oracle.MaxPrediction(), prefetch.PredictContinue)
	}
	c.readaheadMu.Unlock()

	for _, predicted := range prediction {
		data, err := c.Get(ctx, owner, predicted, block.ModeStandard, RequestReadahead)
		if err != nil {
			return
		}
		c.countReadahead()
		c.bg.TryRun(func() {
			// Touching one byte pulls the remote value in; a failure here
			// simply re-surfaces when the block is actually read.
			var probe [1]byte
			_ = data.Read(context.Background(), probe[:], 0)
		})
	}
}

func (c *Cache) poolFor(size int64) *buffer.Pool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	pool, ok := c.pools[size]
	if !ok {
		pool = buffer.NewPool(int(size))
		c.pools[size] = pool
	}
	return pool
}

func (c *Cache) takeMailbox(owner OwnerID) error {
	c.mailboxMu.Lock()
	defer c.mailboxMu.Unlock()
	err := c.mailboxes[owner]
	delete(c.mailboxes, owner)
	return err
}

func (c *Cache) dropMailbox(owner OwnerID) {
	c.mailboxMu.Lock()
	delete(c.mailboxes, owner)
	c.mailboxMu.Unlock()
}

func (c *Cache) countHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
}

func (c *Cache) countMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
}

func (c *Cache) countEviction() {
	c.statsMu.Lock()
	c.stats.Evictions++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.Evictions.Inc()
	}
}

func (c *Cache) countFlush() {
	if c.metrics != nil {
		c.metrics.Flushes.Inc()
	}
}

func (c *Cache) countReadahead() {
	if c.metrics != nil {
		c.metrics.Readahead.Inc()
	}
}

// publishSize mirrors the byte accounting into the gauges. Caller holds c.mu.
func (c *Cache) publishSize() {
	if c.metrics == nil {
		return
	}
	c.metrics.Size.Set(float64(c.currentSize))
	c.metrics.Pressure.Set(c.pressureLocked())
}
