// Package background executes short tasks asynchronously on a bounded
// worker pool with a bounded queue.
package background

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "background")

// Handler runs submitted tasks with bounded concurrency. With a queue depth
// of zero it spawns a goroutine per task up to the worker limit and falls
// back to inline execution; otherwise a fixed pool of workers consumes a
// FIFO queue and Run blocks while the queue is full.
type Handler struct {
	mu        sync.Mutex
	queue     chan func()
	threadCap int
	queueCap  int
	// workers currently alive; in pool mode also the generation marker used
	// to retire surplus workers after ChangeConfiguration.
	numThreads int
	generation int
}

// NewHandler creates a handler with the given worker and queue limits.
func NewHandler(workerThreads, queueDepth int) *Handler {
	h := &Handler{}
	h.ChangeConfiguration(workerThreads, queueDepth)
	return h
}

// ChangeConfiguration adjusts the limits for new submissions. Existing pool
// workers exit once they observe the lower thread limit and an empty queue.
//
// The no-queue submit path decides spawn-vs-inline on a snapshot of the
// thread limit; a concurrent reconfiguration can briefly overshoot the new
// limit by in-flight submissions.
func (h *Handler) ChangeConfiguration(workerThreads, queueDepth int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.threadCap = workerThreads
	if queueDepth == h.queueCap && h.queue != nil {
		h.spawnWorkersLocked()
		return
	}
	h.queueCap = queueDepth
	h.generation++

	if queueDepth == 0 {
		// Orphan any existing queue; remaining workers drain it and exit.
		h.queue = nil
		return
	}
	h.queue = make(chan func(), queueDepth)
	h.spawnWorkersLocked()
}

// spawnWorkersLocked brings the pool up to the thread limit. Caller holds
// h.mu and h.queue is non-nil.
func (h *Handler) spawnWorkersLocked() {
	for h.numThreads < h.threadCap {
		h.numThreads++
		go h.worker(h.queue, h.generation)
	}
}

// Run submits a task, never failing. In pool mode the caller blocks until a
// queue slot frees up; in no-queue mode the task executes inline on the
// caller when the thread limit is reached.
func (h *Handler) Run(task func()) {
	h.mu.Lock()
	queue := h.queue
	h.mu.Unlock()

	if queue == nil {
		h.runNoQueue(task)
		return
	}
	queue <- task
}

// TryRun submits a task without blocking. It returns false when the queue is
// full, or in no-queue mode when the thread limit is reached.
func (h *Handler) TryRun(task func()) bool {
	h.mu.Lock()
	queue := h.queue
	h.mu.Unlock()

	if queue == nil {
		return h.tryRunNoQueue(task)
	}
	select {
	case queue <- task:
		return true
	default:
		return false
	}
}

// worker consumes tasks until it observes a generation change or a thread
// limit reduction with an empty queue.
func (h *Handler) worker(queue chan func(), generation int) {
	for {
		select {
		case task := <-queue:
			h.execute(task)
		default:
			h.mu.Lock()
			retire := h.generation != generation || h.numThreads > h.threadCap
			if retire {
				h.numThreads--
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			task, ok := <-queue
			if !ok {
				return
			}
			h.execute(task)
		}
	}
}

func (h *Handler) runNoQueue(task func()) {
	h.mu.Lock()
	if h.numThreads < h.threadCap {
		h.numThreads++
		h.mu.Unlock()
		go h.executeNoQueue(task)
		return
	}
	h.mu.Unlock()
	h.execute(task)
}

func (h *Handler) tryRunNoQueue(task func()) bool {
	h.mu.Lock()
	if h.numThreads >= h.threadCap {
		h.mu.Unlock()
		return false
	}
	h.numThreads++
	h.mu.Unlock()
	go h.executeNoQueue(task)
	return true
}

func (h *Handler) executeNoQueue(task func()) {
	h.execute(task)
	h.mu.Lock()
	h.numThreads--
	h.mu.Unlock()
}

// execute runs a task, swallowing panics. Callers that need to observe
// failures carry their own channel.
func (h *Handler) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Warn("background task failed")
		}
	}()
	task()
}
