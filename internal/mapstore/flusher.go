package mapstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentic-research/tracemerge/internal/control"
)

// Flusher writes dirty tiles to the backend in the background and publishes
// each flush through the control block.
//
// Merge runs call RequestFlush after every commit; the coalescing goroutine
// batches those into at most one Store.Flush per tick.
type Flusher struct {
	store     *Store
	storePath string
	ctrl      *control.Controller

	mu       sync.Mutex
	dirty    bool
	flushErr error // last flush error, readable via LastError()
	tick     *time.Ticker
	stopCh   chan struct{}
	stopped  bool
	log      *slog.Logger
}

// NewFlusher creates a flusher for store. ctrl may be nil.
//
// Call Start to begin the coalescing goroutine, and Close to stop it and
// perform a final flush.
func NewFlusher(store *Store, storePath string, ctrl *control.Controller) *Flusher {
	return &Flusher{
		store:     store,
		storePath: storePath,
		ctrl:      ctrl,
		stopCh:    make(chan struct{}),
		log:       slog.Default().With(slog.String("component", "flusher")),
	}
}

// Start begins the coalescing goroutine that flushes at most once per
// interval when dirty. Safe to call multiple times.
func (f *Flusher) Start(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick != nil || f.stopped {
		return
	}
	f.tick = time.NewTicker(interval)
	go f.coalesceLoop()
}

func (f *Flusher) coalesceLoop() {
	for {
		select {
		case <-f.tick.C:
			f.mu.Lock()
			if !f.dirty {
				f.mu.Unlock()
				continue
			}
			f.dirty = false
			f.mu.Unlock()
			if err := f.flush(); err != nil {
				f.mu.Lock()
				f.flushErr = err
				f.dirty = true
				f.mu.Unlock()
				f.log.Error("flush failed", slog.Any("err", err))
			}
		case <-f.stopCh:
			return
		}
	}
}

// RequestFlush marks the store as dirty. Non-blocking.
func (f *Flusher) RequestFlush() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// LastError returns the last error from the coalescing goroutine.
func (f *Flusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushErr
}

// Close stops the coalescing goroutine and flushes whatever is still dirty.
func (f *Flusher) Close() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.dirty = false
	if f.tick != nil {
		f.tick.Stop()
		close(f.stopCh)
	}
	f.mu.Unlock()

	return f.flush()
}

func (f *Flusher) flush() error {
	n, err := f.store.Flush()
	if err != nil {
		return err
	}
	if n == 0 || f.ctrl == nil {
		return nil
	}
	gen, err := f.ctrl.Publish(f.storePath, uint64(n))
	if err != nil {
		return fmt.Errorf("update control block: %w", err)
	}
	f.log.Debug("flushed", slog.Int("tiles", n), slog.Uint64("generation", gen))
	return nil
}
