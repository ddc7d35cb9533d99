package store

import (
	"context"
	"log"
	"sync"
	"time"
)

// Persister is the part of Store the Flusher drives. Flush writes any
// queued rows and reports how many were written.
type Persister interface {
	Flush() (int, error)
}

// Flusher periodically drains queued estimates to the database. It
// provides context-aware lifecycle management around Store.Flush.
type Flusher struct {
	store    Persister
	interval time.Duration
	logger   *log.Logger
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFlusher creates a Flusher that calls store.Flush every interval.
// A nil logger uses log.Default().
func NewFlusher(store Persister, interval time.Duration, logger *log.Logger) *Flusher {
	if logger == nil {
		logger = log.Default()
	}
	return &Flusher{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run starts the periodic flushing loop. It blocks until the context is
// cancelled or Stop() is called, and performs a final flush on the way
// out. Returns nil on clean shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil // already running
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	defer func() {
		close(f.doneCh)
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	if f.interval <= 0 {
		f.logger.Printf("Flusher: interval is zero or negative, not starting")
		return nil
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Printf("Flusher started: interval=%v", f.interval)

	for {
		select {
		case <-ctx.Done():
			f.logger.Printf("Flusher stopping due to context cancellation")
			f.flush()
			return nil
		case <-f.stopCh:
			f.logger.Printf("Flusher stopping due to Stop() call")
			f.flush()
			return nil
		case <-ticker.C:
			f.flush()
		}
	}
}

// Stop requests the flusher to stop. It is safe to call multiple times.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	select {
	case <-f.stopCh:
		// already closed
	default:
		close(f.stopCh)
	}
	f.mu.Unlock()

	// Wait for completion
	<-f.doneCh
}

// IsRunning returns whether the flusher is currently running.
func (f *Flusher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// FlushNow triggers an immediate flush outside the regular interval.
func (f *Flusher) FlushNow() {
	f.flush()
}

func (f *Flusher) flush() {
	if f.store == nil {
		return
	}
	n, err := f.store.Flush()
	if err != nil {
		f.logger.Printf("Flusher: error flushing: %v", err)
		return
	}
	if n > 0 {
		f.logger.Printf("Flusher: %d estimates flushed to database", n)
	}
}
