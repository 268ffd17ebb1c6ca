package timesync

import (
	"context"
	"sync"
	"sync/atomic"
)

// worker runs one background sync job at a time.  The job reports success through the completed
// flag; the clock loop reads the flag without touching anything else.
type worker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	completed atomic.Bool
}

// start stops any running job and starts job in a new goroutine.
func (w *worker) start(job func(ctx context.Context) bool) {
	w.stop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel, w.done = cancel, done
	w.mu.Unlock()
	go func() {
		defer close(done)
		if job(ctx) {
			w.completed.Store(true)
		}
	}()
}

// stop cancels the running job, waits for it to exit, and clears the completed flag.
func (w *worker) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	w.completed.Store(false)
}
