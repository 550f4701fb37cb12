package notifier

import (
	"context"
	"sync"
)

// Handle tracks one submitted alert.
//
// Observing it is optional: the result channel is buffered, so a caller that
// never reads it leaks nothing.
type Handle struct {
	id       string
	eventKey string

	ctx    context.Context
	cancel context.CancelFunc

	results chan Result
	done    chan struct{}

	mu       sync.Mutex
	result   Result
	finished bool
}

func newHandle(id, eventKey string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:       id,
		eventKey: eventKey,
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan Result, 1),
		done:     make(chan struct{}),
	}
}

func (h *Handle) ID() string       { return h.id }
func (h *Handle) EventKey() string { return h.eventKey }

// Results delivers the terminal Result exactly once.
func (h *Handle) Results() <-chan Result { return h.results }

// Done is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome if it is known.
func (h *Handle) Result() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.finished
}

// Wait blocks until the outcome is known or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		r, _ := h.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops the alert if no network send has started yet. A send already
// in progress completes and its outcome is still recorded.
func (h *Handle) Cancel() { h.cancel() }

// settle records r as the outcome. Only the first call wins.
func (h *Handle) settle(r Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true
	h.result = r
	return true
}

// signal publishes the settled outcome to waiters. Call once, after settle.
func (h *Handle) signal() {
	r, _ := h.Result()
	h.results <- r
	close(h.done)
	h.cancel()
}
