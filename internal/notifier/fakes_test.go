package notifier

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeTransport is an in-memory Dialer. Send pops scripted errors in order and
// succeeds once they run out.
type fakeTransport struct {
	mu       sync.Mutex
	sendErrs []error
	dialErr  error
	validErr error
	sent     []Message
	dials    int
	closes   int
	pings    int
	pingErr  error
	// panics is the number of upcoming Send calls that panic.
	panics int

	// block, when set, holds every Send until it is closed.
	block chan struct{}
	// started receives one value per Send call.
	started chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan struct{}, 64)}
}

func (f *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dials++
	return &fakeConn{t: f}, nil
}

func (f *fakeTransport) Validate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validErr
}

func (f *fakeTransport) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeConn struct {
	t      *fakeTransport
	closed bool
}

func (c *fakeConn) Send(ctx context.Context, msg Message) error {
	select {
	case c.t.started <- struct{}{}:
	default:
	}
	c.t.mu.Lock()
	block := c.t.block
	c.t.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return errors.New("send on closed conn")
	}
	if c.t.panics > 0 {
		c.t.panics--
		panic("smtp session corrupted")
	}
	if len(c.t.sendErrs) > 0 {
		err := c.t.sendErrs[0]
		c.t.sendErrs = c.t.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.t.sent = append(c.t.sent, msg)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.pings++
	return c.t.pingErr
}

func (c *fakeConn) Close() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.t.closes++
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
