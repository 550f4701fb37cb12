package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"visionguard/pkg/logx"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// MaxOpen caps open connections (idle + checked out).
	MaxOpen int
	// IdleTTL: a connection unused for longer is closed instead of reused.
	IdleTTL time.Duration
	// HealthCheckAfter: idle connections older than this are pinged before reuse.
	HealthCheckAfter time.Duration
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	MaxOpen   int    `json:"max_open"`
	Dials     uint64 `json:"dials"`
	Reuses    uint64 `json:"reuses"`
	Evictions uint64 `json:"evictions"`
}

type pooledConn struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	healthy    bool
}

// Lease is a checked-out connection. It must be handed back with Pool.Release.
type Lease struct {
	pc       *pooledConn
	reused   bool
	released bool
}

// Send delivers msg over the leased connection.
func (l *Lease) Send(ctx context.Context, msg Message) error {
	if l == nil || l.pc == nil {
		return errors.New("send on empty lease")
	}
	return l.pc.conn.Send(ctx, msg)
}

// Reused reports whether the lease came from the idle set rather than a new dial.
func (l *Lease) Reused() bool { return l != nil && l.reused }

// Pool keeps a small set of reusable transport connections.
//
// The mutex covers only checkout/checkin bookkeeping. Dial, Ping, Send and
// Close always run outside it.
type Pool struct {
	dialer Dialer
	log    logx.Logger
	now    func() time.Time

	// slots holds one token per checked-out connection.
	slots chan struct{}

	mu     sync.Mutex
	cfg    PoolConfig
	idle   []*pooledConn
	inUse  int
	closed bool

	dials     uint64
	reuses    uint64
	evictions uint64
}

func NewPool(dialer Dialer, cfg PoolConfig, log logx.Logger) *Pool {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 2
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		dialer: dialer,
		log:    log,
		now:    time.Now,
		slots:  make(chan struct{}, cfg.MaxOpen),
		cfg:    cfg,
	}
}

// Acquire returns a healthy idle connection younger than the idle TTL, or dials
// a new one. It blocks while MaxOpen connections are checked out.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		pc, stale, err := p.checkout()
		closeAll(stale)
		if err != nil {
			<-p.slots
			return nil, err
		}
		if pc == nil {
			break
		}
		if p.needsPing(pc) {
			if perr := ping(ctx, pc.conn); perr != nil {
				p.log.Debug("pooled connection failed health check", logx.Err(perr))
				p.discard(pc)
				continue
			}
		}
		return &Lease{pc: pc, reused: true}, nil
	}

	conn, err := dial(ctx, p.dialer)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		<-p.slots
		poolDials.WithLabelValues("error").Inc()
		return nil, err
	}
	poolDials.WithLabelValues("ok").Inc()
	now := p.now()
	p.mu.Lock()
	p.dials++
	p.mu.Unlock()
	return &Lease{pc: &pooledConn{conn: conn, createdAt: now, lastUsedAt: now, healthy: true}}, nil
}

func dial(ctx context.Context, d Dialer) (conn Conn, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			conn, err = nil, Permanent(fmt.Errorf("%w: dial: %v", ErrTransportPanic, rec))
		}
	}()
	return d.Dial(ctx)
}

func ping(ctx context.Context, c Conn) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: ping: %v", ErrTransportPanic, rec)
		}
	}()
	return c.Ping(ctx)
}

// checkout pops the most recently used live idle connection and reserves an
// in-use count. Expired or unhealthy idle connections are returned for closing.
func (p *Pool) checkout() (*pooledConn, []*pooledConn, error) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	var stale []*pooledConn
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		pc := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]
		if !pc.healthy || now.Sub(pc.lastUsedAt) > p.cfg.IdleTTL {
			stale = append(stale, pc)
			p.evictions++
			continue
		}
		p.inUse++
		p.reuses++
		return pc, stale, nil
	}
	p.inUse++
	return nil, stale, nil
}

func (p *Pool) needsPing(pc *pooledConn) bool {
	p.mu.Lock()
	after := p.cfg.HealthCheckAfter
	p.mu.Unlock()
	return after > 0 && p.now().Sub(pc.lastUsedAt) > after
}

// discard closes a connection that failed its health check while checked out.
// It gives the in-use count back. The caller still holds its slot token, and
// the next checkout or dial takes the count again.
func (p *Pool) discard(pc *pooledConn) {
	p.mu.Lock()
	p.inUse--
	p.evictions++
	p.mu.Unlock()
	_ = pc.conn.Close()
}

// Release hands a lease back. Healthy connections go back to the idle set,
// anything else is closed. Releasing twice is a no-op.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil || l.pc == nil || l.released {
		return
	}
	l.released = true
	pc := l.pc

	now := p.now()
	keep := false
	p.mu.Lock()
	p.inUse--
	if healthy && !p.closed && len(p.idle) < p.cfg.MaxOpen {
		pc.lastUsedAt = now
		pc.healthy = true
		p.idle = append(p.idle, pc)
		keep = true
	} else {
		pc.healthy = false
	}
	p.mu.Unlock()
	<-p.slots

	if !keep {
		_ = pc.conn.Close()
	}
}

// Sweep closes idle connections unused for longer than the idle TTL.
func (p *Pool) Sweep(now time.Time) int {
	p.mu.Lock()
	var stale []*pooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if !pc.healthy || now.Sub(pc.lastUsedAt) > p.cfg.IdleTTL {
			stale = append(stale, pc)
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.evictions += uint64(len(stale))
	p.mu.Unlock()

	closeAll(stale)
	return len(stale)
}

// Configure updates TTLs. MaxOpen is fixed at construction.
func (p *Pool) Configure(idleTTL, healthCheckAfter time.Duration) {
	p.mu.Lock()
	if idleTTL > 0 {
		p.cfg.IdleTTL = idleTTL
	}
	if healthCheckAfter >= 0 {
		p.cfg.HealthCheckAfter = healthCheckAfter
	}
	p.mu.Unlock()
}

// Close closes every idle connection. Connections still checked out are
// closed when released. Further Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reopen lets a stopped dispatcher start again on the same pool.
func (p *Pool) reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:      len(p.idle),
		InUse:     p.inUse,
		MaxOpen:   p.cfg.MaxOpen,
		Dials:     p.dials,
		Reuses:    p.reuses,
		Evictions: p.evictions,
	}
}

func closeAll(pcs []*pooledConn) {
	for _, pc := range pcs {
		_ = pc.conn.Close()
	}
}
