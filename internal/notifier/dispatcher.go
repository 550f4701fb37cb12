package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"visionguard/internal/eventbus"
	rtsup "visionguard/internal/runtime/supervisor"
	"visionguard/pkg/logx"
)

// Detection types reported by the detection pipeline.
const (
	DetectionStatic = "static"
	DetectionLive   = "live"
)

// Options carries the collaborators of a Dispatcher. Nil policy objects are
// built from Config; Dialer is required unless Pool is given.
type Options struct {
	Dialer  Dialer
	Dedup   *DedupCache
	Limiter *RateLimiter
	Pool    *Pool

	Log logx.Logger
	Bus eventbus.Bus

	// Now and Sleep replace the clock and the backoff sleep (tests).
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type job struct {
	req SendRequest
	msg Message
	h   *Handle

	dedupStamp time.Time
	rateStart  time.Time
}

// Dispatcher implements the async alert pipeline:
// render + dedup + per-recipient rate limit + queue + worker pool + retry over
// pooled SMTP connections.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	cfg     Config
	dialer  Dialer
	dedup   *DedupCache
	limiter *RateLimiter
	pool    *Pool
	pacer   *rate.Limiter
	retrier *Retrier
	sleep   func(ctx context.Context, d time.Duration) error

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan *job
	sup       *rtsup.Supervisor
	janitor   *cron.Cron
	stopDone  chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []Result
}

func New(cfg Config, opts Options) *Dispatcher {
	cfg = cfg.withDefaults()
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		log:     log,
		bus:     opts.Bus,
		now:     now,
		dialer:  opts.Dialer,
		dedup:   opts.Dedup,
		limiter: opts.Limiter,
		pool:    opts.Pool,
		sleep:   opts.Sleep,
	}
	if d.dedup == nil {
		d.dedup = NewDedupCache(cfg.DedupWindow, cfg.DedupMaxEntries)
	}
	if d.limiter == nil {
		d.limiter = NewRateLimiter(cfg.RateWindow, cfg.RateCap)
	}
	if d.pool == nil {
		d.pool = NewPool(opts.Dialer, PoolConfig{
			MaxOpen:          cfg.PoolSize,
			IdleTTL:          cfg.PoolIdleTTL,
			HealthCheckAfter: cfg.PoolHealthCheckAfter,
		}, log.With(logx.String("comp", "smtp.pool")))
		d.pool.now = now
	}
	if strings.TrimSpace(cfg.From) == "" {
		if sd, ok := opts.Dialer.(*SMTPDialer); ok {
			cfg.From = sd.Config().Username
		}
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

// Apply swaps tunables at runtime. Worker count and queue size take effect on
// the next Start; pool size is fixed for the pool's lifetime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = d.cfg.From
	}
	d.applyLocked(cfg)
	d.mu.Unlock()

	d.dedup.Configure(cfg.DedupWindow, cfg.DedupMaxEntries)
	d.limiter.Configure(cfg.RateWindow, cfg.RateCap)
	d.pool.Configure(cfg.PoolIdleTTL, cfg.PoolHealthCheckAfter)
}

func (d *Dispatcher) applyLocked(cfg Config) {
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	if d.pacer == nil {
		d.pacer = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		d.pacer.SetLimit(rate.Limit(cfg.RatePerSec))
		d.pacer.SetBurst(cfg.RatePerSec)
	}
	r := NewRetrier(d.pool, d.pacer, RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.RetryBase,
		SendTimeout: cfg.SendTimeout,
	}, d.log.With(logx.String("comp", "retry")))
	r.now = d.now
	if d.sleep != nil {
		r.sleep = d.sleep
	}
	d.retrier = r
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.mu.Lock()
	}
	if d.queue != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return nil
	}

	sweeper := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := sweeper.AddFunc(d.cfg.SweepSpec, func() { d.Sweep() }); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("notifier.sweep_every %q: %w", d.cfg.SweepSpec, err)
	}

	d.pool.reopen()
	d.queue = make(chan *job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "notifier.sup"))),
		// alert failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	d.janitor = sweeper
	sup := d.sup
	q := d.queue
	workers := d.cfg.Workers
	d.mu.Unlock()

	sweeper.Start()
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Info("alert dispatcher started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
	return nil
}

// Stop stops intake and drains the queue best-effort until ctx deadline. Alerts
// still queued when the deadline hits complete as Dropped. The connection pool
// is closed on every path.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q := d.queue
	sup := d.sup
	sweeper := d.janitor
	if q == nil {
		d.mu.Unlock()
		_ = d.pool.Close()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight submits, then close the queue so workers can drain.
		d.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		for j := range q {
			queueDepth.Dec()
			d.rollback(j)
			d.finish(j, Delivery{Outcome: OutcomeDropped, Err: ErrStopped})
		}
		if sweeper != nil {
			<-sweeper.Stop().Done()
		}
		if err := d.pool.Close(); err != nil {
			d.log.Debug("closing smtp pool", logx.Err(err))
		}

		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.janitor = nil
		d.stopDone = nil
		d.mu.Unlock()
		d.log.Info("alert dispatcher stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers; in-flight sends still finish.
		if sup != nil {
			sup.Cancel()
		}
		<-done
	}
}

// Submit renders req and schedules its delivery. It never waits on the network.
//
// Template errors and malformed requests are returned synchronously; every other
// outcome (including missing credentials) is reported on the returned Handle.
// The delivery is not bound to ctx: ctx only aborts a submit that has not begun.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Handle, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" || !strings.Contains(recipient, "@") || strings.ContainsAny(recipient, "\r\n") {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidRequest, req.Recipient)
	}
	rendered, err := Render(req.Template, req.Params)
	if err != nil {
		return nil, err
	}

	eventKind := strings.TrimSpace(req.EventKind)
	if eventKind == "" {
		eventKind = req.Template
		if dt, ok := req.Params.Get("detectionType"); ok && dt != "" {
			eventKind += ":" + dt
		}
	}
	now := d.now()
	j := &job{
		req: SendRequest{
			Recipient:   recipient,
			Template:    req.Template,
			Params:      append(Params(nil), req.Params...),
			EventKey:    EventKey(recipient, eventKind),
			SubmittedAt: now,
		},
	}
	j.h = newHandle(uuid.NewString(), j.req.EventKey)

	d.mu.Lock()
	cfg := d.cfg
	q := d.queue
	accepting := d.accepting
	if cfg.Enabled && accepting && q != nil {
		d.sendWG.Add(1)
		defer d.sendWG.Done()
	}
	d.mu.Unlock()

	j.msg = Message{From: cfg.From, To: recipient, Subject: rendered.Subject, Text: rendered.Text, HTML: rendered.HTML}

	switch {
	case !cfg.Enabled:
		d.finish(j, Delivery{Outcome: OutcomeDropped, Err: ErrDisabled})
		return j.h, nil
	case !accepting || q == nil:
		d.finish(j, Delivery{Outcome: OutcomeDropped, Err: ErrStopped})
		return j.h, nil
	}

	if v, ok := d.dialer.(Validator); ok {
		if err := v.Validate(); err != nil {
			d.finish(j, Delivery{Outcome: OutcomeTerminalFailure, Err: err})
			return j.h, nil
		}
	}

	if !d.dedup.CheckAndReserve(j.req.EventKey, now) {
		d.finish(j, Delivery{Outcome: OutcomeDeduplicated})
		return j.h, nil
	}
	j.dedupStamp = now

	start, ok := d.limiter.consume(recipient, now)
	if !ok {
		d.dedup.Release(j.req.EventKey, j.dedupStamp)
		j.dedupStamp = time.Time{}
		d.finish(j, Delivery{Outcome: OutcomeRateLimited})
		return j.h, nil
	}
	j.rateStart = start

	select {
	case q <- j:
		queueDepth.Inc()
		d.publish(eventbus.AlertQueued, j, Result{})
		return j.h, nil
	default:
		d.rollback(j)
		d.finish(j, Delivery{Outcome: OutcomeDropped, Err: ErrQueueFull})
		return j.h, nil
	}
}

// NotifyNoObjectsFound is the entry point used by the detection pipeline after
// a run found zero objects.
func (d *Dispatcher) NotifyNoObjectsFound(ctx context.Context, recipient, detectionType string) (*Handle, error) {
	dt := strings.ToLower(strings.TrimSpace(detectionType))
	if dt != DetectionStatic && dt != DetectionLive {
		return nil, fmt.Errorf("%w: detection type %q", ErrInvalidRequest, detectionType)
	}
	return d.Submit(ctx, Request{
		Recipient: recipient,
		Template:  TemplateNoObjectsDetected,
		Params:    P("detectionType", dt),
		EventKind: TemplateNoObjectsDetected + ":" + dt,
	})
}

// Probe dials and authenticates once, outside the pool, and reports the
// classified error. Operators use it to check credentials before relying on
// the async path.
func (d *Dispatcher) Probe(ctx context.Context) error {
	if d.dialer == nil {
		return fmt.Errorf("%w: no transport", ErrConfiguration)
	}
	if v, ok := d.dialer.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// Sweep purges expired dedup entries, elapsed rate windows and idle connections.
func (d *Dispatcher) Sweep() {
	now := d.now()
	dd := d.dedup.Sweep(now)
	rl := d.limiter.Sweep(now)
	pc := d.pool.Sweep(now)
	if dd+rl+pc > 0 {
		d.log.Debug("notifier sweep", logx.Int("dedup", dd), logx.Int("rate_windows", rl), logx.Int("connections", pc))
	}
}

// Stats is a point-in-time view used by the ops endpoints.
type Stats struct {
	Enabled      bool      `json:"enabled"`
	Running      bool      `json:"running"`
	Queued       int       `json:"queued"`
	QueueCap     int       `json:"queue_cap"`
	DedupEntries int       `json:"dedup_entries"`
	RateWindows  int       `json:"rate_windows"`
	Pool         PoolStats `json:"pool"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	st := Stats{Enabled: d.cfg.Enabled, Running: d.queue != nil && d.accepting}
	if d.queue != nil {
		st.Queued = len(d.queue)
		st.QueueCap = cap(d.queue)
	}
	d.mu.Unlock()
	st.DedupEntries = d.dedup.Len()
	st.RateWindows = d.limiter.Len()
	st.Pool = d.pool.Stats()
	return st
}

// History returns recent terminal results, oldest first.
func (d *Dispatcher) History() []Result {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]Result(nil), d.history...)
}

// Supervisor returns the worker supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan *job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			queueDepth.Dec()
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(runCtx context.Context, j *job) {
	ctx, cancel := context.WithCancel(j.h.ctx)
	stop := context.AfterFunc(runCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("alert delivery panicked", logx.String("event_key", j.req.EventKey), logx.Any("panic", rec))
			d.finish(j, Delivery{Outcome: OutcomeTerminalFailure, Err: fmt.Errorf("%w: %v", ErrTransportPanic, rec)})
		}
	}()

	d.mu.Lock()
	r := d.retrier
	d.mu.Unlock()

	res := r.Deliver(ctx, j.msg)
	if res.Outcome == OutcomeCancelled && len(res.Attempts) == 0 {
		// Nothing reached the wire; give the policy budget back.
		d.rollback(j)
	}
	d.finish(j, res)
}

func (d *Dispatcher) rollback(j *job) {
	if !j.dedupStamp.IsZero() {
		d.dedup.Release(j.req.EventKey, j.dedupStamp)
	}
	if !j.rateStart.IsZero() {
		d.limiter.Refund(j.req.Recipient, j.rateStart)
	}
}

func (d *Dispatcher) finish(j *job, res Delivery) {
	r := Result{
		HandleID:    j.h.ID(),
		EventKey:    j.req.EventKey,
		Recipient:   j.req.Recipient,
		Template:    j.req.Template,
		Outcome:     res.Outcome,
		Attempts:    res.Attempts,
		Err:         res.Err,
		SubmittedAt: j.req.SubmittedAt,
		FinishedAt:  d.now(),
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if !j.h.settle(r) {
		return
	}
	defer j.h.signal()
	d.appendHistory(r)

	alertsTotal.WithLabelValues(r.Outcome.String()).Inc()
	if r.Outcome == OutcomeSuccess || r.Outcome == OutcomeTerminalFailure {
		deliveryDuration.WithLabelValues(r.Outcome.String()).Observe(r.FinishedAt.Sub(r.SubmittedAt).Seconds())
	}

	fields := []logx.Field{
		logx.String("id", r.HandleID),
		logx.Email("to", r.Recipient),
		logx.String("template", r.Template),
		logx.String("outcome", r.Outcome.String()),
		logx.Int("attempts", len(r.Attempts)),
		logx.Err(r.Err),
	}
	switch r.Outcome {
	case OutcomeSuccess:
		d.log.Info("alert sent", fields...)
	case OutcomeTerminalFailure:
		d.log.Warn("alert failed", fields...)
	default:
		d.log.Debug("alert not sent", fields...)
	}

	var typ string
	switch r.Outcome {
	case OutcomeSuccess:
		typ = eventbus.AlertSent
	case OutcomeDeduplicated:
		typ = eventbus.AlertDeduplicated
	case OutcomeRateLimited:
		typ = eventbus.AlertRateLimited
	case OutcomeDropped:
		typ = eventbus.AlertDropped
	case OutcomeCancelled:
		typ = eventbus.AlertCancelled
	default:
		typ = eventbus.AlertFailed
	}
	d.publish(typ, j, r)
}

func (d *Dispatcher) publish(typ string, j *job, r Result) {
	if d.bus == nil {
		return
	}
	now := d.now()
	ev := AlertEvent{
		HandleID:  j.h.ID(),
		EventKey:  j.req.EventKey,
		Recipient: j.req.Recipient,
		Template:  j.req.Template,
		Attempts:  len(r.Attempts),
		At:        now,
		Error:     r.Error,

		SubmittedAt: j.req.SubmittedAt,
	}
	if r.Outcome != OutcomePending {
		ev.Outcome = r.Outcome.String()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (d *Dispatcher) appendHistory(r Result) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()
	d.hmu.Lock()
	d.history = append(d.history, r)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}
