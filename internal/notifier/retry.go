package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"visionguard/pkg/logx"
)

// Acquirer is the part of Pool the retry controller needs.
type Acquirer interface {
	Acquire(ctx context.Context) (*Lease, error)
	Release(l *Lease, healthy bool)
}

// retryState is the delivery state machine:
//
//	pending -> attempting -> {succeeded, failed, retrying -> attempting, cancelled}
type retryState int

const (
	statePending retryState = iota
	stateAttempting
	stateRetrying
	stateSucceeded
	stateFailed
	stateCancelled
)

// Delivery is what one run of the retry controller produced.
type Delivery struct {
	Outcome  Outcome
	Attempts []Attempt
	Err      error
}

// Retrier runs bounded attempts with linear backoff over pooled connections.
type Retrier struct {
	pool        Acquirer
	pacer       *rate.Limiter
	maxAttempts int
	base        time.Duration
	sendTimeout time.Duration
	log         logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	SendTimeout time.Duration
}

func NewRetrier(pool Acquirer, pacer *rate.Limiter, cfg RetryConfig, log logx.Logger) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retrier{
		pool:        pool,
		pacer:       pacer,
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.Base,
		sendTimeout: cfg.SendTimeout,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Backoff is the wait before the attempt that follows the n-th failure:
// n*base. With the default 2s base and max_attempts 3 the waits are 2s then
// 4s; set max_attempts to 4 to also get the 6s wait before a fourth attempt.
func Backoff(base time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * base
}

// Deliver sends msg with up to maxAttempts attempts. Authentication and
// configuration failures end the run immediately. Cancelling ctx stops the
// run before an attempt or during backoff; a send already in flight finishes.
func (r *Retrier) Deliver(ctx context.Context, msg Message) Delivery {
	var (
		d       Delivery
		state   = statePending
		attempt = 0
		lastErr error
	)
	for {
		switch state {
		case statePending:
			if ctx.Err() != nil {
				state = stateCancelled
				continue
			}
			state = stateAttempting

		case stateAttempting:
			attempt++
			at := Attempt{Number: attempt, ScheduledAt: r.now()}
			if r.pacer != nil {
				if err := r.pacer.Wait(ctx); err != nil {
					state = stateCancelled
					continue
				}
			}
			err := r.attempt(ctx, msg)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// Cancelled while waiting for a connection; nothing was sent.
				state = stateCancelled
				continue
			}
			at.Outcome = Classify(err)
			if err != nil {
				at.Err = err.Error()
				lastErr = err
			}
			d.Attempts = append(d.Attempts, at)
			attemptsTotal.WithLabelValues(at.Outcome.String()).Inc()

			switch at.Outcome {
			case AttemptSuccess:
				state = stateSucceeded
			case AttemptTerminal:
				state = stateFailed
			default:
				if attempt >= r.maxAttempts {
					state = stateFailed
				} else {
					state = stateRetrying
				}
			}
			if err != nil {
				r.log.Debug("alert attempt failed",
					logx.Int("attempt", attempt),
					logx.Int("max", r.maxAttempts),
					logx.String("class", at.Outcome.String()),
					logx.Err(err))
			}

		case stateRetrying:
			if err := r.sleep(ctx, Backoff(r.base, attempt)); err != nil {
				state = stateCancelled
				continue
			}
			state = stateAttempting

		case stateSucceeded:
			d.Outcome = OutcomeSuccess
			return d

		case stateFailed:
			d.Outcome = OutcomeTerminalFailure
			d.Err = lastErr
			return d

		case stateCancelled:
			d.Outcome = OutcomeCancelled
			d.Err = context.Cause(ctx)
			if d.Err == nil {
				d.Err = context.Canceled
			}
			return d
		}
	}
}

// attempt runs one acquire/send/release cycle. The send itself is detached from
// ctx cancellation and bounded by the send timeout instead. A panicking
// transport becomes a permanent error and its connection is dropped.
func (r *Retrier) attempt(ctx context.Context, msg Message) (err error) {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("%w: send: %v", ErrTransportPanic, rec))
		}
		cancel()
		r.pool.Release(lease, err == nil)
	}()
	return lease.Send(sendCtx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
