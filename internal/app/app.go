package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"visionguard/internal/config"
	"visionguard/internal/eventbus"
	"visionguard/internal/notifier"
	"visionguard/internal/notifier/broadcast"
	"visionguard/internal/ops"
	rtsup "visionguard/internal/runtime/supervisor"
	"visionguard/internal/storage"
	"visionguard/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// smtp is nil when a custom dialer was injected.
	smtp  *notifier.SMTPDialer
	notif *notifier.Dispatcher
	bcast *broadcast.Service
	ops   *ops.Service

	auditUnsub func()
	auditDone  chan struct{}
}

type Option func(*options)

type options struct {
	env    config.LookupFunc
	dialer notifier.Dialer
}

// WithEnv replaces the environment lookup used for SMTP credentials.
func WithEnv(fn config.LookupFunc) Option { return func(o *options) { o.env = fn } }

// WithDialer replaces the SMTP transport. SMTP config reloads are then ignored.
func WithDialer(d notifier.Dialer) Option { return func(o *options) { o.dialer = d } }

// NewApp loads cfgPath (empty means defaults plus environment) and wires every
// component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.env != nil {
		cfgm.SetEnv(o.env)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	var smtpDialer *notifier.SMTPDialer
	dialer := o.dialer
	if dialer == nil {
		sc, err := mapSMTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		smtpDialer = notifier.NewSMTPDialer(sc)
		dialer = smtpDialer
		if err := sc.Validate(); err != nil {
			// Not fatal: every alert reports the configuration failure instead.
			log.Warn("smtp credentials missing; alerts will fail until configured", logx.Err(err))
		}
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, notifier.Options{
		Dialer: dialer,
		Log:    log.With(logx.String("comp", "notifier")),
		Bus:    bus,
	})

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcast := broadcast.New(bcfg, notif, log.With(logx.String("comp", "broadcast")))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := ops.Deps{Dispatcher: notif, Broadcast: bcast}
	if store != nil {
		deps.Audit = store
	}
	opsSvc := ops.New(ocfg, deps, log.With(logx.String("comp", "ops")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		smtp:  smtpDialer,
		notif: notif,
		bcast: bcast,
		ops:   opsSvc,
	}, nil
}

func (a *App) Dispatcher() *notifier.Dispatcher { return a.notif }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validateConfig is the transactional reload gate: a config that fails here
// is never committed.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapSMTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Audit runs outside the supervisor: it must outlive the notifier drain in Stop.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.auditUnsub = unsub
		a.auditDone = make(chan struct{})
		go func() {
			defer close(a.auditDone)
			recordDeliveries(context.WithoutCancel(ctx), events, a.store, a.log.With(logx.String("comp", "audit")))
		}()
	}

	// The notifier is detached from the run context so Stop can drain queued
	// alerts after the app context is cancelled.
	if err := a.notif.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		return fmt.Errorf("notifier start: %w", err)
	}
	if a.bcast.Enabled() {
		a.bcast.Start(a.sup.Context())
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		watchdogLoop(c, a.log.With(logx.String("comp", "systemd")), func() bool {
			st := a.notif.Stats()
			return !st.Enabled || st.Running
		})
		return nil
	})

	sdNotify(a.log, "READY=1")
	a.log.Info("app started",
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("broadcast", a.bcast.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
		logx.Bool("audit", a.store != nil))
	return nil
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if a.smtp != nil {
		if sc, err := mapSMTPConfig(next); err != nil {
			a.log.Warn("invalid smtp config; keeping previous", logx.Err(err))
		} else {
			a.smtp.Reconfigure(sc)
		}
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			if err := a.notif.Start(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("notifier start failed", logx.Err(err))
			}
		}
	}

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.bcast.Enabled()
		a.bcast.Apply(bcfg)
		switch {
		case wasEnabled && !bcfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.bcast.Stop(stopCtx)
			cancel()
		case !wasEnabled && bcfg.Enabled:
			a.bcast.Start(ctx)
		}
	}

	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, "STOPPING=1")
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline exceeded)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	// Drain queued alerts; in-flight sends finish on their own timeout.
	step("notifier", 10*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("audit", 2*time.Second, func(c context.Context) error {
		if a.auditUnsub == nil {
			return nil
		}
		a.auditUnsub()
		select {
		case <-a.auditDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
