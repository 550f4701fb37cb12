package broadcast

import (
	"context"
	"time"

	"visionguard/internal/notifier"
	"visionguard/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

// execJob submits every recipient first, then collects outcomes, so the
// dispatcher's workers deliver them concurrently.
func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.recipients)))

	s.mu.Lock()
	wait := s.cfg.Wait
	s.mu.Unlock()

	type pending struct {
		rcpt string
		h    *notifier.Handle
	}
	var hs []pending
	for _, rcpt := range j.recipients {
		h, err := s.sub.Submit(ctx, notifier.Request{
			Recipient: rcpt,
			Template:  j.template,
			Params:    j.params,
			EventKind: j.eventKind,
		})
		if err != nil {
			s.record(j.id, rcpt, notifier.Result{Outcome: notifier.OutcomeTerminalFailure, Error: err.Error()})
			continue
		}
		hs = append(hs, pending{rcpt: rcpt, h: h})
	}

	for _, p := range hs {
		wctx, cancel := context.WithTimeout(ctx, wait)
		r, err := p.h.Wait(wctx)
		cancel()
		if err != nil {
			// Stop or timeout: the alert stays with the dispatcher.
			r = notifier.Result{Outcome: notifier.OutcomePending, Error: err.Error()}
		}
		s.record(j.id, p.rcpt, r)
	}
	s.finish(j.id)

	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("total", st.Total),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) record(id, rcpt string, r notifier.Result) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return
	}
	st.Done++
	switch {
	case r.Outcome == notifier.OutcomeSuccess:
		st.Sent++
	case r.Outcome.PolicyDrop():
		st.Suppressed++
	default:
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, Failure{Recipient: logx.MaskEmail(rcpt), Outcome: r.Outcome.String(), Error: r.Error})
		}
	}
}

func (s *Service) finish(id string) {
	now := time.Now()
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
	}
	s.statusMu.Unlock()
	s.pruneStatus(now)
}
