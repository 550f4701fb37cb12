package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"visionguard/internal/notifier"
	"visionguard/pkg/logx"
)

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		cfg:       cfg,
		sub:       sub,
		log:       log,
		queue:     make(chan job, cfg.QueueSize),
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Minute
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps Wait and Enabled. Worker count and queue size apply on restart.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg.Enabled = cfg.Enabled
	s.cfg.Wait = cfg.Wait
	s.mu.Unlock()
}

// NewJob queues one alert per recipient and returns the job id. Duplicate
// recipients are collapsed.
func (s *Service) NewJob(name string, recipients []string, template string, params notifier.Params, eventKind string) (string, error) {
	if _, err := notifier.Render(template, params); err != nil {
		return "", err
	}
	rcpts := uniqueRecipients(recipients)
	if len(rcpts) == 0 {
		return "", fmt.Errorf("%w: no recipients", notifier.ErrInvalidRequest)
	}

	now := time.Now()
	id := "bc:" + uuid.NewString()
	s.pruneStatus(now)
	st := &JobStatus{ID: id, Name: name, Total: len(rcpts), CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil && s.cfg.Enabled
	q := s.queue
	s.mu.Unlock()

	if !running {
		s.log.Debug("broadcast not running; dropping job", logx.String("job", id), logx.String("name", name))
		s.failAll(id, notifier.ErrStopped)
		return id, nil
	}
	select {
	case q <- job{id: id, name: name, recipients: rcpts, template: template, params: params, eventKind: eventKind}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name), logx.Int("total", len(rcpts)), logx.Int("queue_len", len(q)))
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", name), logx.Int("queue_cap", cap(q)))
		s.failAll(id, notifier.ErrQueueFull)
	}
	return id, nil
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]Failure(nil), st.Failures...)
	return cp, true
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	// If a Stop() is in progress, wait for it to complete.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return
	}
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in broadcast worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("broadcast started", logx.Int("workers", workers))
}

// Stop halts workers. Jobs still queued stay pending for the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("broadcast stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) failAll(id string, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
		st.Failed = st.Total
		st.Done = st.Total
		st.Failures = append(st.Failures, Failure{Outcome: notifier.OutcomeDropped.String(), Error: err.Error()})
	}
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if st == nil || (!st.Running && now.Sub(st.CreatedAt) > s.statusTTL) {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.statusMax {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	var done []entry
	for id, st := range s.status {
		if !st.Running {
			done = append(done, entry{id, st.CreatedAt})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, e := range done {
		if len(s.status) <= s.statusMax {
			break
		}
		delete(s.status, e.id)
	}
}

func uniqueRecipients(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		k := strings.ToLower(r)
		if r == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
