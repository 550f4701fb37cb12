package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"visionguard/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// ConfigManager owns the live Config of the alert service. It loads the file,
// overlays VISIONGUARD_* environment variables, and republishes validated
// changes to subscribers while Watch runs.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv LookupFunc

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

// NewConfigManager reads path (JSON or YAML by extension). An empty path means
// defaults plus environment only.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, lookupEnv: os.LookupEnv}
}

func (m *ConfigManager) Path() string { return m.path }

// SetEnv replaces the environment lookup (tests).
func (m *ConfigManager) SetEnv(fn LookupFunc) { m.lookupEnv = fn }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded config must pass before it is
// committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and overlays the environment. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(m.path) != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeStrict(m.path, b, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", m.path, err)
		}
	}
	if err := ApplyEnv(cfg, m.lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ErrUnchanged is returned by Reload when the parsed config equals the live one.
var ErrUnchanged = errors.New("config unchanged")

// Reload parses the file again, runs the validator and, when both pass and
// the content differs from the live config, commits and publishes it.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		return nil, ErrUnchanged
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return cfg, nil
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// pending config so it always ends up with the newest.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped for slow subscriber",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the file on change until ctx ends. Bursts of events are
// debounced into one Reload. A broken fsnotify watcher is recreated with
// jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if strings.TrimSpace(m.path) == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reloadAndLog(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	bo := newWatchBackoff()
	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
		} else {
			bo.reset()
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
			m.consume(ctx, w, file, schedule)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
		}
		wait := bo.next()
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func (m *ConfigManager) reloadAndLog(ctx context.Context) {
	cfg, err := m.Reload(ctx)
	switch {
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged", logx.String("path", m.path))
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	default:
		m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", hashConfig(cfg))))
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// consume forwards events for file to schedule until ctx ends or the watcher
// breaks.
func (m *ConfigManager) consume(ctx context.Context, w *fsnotify.Watcher, file string, schedule func()) {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&ops != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case errors.Is(err, fsnotify.ErrEventOverflow) || strings.Contains(msg, "overflow"):
				// Events were lost.
				m.log.Warn("config watch overflow", logx.Err(err))
				schedule()
			case strings.Contains(msg, "closed"):
				return
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

type watchBackoff struct {
	cur time.Duration
	rng *rand.Rand
}

func newWatchBackoff() *watchBackoff {
	return &watchBackoff{cur: watchBackoffMin, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *watchBackoff) reset() { b.cur = watchBackoffMin }

// next returns the current delay plus up to 50% jitter and doubles it.
func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, watchBackoffMax)
	return wait
}
