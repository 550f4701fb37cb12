package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks a parsed config before it is committed. It never requires
// SMTP credentials: without them the service still runs and reports a
// configuration failure per alert.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be console or json, got %q", cfg.Logging.Format))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port: out of range: %d", cfg.SMTP.Port))
	}
	if strings.ContainsAny(cfg.SMTP.From, "\r\n") || strings.ContainsAny(cfg.SMTP.Username, "\r\n") {
		errs = append(errs, errors.New("smtp: addresses must not contain line breaks"))
	}
	errs = appendDurationErr(errs, "smtp.dial_timeout", cfg.SMTP.DialTimeout)

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.send_timeout", n.SendTimeout},
			{"notifier.dedup_window", n.DedupWindow},
			{"notifier.rate_window", n.RateWindow},
			{"notifier.pool.idle_ttl", n.Pool.IdleTTL},
			{"notifier.pool.health_check_after", n.Pool.HealthCheckAfter},
		} {
			errs = appendDurationErr(errs, f.path, f.raw)
		}
		for _, f := range []struct {
			path string
			v    int
		}{
			{"notifier.workers", n.Workers},
			{"notifier.queue_size", n.QueueSize},
			{"notifier.rate_per_sec", n.RatePerSec},
			{"notifier.max_attempts", n.MaxAttempts},
			{"notifier.dedup_max_entries", n.DedupMaxEntries},
			{"notifier.rate_cap", n.RateCap},
			{"notifier.pool.size", n.Pool.Size},
			{"notifier.history_size", n.HistorySize},
		} {
			if f.v < 0 {
				errs = append(errs, fmt.Errorf("%s: must be >= 0", f.path))
			}
		}
		if spec := strings.TrimSpace(n.SweepEvery); spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("notifier.sweep_every: %w", err))
			}
		}
	}

	if b := cfg.Broadcast; b != nil {
		errs = appendDurationErr(errs, "broadcast.wait", b.Wait)
		if b.Workers < 0 || b.QueueSize < 0 {
			errs = append(errs, errors.New("broadcast: workers and queue_size must be >= 0"))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (supported: file, sqlite)", s.Driver))
		}
		errs = appendDurationErr(errs, "storage.busy_timeout", s.BusyTimeout)
	}

	if o := cfg.Ops; o.Enabled {
		addr := strings.TrimSpace(o.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("ops.addr: %w", err))
			}
		}
		if addr != "" && !o.AllowInsecure && strings.TrimSpace(o.Token) == "" && !IsLoopbackAddr(addr) {
			errs = append(errs, fmt.Errorf("ops.addr %q: non-loopback bind requires token or allow_insecure", addr))
		}
		for _, f := range []struct{ path, raw string }{
			{"ops.read_timeout", o.ReadTimeout},
			{"ops.write_timeout", o.WriteTimeout},
			{"ops.idle_timeout", o.IdleTimeout},
		} {
			errs = appendDurationErr(errs, f.path, f.raw)
		}
	}

	return errors.Join(errs...)
}

func appendDurationErr(errs []error, path, raw string) []error {
	if _, err := ParseDurationField(path, raw); err != nil {
		return append(errs, err)
	}
	return errs
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
