package app

import (
	"fmt"
	"strings"
	"time"

	"visionguard/internal/config"
	"visionguard/internal/notifier"
	"visionguard/internal/notifier/broadcast"
	"visionguard/internal/ops"
	"visionguard/internal/storage"
	"visionguard/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSMTPConfig(cfg *config.Config) (notifier.SMTPConfig, error) {
	sc := cfg.SMTP
	dial, err := config.ParseDurationOrDefault("smtp.dial_timeout", sc.DialTimeout, 15*time.Second)
	if err != nil {
		return notifier.SMTPConfig{}, err
	}
	return notifier.SMTPConfig{
		Host:               strings.TrimSpace(sc.Host),
		Port:               sc.Port,
		Username:           strings.TrimSpace(sc.Username),
		Password:           sc.Password,
		LocalName:          sc.LocalName,
		DialTimeout:        dial,
		InsecureSkipVerify: sc.InsecureSkipVerify,
	}, nil
}

// mapNotifierConfig converts the file form into notifier.Config. A missing
// notifier section means defaults with the pipeline enabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.DefaultConfig()
	from := strings.TrimSpace(cfg.SMTP.From)
	if from == "" {
		from = strings.TrimSpace(cfg.SMTP.Username)
	}
	out.From = from

	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	if n.Workers > 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize > 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.MaxAttempts > 0 {
		out.MaxAttempts = n.MaxAttempts
	}
	if n.DedupMaxEntries > 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if n.RateCap > 0 {
		out.RateCap = n.RateCap
	}
	if n.Pool.Size > 0 {
		out.PoolSize = n.Pool.Size
	}
	if n.HistorySize > 0 {
		out.HistorySize = n.HistorySize
	}
	if s := strings.TrimSpace(n.SweepEvery); s != "" {
		out.SweepSpec = s
	}

	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.send_timeout", n.SendTimeout, &out.SendTimeout},
		{"notifier.dedup_window", n.DedupWindow, &out.DedupWindow},
		{"notifier.rate_window", n.RateWindow, &out.RateWindow},
		{"notifier.pool.idle_ttl", n.Pool.IdleTTL, &out.PoolIdleTTL},
		{"notifier.pool.health_check_after", n.Pool.HealthCheckAfter, &out.PoolHealthCheckAfter},
	} {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, *f.dst); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	if b == nil {
		return broadcast.Config{}, nil
	}
	wait, err := config.ParseDurationField("broadcast.wait", b.Wait)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Enabled:   b.Enabled,
		Workers:   b.Workers,
		QueueSize: b.QueueSize,
		Wait:      wait,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, MaxRows: sc.MaxRows}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 15*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 75*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
