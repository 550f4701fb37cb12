package config

import (
	"reflect"
	"sort"
	"strings"

	"visionguard/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (passwords, tokens) are never included,
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// SMTP (never log the password)
	o, n := oldCfg.SMTP, newCfg.SMTP
	if strings.TrimSpace(o.Host) != strings.TrimSpace(n.Host) ||
		o.Port != n.Port ||
		strings.TrimSpace(o.Username) != strings.TrimSpace(n.Username) ||
		o.Password != n.Password ||
		strings.TrimSpace(o.From) != strings.TrimSpace(n.From) ||
		strings.TrimSpace(o.DialTimeout) != strings.TrimSpace(n.DialTimeout) ||
		o.InsecureSkipVerify != n.InsecureSkipVerify {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.String("smtp.host", strings.TrimSpace(n.Host)),
			logx.Int("smtp.port", n.Port),
			logx.Email("smtp.username", n.Username),
			logx.Bool("smtp.password_set", n.Password != ""),
			logx.Bool("smtp.insecure_skip_verify", n.InsecureSkipVerify),
		)
	}

	// Nil sections mean runtime defaults.
	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.max_attempts", newN.MaxAttempts),
			logx.String("notifier.dedup_window", newN.DedupWindow),
			logx.String("notifier.rate_window", newN.RateWindow),
			logx.Int("notifier.rate_cap", newN.RateCap),
		)
	}

	if !reflect.DeepEqual(derefBroadcast(oldCfg.Broadcast), derefBroadcast(newCfg.Broadcast)) {
		b := derefBroadcast(newCfg.Broadcast)
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", b.Enabled),
			logx.Int("broadcast.workers", b.Workers),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Ops (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = strings.TrimSpace(oo.Token), strings.TrimSpace(no.Token)
	if !reflect.DeepEqual(oo, no) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}

func derefBroadcast(b *BroadcastConfig) BroadcastConfig {
	if b == nil {
		return BroadcastConfig{}
	}
	return *b
}
