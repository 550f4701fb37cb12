package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	SMTP    SMTPConfig    `json:"smtp"`

	// Notifier tunes the alert pipeline. If omitted, defaults apply and the
	// pipeline is enabled.
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Ops       OpsConfig        `json:"ops"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" or "json" for the stdout sink.
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SMTPConfig is the mail submission endpoint.
//
// Credentials usually come from the environment (EMAIL_USER, EMAIL_PASSWORD);
// see ApplyEnv. Missing credentials are not a load error: every send then fails
// with a configuration error instead.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"` // default: smtp.gmail.com
	Port     int    `json:"port,omitempty"` // default: 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	// From defaults to Username.
	From      string `json:"from,omitempty"`
	LocalName string `json:"local_name,omitempty"`
	// DialTimeout is a Go duration string (e.g. "15s").
	DialTimeout        string `json:"dial_timeout,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2, queue_size: 512, rate_per_sec: 3
//   - max_attempts: 3, retry_base: "2s", send_timeout: "30s"
//   - dedup_window: "1m", dedup_max_entries: 2000
//   - rate_window: "5m", rate_cap: 3
//   - pool.size: 2, pool.idle_ttl: "5m", pool.health_check_after: "30s"
//   - sweep_every: "@every 30s", history_size: 300
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	// RateWindow/RateCap: at most rate_cap alerts per recipient per window.
	RateWindow string `json:"rate_window,omitempty"`
	RateCap    int    `json:"rate_cap,omitempty"`

	Pool PoolConfig `json:"pool"`

	// SweepEvery is a cron spec for the dedup/limiter/pool janitor.
	SweepEvery  string `json:"sweep_every,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

type PoolConfig struct {
	Size             int    `json:"size,omitempty"`
	IdleTTL          string `json:"idle_ttl,omitempty"`
	HealthCheckAfter string `json:"health_check_after,omitempty"`
}

// BroadcastConfig controls multi-recipient fan-out jobs.
type BroadcastConfig struct {
	Enabled   bool `json:"enabled"`
	Workers   int  `json:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty"`
	// Wait bounds how long a job waits on one recipient's outcome.
	Wait string `json:"wait,omitempty"`
}

// StorageConfig controls the delivery audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./visionguard.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// MaxRows caps retained sqlite rows (default 50000).
	MaxRows int `json:"max_rows,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (behind the token).
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used when no file is given: env-driven
// credentials, pipeline enabled, ops server off.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		SMTP:    SMTPConfig{Host: "smtp.gmail.com", Port: 587},
	}
}
