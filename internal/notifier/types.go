package notifier

import (
	"strings"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	// From is the envelope sender. Defaults to the SMTP username.
	From string

	// RatePerSec paces outgoing SMTP transactions across all recipients.
	RatePerSec  int
	MaxAttempts int
	// RetryBase is the linear backoff step: the n-th retry waits n*RetryBase.
	RetryBase   time.Duration
	SendTimeout time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int

	RateWindow time.Duration
	RateCap    int

	PoolSize             int
	PoolIdleTTL          time.Duration
	PoolHealthCheckAfter time.Duration

	// SweepSpec is a cron spec ("@every 30s") for the dedup/limiter/pool janitor.
	SweepSpec   string
	HistorySize int
}

// DefaultConfig returns the production policy: 3 attempts with 2s linear backoff,
// 1m dedup window, 3 alerts per recipient per 5m, 5m idle connection TTL.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Workers:              2,
		QueueSize:            512,
		RatePerSec:           3,
		MaxAttempts:          3,
		RetryBase:            2 * time.Second,
		SendTimeout:          30 * time.Second,
		DedupWindow:          time.Minute,
		DedupMaxEntries:      2000,
		RateWindow:           5 * time.Minute,
		RateCap:              3,
		PoolSize:             2,
		PoolIdleTTL:          5 * time.Minute,
		PoolHealthCheckAfter: 30 * time.Second,
		SweepSpec:            "@every 30s",
		HistorySize:          300,
	}
}

// withDefaults fills zero values from DefaultConfig. Enabled is kept as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = d.DedupMaxEntries
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RateCap <= 0 {
		c.RateCap = d.RateCap
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.PoolIdleTTL <= 0 {
		c.PoolIdleTTL = d.PoolIdleTTL
	}
	if c.PoolHealthCheckAfter <= 0 {
		c.PoolHealthCheckAfter = d.PoolHealthCheckAfter
	}
	if strings.TrimSpace(c.SweepSpec) == "" {
		c.SweepSpec = d.SweepSpec
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Request is what callers hand to Submit.
type Request struct {
	Recipient string
	Template  string
	Params    Params
	// EventKind identifies the alert kind for dedup ("no_objects:static").
	EventKind string
}

// SendRequest is the immutable, dispatcher-owned form of a Request.
type SendRequest struct {
	Recipient   string
	Template    string
	Params      Params
	EventKey    string
	SubmittedAt time.Time
}

// EventKey derives the dedup key for a recipient and event kind.
func EventKey(recipient, eventKind string) string {
	return normalizeAddress(recipient) + ":" + strings.TrimSpace(eventKind)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Outcome is the terminal state of a submitted alert.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeDeduplicated
	OutcomeRateLimited
	OutcomeDropped
	OutcomeTerminalFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeduplicated:
		return "deduplicated"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeDropped:
		return "dropped"
	case OutcomeTerminalFailure:
		return "terminal_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// PolicyDrop reports whether the outcome is an expected, non-error suppression.
func (o Outcome) PolicyDrop() bool {
	return o == OutcomeDeduplicated || o == OutcomeRateLimited
}

// AttemptOutcome classifies a single delivery attempt.
type AttemptOutcome int

const (
	AttemptSuccess AttemptOutcome = iota
	AttemptRetryable
	AttemptTerminal
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSuccess:
		return "success"
	case AttemptRetryable:
		return "retryable_failure"
	default:
		return "terminal_failure"
	}
}

func (o AttemptOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Attempt records one delivery attempt.
type Attempt struct {
	Number      int            `json:"number"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Outcome     AttemptOutcome `json:"outcome"`
	Err         string         `json:"error,omitempty"`
}

// Result is the terminal report for one submission.
type Result struct {
	HandleID    string    `json:"handle_id"`
	EventKey    string    `json:"event_key"`
	Recipient   string    `json:"recipient"`
	Template    string    `json:"template"`
	Outcome     Outcome   `json:"outcome"`
	Attempts    []Attempt `json:"attempts,omitempty"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// AlertEvent is published on the event bus for every lifecycle step.
type AlertEvent struct {
	HandleID  string    `json:"handle_id"`
	EventKey  string    `json:"event_key"`
	Recipient string    `json:"recipient"`
	Template  string    `json:"template"`
	Outcome   string    `json:"outcome,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`

	SubmittedAt time.Time `json:"submitted_at,omitzero"`
}
