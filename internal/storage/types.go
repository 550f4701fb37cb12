package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRows caps retained sqlite rows; older rows are pruned. 0 means 50000.
	MaxRows int
}

// DeliveryRecord is one terminal alert outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At          time.Time `json:"at"`
	HandleID    string    `json:"handle_id"`
	EventKey    string    `json:"event_key"`
	Recipient   string    `json:"recipient"`
	Template    string    `json:"template"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	LatencyMS   int64     `json:"latency_ms"`
}
