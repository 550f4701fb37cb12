package broadcast

import (
	"context"
	"sync"
	"time"

	"visionguard/internal/notifier"
	"visionguard/pkg/logx"
)

type Config struct {
	Enabled bool
	Workers int
	// QueueSize bounds pending fan-out jobs.
	QueueSize int
	// Wait bounds how long a job waits for one recipient's outcome.
	Wait time.Duration
}

// Submitter is the part of notifier.Dispatcher a broadcast needs.
type Submitter interface {
	Submit(ctx context.Context, req notifier.Request) (*notifier.Handle, error)
}

type job struct {
	id         string
	name       string
	recipients []string
	template   string
	params     notifier.Params
	eventKind  string
}

// Failure is one recipient whose alert did not go out.
type Failure struct {
	Recipient string `json:"recipient"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

type JobStatus struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Total int    `json:"total"`
	Done  int    `json:"done"`
	Sent  int    `json:"sent"`
	// Suppressed counts dedup and rate-limit results.
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	Failures   []Failure `json:"failures,omitempty"`
	// CreatedAt lets pruning drop entries for jobs that never started.
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	DoneAt    time.Time `json:"done_at,omitzero"`
	Running   bool      `json:"running"`
}

type Service struct {
	mu sync.Mutex

	cfg Config
	sub Submitter
	log logx.Logger

	queue  chan job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone chan struct{}

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	// statusMax/statusTTL bound in-memory status retention.
	statusMax int
	statusTTL time.Duration
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
