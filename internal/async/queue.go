package async

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
)

// TaskState is the execution backend's own view of a task. It is independent
// of the job status kept in the store and only ever read through a mapping.
type TaskState string

const (
	StatePending  TaskState = "PENDING"
	StateStarted  TaskState = "STARTED"
	StateProgress TaskState = "PROGRESS"
	StateSuccess  TaskState = "SUCCESS"
	StateFailure  TaskState = "FAILURE"
	StateRetry    TaskState = "RETRY"
	StateRevoked  TaskState = "REVOKED"
)

// Ready reports whether the task will not change state again.
func (s TaskState) Ready() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

var (
	// ErrSoftTimeLimit is the cancellation cause when a task overruns its soft limit.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	// ErrHardTimeLimit is recorded when the handler did not return before the hard limit.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	// ErrTaskRevoked is the cancellation cause of a revoked task.
	ErrTaskRevoked = errors.New("task revoked")
)

// Task is the message handed to a worker.
type Task struct {
	ID          string
	JobID       string
	Priority    int // lower runs first
	SubmittedAt time.Time
	// FilePath is the staged input, so a worker can release it even when
	// the job record is gone.
	FilePath string
}

// TaskInfo is what the backend knows about a task. Unknown IDs report PENDING.
type TaskInfo struct {
	ID        string
	State     TaskState
	Progress  float64
	Result    json.RawMessage
	Error     string
	ErrorKind constants.ErrorKind
	UpdatedAt time.Time
}

// Reporter publishes intermediate progress to the backend.
type Reporter interface {
	Progress(ctx context.Context, pct float64) error
}

// Handler executes one task. A non-nil result is stored as the task result.
// Errors carrying a Kind() are recorded with that kind.
type Handler func(ctx context.Context, task Task, report Reporter) ([]byte, error)

// Broker is an execution backend: a priority queue of tasks plus a pool of
// workers running a Handler, with best-effort revocation.
type Broker interface {
	Dispatch(ctx context.Context, task Task) (string, error)
	State(ctx context.Context, taskID string) (TaskInfo, error)
	// Revoke prevents a pending task from running and signals a running one.
	Revoke(ctx context.Context, taskID string) error
	// Len returns the number of tasks waiting to be picked up.
	Len(ctx context.Context) (int, error)
	Start(h Handler) error
	Shutdown(ctx context.Context) error
}

type Option func(*options)

type options struct {
	workers      int
	queueSize    int
	hardLimit    time.Duration
	softMargin   time.Duration
	resultTTL    time.Duration
	pollInterval time.Duration
}

func defaultOptions() options {
	return options{
		workers:      4,
		queueSize:    100,
		hardLimit:    10 * time.Minute,
		softMargin:   time.Minute,
		resultTTL:    24 * time.Hour,
		pollInterval: 200 * time.Millisecond,
	}
}

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the number of waiting tasks; zero means unbounded.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithTimeLimits sets the hard limit and how much earlier the soft limit fires.
func WithTimeLimits(hard, softMargin time.Duration) Option {
	return func(o *options) {
		if hard > 0 {
			o.hardLimit = hard
		}
		if softMargin >= 0 {
			o.softMargin = softMargin
		}
	}
}

// WithResultTTL sets how long finished task info is kept.
func WithResultTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.resultTTL = d
		}
	}
}

// WithPollInterval sets how often idle workers poll a remote queue.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}
