package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

const (
	EventSource        = "filextract"
	EventTypeCompleted = "io.filextract.job.completed"
	EventTypeFailed    = "io.filextract.job.failed"
)

// Payload is the callback body. Result is set for completed jobs, Error and
// ErrorKind for failed ones.
type Payload struct {
	JobID     string                   `json:"job_id"`
	Status    constants.JobStatus      `json:"status"`
	Result    *entity.ExtractionResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
	ErrorKind constants.ErrorKind      `json:"error_kind,omitempty"`
}

// Notifier delivers terminal-state callbacks. Delivery is best-effort:
// failures are logged and never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, url string, p Payload)
}

// CloudEventsNotifier posts each payload as a binary-mode CloudEvent, so the
// HTTP body is exactly the JSON payload and the event attributes travel in
// ce-* headers.
type CloudEventsNotifier struct {
	client  cloudevents.Client
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewCloudEventsNotifier(timeout time.Duration, logger *slog.Logger) (*CloudEventsNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}
	return &CloudEventsNotifier{client: c, timeout: timeout, logger: logger}, nil
}

// Notify sends in the background with its own timeout; the parent context's
// cancellation does not abort delivery.
func (n *CloudEventsNotifier) Notify(ctx context.Context, url string, p Payload) {
	if url == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := common.Detached(ctx, n.timeout)
		defer cancel()
		if err := n.send(ctx, url, p); err != nil {
			n.logger.Warn("callback delivery failed", "job_id", p.JobID, "url", url, "error", err)
			return
		}
		n.logger.Info("callback delivered", "job_id", p.JobID, "status", p.Status)
	}()
}

func (n *CloudEventsNotifier) send(ctx context.Context, url string, p Payload) error {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(EventSource)
	e.SetSubject(p.JobID)
	e.SetTime(time.Now())
	if p.Status == constants.JobStatusCompleted {
		e.SetType(EventTypeCompleted)
	} else {
		e.SetType(EventTypeFailed)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, p); err != nil {
		return fmt.Errorf("%w: encode payload: %v", common.ErrCallbackDelivery, err)
	}

	ctx = cloudevents.ContextWithTarget(ctx, url)
	ctx = cloudevents.WithEncodingBinary(ctx)
	res := n.client.Send(ctx, e)
	if cloudevents.IsUndelivered(res) {
		return fmt.Errorf("%w: %v", common.ErrCallbackDelivery, res)
	}
	if !cloudevents.IsACK(res) {
		return fmt.Errorf("%w: receiver rejected event: %v", common.ErrCallbackDelivery, res)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (n *CloudEventsNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() { defer close(done); n.wg.Wait() }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.logger.Warn("callback drain interrupted by context")
		return ctx.Err()
	}
}
