package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/notify"
)

// stubBroker answers State with a fixed TaskInfo and never runs anything.
type stubBroker struct {
	info async.TaskInfo
	err  error
}

func (b *stubBroker) Dispatch(context.Context, async.Task) (string, error) { return "task-1", nil }
func (b *stubBroker) State(_ context.Context, id string) (async.TaskInfo, error) {
	info := b.info
	info.ID = id
	return info, b.err
}
func (b *stubBroker) Revoke(context.Context, string) error { return nil }
func (b *stubBroker) Len(context.Context) (int, error)     { return 0, nil }
func (b *stubBroker) Start(async.Handler) error            { return nil }
func (b *stubBroker) Shutdown(context.Context) error       { return nil }

func TestStatusForTask(t *testing.T) {
	tests := []struct {
		state async.TaskState
		want  constants.JobStatus
	}{
		{async.StatePending, constants.JobStatusQueued},
		{async.StateStarted, constants.JobStatusProcessing},
		{async.StateProgress, constants.JobStatusProcessing},
		{async.StateRetry, constants.JobStatusProcessing},
		{async.StateSuccess, constants.JobStatusCompleted},
		{async.StateFailure, constants.JobStatusFailed},
		{async.StateRevoked, constants.JobStatusCancelled},
		{async.TaskState("RECEIVED"), constants.JobStatusUnknown},
	}
	for _, tt := range tests {
		if got := statusForTask(tt.state); got != tt.want {
			t.Errorf("statusForTask(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestMergeTaskInfo(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	okResult, _ := json.Marshal(entity.ExtractionResult{
		Success:       true,
		ExtractedText: &entity.ExtractedText{Content: "hi", WordCount: 1, CharacterCount: 2},
		Warnings:      []string{},
		Errors:        []string{},
	})

	tests := []struct {
		name         string
		stored       constants.JobStatus
		progress     float64
		info         async.TaskInfo
		wantStatus   constants.JobStatus
		wantProgress float64
		wantResult   bool
		wantKind     constants.ErrorKind
	}{
		{
			name:   "success with result overrides processing",
			stored: constants.JobStatusProcessing, progress: 50,
			info:       async.TaskInfo{State: async.StateSuccess, Result: okResult, UpdatedAt: updated},
			wantStatus: constants.JobStatusCompleted, wantProgress: 100, wantResult: true,
		},
		{
			name:   "success with unreadable result keeps store view",
			stored: constants.JobStatusProcessing, progress: 50,
			info:       async.TaskInfo{State: async.StateSuccess, Result: json.RawMessage(`{oops`), UpdatedAt: updated},
			wantStatus: constants.JobStatusProcessing, wantProgress: 50,
		},
		{
			name:   "failure overrides processing",
			stored: constants.JobStatusProcessing, progress: 30,
			info:       async.TaskInfo{State: async.StateFailure, Error: "boom", ErrorKind: constants.ErrorKindExtraction, UpdatedAt: updated},
			wantStatus: constants.JobStatusFailed, wantProgress: 30, wantKind: constants.ErrorKindExtraction,
		},
		{
			name:       "failure without kind is internal",
			stored:     constants.JobStatusQueued,
			info:       async.TaskInfo{State: async.StateFailure, Error: "panic", UpdatedAt: updated},
			wantStatus: constants.JobStatusFailed, wantKind: constants.ErrorKindInternal,
		},
		{
			name:       "revoked overrides queued",
			stored:     constants.JobStatusQueued,
			info:       async.TaskInfo{State: async.StateRevoked, UpdatedAt: updated},
			wantStatus: constants.JobStatusCancelled,
		},
		{
			name:   "pending does not demote processing",
			stored: constants.JobStatusProcessing, progress: 30,
			info:       async.TaskInfo{State: async.StatePending},
			wantStatus: constants.JobStatusProcessing, wantProgress: 30,
		},
		{
			name:       "started promotes queued and takes higher progress",
			stored:     constants.JobStatusQueued,
			info:       async.TaskInfo{State: async.StateProgress, Progress: 50},
			wantStatus: constants.JobStatusProcessing, wantProgress: 50,
		},
		{
			name:   "lower backend progress is ignored",
			stored: constants.JobStatusProcessing, progress: 50,
			info:       async.TaskInfo{State: async.StateProgress, Progress: 30},
			wantStatus: constants.JobStatusProcessing, wantProgress: 50,
		},
		{
			name:   "unrecognized state is unknown",
			stored: constants.JobStatusProcessing, progress: 10,
			info:       async.TaskInfo{State: async.TaskState("RECEIVED")},
			wantStatus: constants.JobStatusUnknown, wantProgress: 10,
		},
	}

	p := NewPipeline(Config{}, nil, &stubBroker{}, nil, quietLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &entity.JobStatusView{JobID: "j", Status: tt.stored, Progress: tt.progress}
			p.mergeTaskInfo(view, tt.info)
			if view.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", view.Status, tt.wantStatus)
			}
			if view.Progress != tt.wantProgress {
				t.Errorf("progress = %v, want %v", view.Progress, tt.wantProgress)
			}
			if (view.Result != nil) != tt.wantResult {
				t.Errorf("result = %+v, want present=%v", view.Result, tt.wantResult)
			}
			if tt.wantKind != "" {
				if view.Error == nil || view.Error.Kind != tt.wantKind {
					t.Errorf("error = %+v, want kind %s", view.Error, tt.wantKind)
				}
			} else if view.Error != nil {
				t.Errorf("unexpected error %+v", view.Error)
			}
			if view.Status.IsTerminal() && (view.CompletedAt == nil || !view.CompletedAt.Equal(updated)) {
				t.Errorf("completed_at = %v, want %v", view.CompletedAt, updated)
			}
		})
	}
}

func TestStatusEstimatesStartedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stub := &stubBroker{info: async.TaskInfo{State: async.StateStarted}}
	p := NewPipeline(Config{}, h.store, stub, nil, quietLogger())

	id := h.submit(t, SubmitRequest{FilePath: h.stage(t, "a.txt", "x")})
	if err := h.store.Update(ctx, id, entity.JobUpdate{TaskID: entity.Ptr("task-1")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	job, _ := h.store.Get(ctx, id)

	view, err := p.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != constants.JobStatusProcessing {
		t.Fatalf("status = %s, want processing from the backend", view.Status)
	}
	if !view.StartedAtEstimated || view.StartedAt == nil || !view.StartedAt.Equal(job.CreatedAt.Add(5*time.Second)) {
		t.Errorf("started_at = %v (estimated %v), want created_at+5s", view.StartedAt, view.StartedAtEstimated)
	}

	// queued jobs carry no start time at all
	stub.info = async.TaskInfo{State: async.StatePending}
	view, _ = p.Status(ctx, id)
	if view.StartedAt != nil || view.StartedAtEstimated {
		t.Errorf("queued view has started_at %v", view.StartedAt)
	}
}

func TestStatusFallsBackToStoreWhenBackendDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := NewPipeline(Config{}, h.store, &stubBroker{err: errors.New("connection refused")}, nil, quietLogger())
	id := h.submit(t, SubmitRequest{FilePath: h.stage(t, "a.txt", "x")})

	view, err := p.Status(ctx, id)
	if err != nil {
		t.Fatalf("status err = %v, want store view", err)
	}
	if view.Status != constants.JobStatusQueued {
		t.Errorf("status = %s, want queued", view.Status)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notify.Payload
	urls  []string
}

func (n *recordingNotifier) Notify(_ context.Context, url string, p notify.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, p)
	n.urls = append(n.urls, url)
}

func (n *recordingNotifier) payloads() []notify.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Payload(nil), n.calls...)
}

func TestCallbacksOnTerminalStates(t *testing.T) {
	rn := &recordingNotifier{}
	h := newHarness(t, withPipelineOpts(WithNotifier(rn)))
	h.start(t)

	ok := h.submit(t, SubmitRequest{
		FilePath:    h.stage(t, "ok.txt", "hello there"),
		Options:     entity.DefaultOptions(),
		CallbackURL: "http://hooks.example.com/done",
	})
	bad := h.submit(t, SubmitRequest{
		FilePath:    h.stage(t, "bad.xyz", "???"),
		CallbackURL: "http://hooks.example.com/done",
	})
	silent := h.submit(t, SubmitRequest{FilePath: h.stage(t, "quiet.txt", "no hook")})
	for _, id := range []string{ok, bad, silent} {
		h.waitTerminal(t, id)
	}

	// callbacks fire after the terminal status is stored
	deadline := time.Now().Add(5 * time.Second)
	for len(rn.payloads()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := map[string]notify.Payload{}
	for _, p := range rn.payloads() {
		got[p.JobID] = p
	}
	if len(got) != 2 {
		t.Fatalf("callbacks = %+v, want two", rn.payloads())
	}
	if p := got[ok]; p.Status != constants.JobStatusCompleted || p.Result == nil {
		t.Errorf("completed callback = %+v", p)
	}
	if p := got[bad]; p.Status != constants.JobStatusFailed || p.ErrorKind != constants.ErrorKindUnsupportedFormat || p.Error == "" {
		t.Errorf("failed callback = %+v", p)
	}
	if _, ok := got[silent]; ok {
		t.Error("job without callback url was notified")
	}
}
