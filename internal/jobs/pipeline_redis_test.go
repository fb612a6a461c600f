package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Redis key layout shared with the redis broker.
const (
	testQueueKey    = "extract:queue"
	testInflightKey = "extract:inflight"
)

func TestRedisBackendSubmitCompletes(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	h.start(t)
	path := h.stage(t, "note.txt", "hello from redis")
	id := h.submit(t, SubmitRequest{FilePath: path, Options: entity.DefaultOptions(), Priority: "low"})

	view := h.waitTerminal(t, id)
	if view.Status != constants.JobStatusCompleted || view.Progress != 100 {
		t.Fatalf("view = %+v, want completed at 100", view)
	}
	if view.Result == nil || view.Result.ExtractedText == nil || view.Result.ExtractedText.Content != "hello from redis" {
		t.Errorf("result = %+v", view.Result)
	}
	waitGone(t, path)
	assertLifecycle(t, h.store.statuses(id), constants.JobStatusCompleted, false)

	job, _ := h.store.Get(context.Background(), id)
	info := waitTaskReady(t, h.broker, job.TaskID)
	if info.State != async.StateSuccess {
		t.Errorf("task state = %s, want SUCCESS", info.State)
	}
}

func TestRedisBackendCancelBeforePickup(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	ctx := context.Background()
	path := h.stage(t, "doc.txt", "content")
	id := h.submit(t, SubmitRequest{FilePath: path})

	if ok, err := h.p.Cancel(ctx, id); err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	waitGone(t, path)

	h.start(t)
	job, _ := h.store.Get(ctx, id)
	if info := waitTaskReady(t, h.broker, job.TaskID); info.State != async.StateRevoked {
		t.Errorf("task state = %s, want REVOKED", info.State)
	}
	view, err := h.p.Status(ctx, id)
	if err != nil || view == nil || view.Status != constants.JobStatusCancelled {
		t.Fatalf("view = %+v, %v; want cancelled", view, err)
	}
	assertLifecycle(t, h.store.statuses(id), constants.JobStatusCancelled, true)
}

func TestRedisBackendCancelRunningJob(t *testing.T) {
	ext := newBlockingExtractor()
	h := newHarness(t, withRedisBroker(), withExtractor(ext))
	h.start(t)
	path := h.stage(t, "slow.txt", "zzz")
	id := h.submit(t, SubmitRequest{FilePath: path})

	<-ext.started
	if ok, err := h.p.Cancel(context.Background(), id); err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	if cause := <-ext.cause; !errors.Is(cause, async.ErrTaskRevoked) {
		t.Errorf("extractor cancelled with %v, want ErrTaskRevoked", cause)
	}
	waitGone(t, path)
	if view := h.waitTerminal(t, id); view.Status != constants.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", view.Status)
	}
	assertLifecycle(t, h.store.statuses(id), constants.JobStatusCancelled, false)
}

func TestRedisBackendStatusPrefersFinishedTask(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	ctx := context.Background()
	id := h.submit(t, SubmitRequest{FilePath: h.stage(t, "a.txt", "x")})
	job, _ := h.store.Get(ctx, id)

	// the worker recorded its outcome but never reached the store
	res, _ := json.Marshal(entity.ExtractionResult{Success: true, ExtractedText: &entity.ExtractedText{Content: "done"}})
	if err := h.rdb.HSet(ctx, "task:"+job.TaskID, "state", string(async.StateSuccess), "progress", 100, "result", string(res)).Err(); err != nil {
		t.Fatalf("hset: %v", err)
	}

	view, err := h.p.Status(ctx, id)
	if err != nil || view == nil {
		t.Fatalf("status = %+v, %v", view, err)
	}
	if view.Status != constants.JobStatusCompleted || view.Progress != 100 {
		t.Errorf("view = %+v, want completed from the task record", view)
	}
	if view.Result == nil || view.Result.ExtractedText.Content != "done" {
		t.Errorf("result = %+v", view.Result)
	}
	if !view.StartedAtEstimated {
		t.Error("started_at should be estimated when only the backend saw the job start")
	}
}

func TestRedisBackendRedeliversTaskPoppedByDeadWorker(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	ctx := context.Background()
	path := h.stage(t, "a.txt", "survives a crash")
	id := h.submit(t, SubmitRequest{FilePath: path, Options: entity.DefaultOptions()})
	job, _ := h.store.Get(ctx, id)

	// a worker popped and leased the task, then died before claiming it
	if err := h.rdb.ZRem(ctx, testQueueKey, job.TaskID).Err(); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	if err := h.rdb.ZAdd(ctx, testInflightKey, redis.Z{Score: expired, Member: job.TaskID}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	h.start(t)
	view := h.waitTerminal(t, id)
	if view.Status != constants.JobStatusCompleted {
		t.Fatalf("status = %s (error %+v), want completed", view.Status, view.Error)
	}
	waitGone(t, path)
}

func TestRedisBackendReconcilesVanishedTask(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	ctx := context.Background()
	path := h.stage(t, "a.txt", "x")
	id := h.submit(t, SubmitRequest{FilePath: path})

	// the task left the queue without being leased to any worker
	if err := h.rdb.ZPopMin(ctx, testQueueKey, 1).Err(); err != nil {
		t.Fatalf("zpopmin: %v", err)
	}

	n, err := h.p.Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v; want 1", n, err)
	}
	job, _ := h.store.Get(ctx, id)
	if job.Status != constants.JobStatusFailed || job.Error == nil || job.Error.Kind != constants.ErrorKindTimeout {
		t.Errorf("job = %+v, want failed", job)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("staged file survived: %v", err)
	}
	stats, _ := h.p.Stats(ctx)
	if stats.Queued != 0 || stats.Failed != 1 || stats.Backlog != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRedisBackendReconcilesLostWorker(t *testing.T) {
	h := newHarness(t, withRedisBroker())
	ctx := context.Background()
	path := h.stage(t, "a.txt", "x")
	id := h.submit(t, SubmitRequest{FilePath: path})
	job, _ := h.store.Get(ctx, id)

	// a worker claimed the job and died mid-run; its lease has run out
	if err := h.rdb.ZRem(ctx, testQueueKey, job.TaskID).Err(); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	expired := float64(time.Now().Add(-time.Second).UnixMilli())
	if err := h.rdb.ZAdd(ctx, testInflightKey, redis.Z{Score: expired, Member: job.TaskID}).Err(); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := h.rdb.HSet(ctx, "task:"+job.TaskID, "state", string(async.StateStarted)).Err(); err != nil {
		t.Fatalf("hset: %v", err)
	}
	started := time.Now().UTC()
	if _, err := h.store.Transition(ctx, id, []constants.JobStatus{constants.JobStatusQueued}, entity.JobUpdate{
		Status: entity.Ptr(constants.JobStatusProcessing), StartedAt: &started,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if _, lost, err := h.redis.RecoverLeases(ctx); err != nil || lost != 1 {
		t.Fatalf("recover leases lost = %d, %v; want 1", lost, err)
	}
	n, err := h.p.Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v; want 1", n, err)
	}
	got, _ := h.store.Get(ctx, id)
	if got.Status != constants.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	// no worker is left to release the file
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("staged file survived: %v", err)
	}
	assertLifecycle(t, h.store.statuses(id), constants.JobStatusFailed, false)
}
