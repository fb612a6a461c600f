package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
)

func newTestRedisBroker(t *testing.T, opts ...Option) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return NewRedisBroker(rdb, quietLogger(), opts...), mr
}

func TestRedisBrokerDispatchAndRun(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()

	id, err := b.Dispatch(ctx, Task{JobID: "job-1", Priority: 5})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if info, _ := b.State(ctx, id); info.State != StatePending {
		t.Fatalf("state = %s, want PENDING", info.State)
	}
	if n, _ := b.Len(ctx); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}

	seen := make(chan Task, 1)
	if err := b.Start(func(ctx context.Context, task Task, rep Reporter) ([]byte, error) {
		if err := rep.Progress(ctx, 30); err != nil {
			return nil, err
		}
		seen <- task
		return []byte(`{"success":true}`), nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, b)

	task := <-seen
	if task.ID != id || task.JobID != "job-1" || task.Priority != 5 {
		t.Errorf("task = %+v", task)
	}
	info := waitState(t, b, id, StateSuccess)
	if string(info.Result) != `{"success":true}` || info.Progress != 100 {
		t.Errorf("info = %+v", info)
	}
}

func TestRedisBrokerPriorityOrder(t *testing.T) {
	b, _ := newTestRedisBroker(t, WithWorkers(1))
	ctx := context.Background()
	base := time.Now()
	for i, tc := range []struct {
		job  string
		prio int
	}{{"low", 10}, {"normal", 5}, {"high", 1}} {
		task := Task{JobID: tc.job, Priority: tc.prio, SubmittedAt: base.Add(time.Duration(i) * time.Millisecond)}
		if _, err := b.Dispatch(ctx, task); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	if err := b.Start(func(ctx context.Context, task Task, _ Reporter) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, task.JobID)
		if len(order) == 3 {
			close(done)
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-done
	shutdown(t, b)

	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRedisBrokerQueueFull(t *testing.T) {
	b, _ := newTestRedisBroker(t, WithQueueSize(1))
	ctx := context.Background()
	if _, err := b.Dispatch(ctx, Task{JobID: "a"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := b.Dispatch(ctx, Task{JobID: "b"}); !errors.Is(err, common.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestRedisBrokerRevokePending(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	if err := b.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	causes := make(chan error, 1)
	if err := b.Start(func(ctx context.Context, task Task, _ Reporter) ([]byte, error) {
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, b)

	if cause := <-causes; !errors.Is(cause, ErrTaskRevoked) {
		t.Errorf("cause = %v, want ErrTaskRevoked", cause)
	}
	if info, _ := b.State(ctx, id); info.State != StateRevoked {
		t.Errorf("state = %s, want REVOKED", info.State)
	}
}

func TestRedisBrokerRevokeRunning(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	started := make(chan struct{})
	causes := make(chan error, 1)
	if err := b.Start(func(ctx context.Context, task Task, _ Reporter) ([]byte, error) {
		close(started)
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		causes <- context.Cause(ctx)
		return nil, context.Cause(ctx)
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, b)

	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	<-started
	if err := b.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if cause := <-causes; !errors.Is(cause, ErrTaskRevoked) {
		t.Errorf("cause = %v, want ErrTaskRevoked", cause)
	}
	waitState(t, b, id, StateRevoked)
}

func TestRedisBrokerRevokeFinishedIsNoop(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	if err := b.Start(func(ctx context.Context, task Task, _ Reporter) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, b)

	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	waitState(t, b, id, StateSuccess)
	if err := b.Revoke(ctx, id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if info, _ := b.State(ctx, id); info.State != StateSuccess {
		t.Errorf("state = %s, want SUCCESS", info.State)
	}
}

// crash pops a task the way a worker does and then never runs it.
func crash(t *testing.T, b *RedisBroker, expiredLease bool) string {
	t.Helper()
	deadline := time.Now().Add(b.lease())
	if expiredLease {
		deadline = time.Now().Add(-time.Second)
	}
	id, err := popScript.Run(context.Background(), b.rdb, []string{queueKey, inflightKey}, deadline.UnixMilli()).Text()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	return id
}

func TestRedisBrokerRequeuesUnclaimedLease(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	id, err := b.Dispatch(ctx, Task{JobID: "job", Priority: 5, FilePath: "/tmp/staged.txt"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := crash(t, b, true); got != id {
		t.Fatalf("popped %q, want %q", got, id)
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Fatalf("len after pop = %d, want 0", n)
	}
	if info, _ := b.State(ctx, id); info.State != StatePending {
		t.Fatalf("leased task state = %s, want PENDING", info.State)
	}

	requeued, lost, err := b.RecoverLeases(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 1 || lost != 0 {
		t.Fatalf("requeued=%d lost=%d, want 1/0", requeued, lost)
	}
	if n, _ := b.Len(ctx); n != 1 {
		t.Fatalf("len after recovery = %d, want 1", n)
	}

	seen := make(chan Task, 1)
	if err := b.Start(func(ctx context.Context, task Task, _ Reporter) ([]byte, error) {
		seen <- task
		return nil, nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, b)

	task := <-seen
	if task.ID != id || task.FilePath != "/tmp/staged.txt" {
		t.Errorf("task = %+v", task)
	}
	waitState(t, b, id, StateSuccess)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := b.rdb.ZCard(ctx, inflightKey).Result()
		if err != nil {
			t.Fatalf("zcard: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease still held after task finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisBrokerLiveLeaseIsKept(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	crash(t, b, false)

	requeued, lost, err := b.RecoverLeases(ctx)
	if err != nil || requeued != 0 || lost != 0 {
		t.Fatalf("recover = %d/%d/%v, want nothing recovered", requeued, lost, err)
	}
	if info, _ := b.State(ctx, id); info.State != StatePending {
		t.Errorf("state = %s, want PENDING", info.State)
	}
}

func TestRedisBrokerFailsTaskOfLostWorker(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	crash(t, b, true)
	if err := claimScript.Run(ctx, b.rdb, []string{taskKey(id)}, nowString()).Err(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, lost, err := b.RecoverLeases(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 0 || lost != 1 {
		t.Fatalf("requeued=%d lost=%d, want 0/1", requeued, lost)
	}
	info, _ := b.State(ctx, id)
	if info.State != StateFailure || info.ErrorKind != constants.ErrorKindWorkerLost {
		t.Errorf("info = %+v, want FAILURE/%s", info, constants.ErrorKindWorkerLost)
	}
	if n, _ := b.Len(ctx); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
}

func TestRedisBrokerReportsUnreachableTask(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx := context.Background()
	id, _ := b.Dispatch(ctx, Task{JobID: "job"})
	if err := b.rdb.ZRem(ctx, queueKey, id).Err(); err != nil {
		t.Fatalf("zrem: %v", err)
	}

	info, err := b.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if info.State != StateFailure || info.ErrorKind != constants.ErrorKindWorkerLost {
		t.Errorf("info = %+v, want FAILURE/%s", info, constants.ErrorKindWorkerLost)
	}
	if info, _ := b.State(ctx, "never-dispatched"); info.State != StatePending {
		t.Errorf("unknown task state = %s, want PENDING", info.State)
	}
}
