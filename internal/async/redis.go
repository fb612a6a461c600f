package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
)

const (
	queueKey      = "extract:queue"
	inflightKey   = "extract:inflight"
	revokeChannel = "extract:revoke"
	taskKeyPrefix = "task:"

	// errWorkerLost is recorded on a started task whose lease ran out.
	errWorkerLost = "worker lost before the task finished"
	// errTaskLost is reported for a pending task that is neither queued nor leased.
	errTaskLost = "task lost before a worker claimed it"

	// priorityScale keeps priority dominant over the millisecond timestamp in
	// the sorted-set score.
	priorityScale = 1e13
)

func taskKey(id string) string { return taskKeyPrefix + id }

// KEYS[1] = queue, KEYS[2] = in-flight set, ARGV[1] = lease deadline ms.
// Pops the next task and leases it in one step.
var popScript = redis.NewScript(`
local r = redis.call('ZPOPMIN', KEYS[1])
if #r == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], r[1])
return r[1]
`)

// KEYS[1] = in-flight set, KEYS[2] = queue, ARGV[1] = now ms, ARGV[2] = task key
// prefix, ARGV[3] = ttl ms, ARGV[4] = error, ARGV[5] = error kind, ARGV[6] = priority scale.
// Expired leases on unclaimed tasks go back to the queue; started tasks are
// failed, since their worker is gone. Returns {requeued, lost}.
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local requeued, lost = 0, 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local f = redis.call('HMGET', key, 'state', 'priority', 'submitted_at')
  if f[1] == 'PENDING' then
    local score = tonumber(f[2] or '5') * tonumber(ARGV[6]) + tonumber(f[3] or '0')
    redis.call('ZADD', KEYS[2], score, id)
    requeued = requeued + 1
  elseif f[1] == 'STARTED' or f[1] == 'PROGRESS' then
    redis.call('HSET', key, 'state', 'FAILURE', 'error', ARGV[4], 'error_kind', ARGV[5], 'updated_at', ARGV[1])
    redis.call('PEXPIRE', key, ARGV[3])
    lost = lost + 1
  end
end
return {requeued, lost}
`)

// KEYS[1] = task key, ARGV[1] = state, ARGV[2] = progress, ARGV[3] = now.
// Moves STARTED/PROGRESS tasks only.
var progressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if cur ~= 'STARTED' and cur ~= 'PROGRESS' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'progress', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// KEYS[1] = task key, ARGV[1] = now. Returns -1 when missing, 0 when revoked, 1 when claimed.
var claimScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then
  return -1
end
if cur == 'REVOKED' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'STARTED', 'updated_at', ARGV[1])
return 1
`)

// KEYS[1] = task key, ARGV[1] = ttl ms, ARGV[2..] = field/value pairs.
// A revoked task keeps its state.
var finishScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if cur == 'REVOKED' then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] = task key, ARGV[1] = now, ARGV[2] = ttl ms. Returns 1 if the state changed.
var revokeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if cur == 'SUCCESS' or cur == 'FAILURE' or cur == 'REVOKED' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'REVOKED', 'updated_at', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisBroker shares its queue and task state through Redis, so producers
// and workers may run in different processes. Waiting tasks sit in a sorted
// set scored by priority then submission time; revocation of running tasks
// is broadcast over pub/sub.
//
// A popped task is leased in an in-flight set until its worker records the
// outcome. Leases that run out are recovered by RecoverLeases, so a worker
// dying between pop and claim delays a task but never loses it.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
	opts   options

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	handler Handler
	closed  bool

	stop   context.CancelFunc
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(rdb *redis.Client, logger *slog.Logger, opts ...Option) *RedisBroker {
	b := &RedisBroker{
		rdb:     rdb,
		logger:  logger,
		opts:    defaultOptions(),
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(&b.opts)
	}
	return b
}

func nowString() string { return strconv.FormatInt(time.Now().UnixMilli(), 10) }

func (b *RedisBroker) Dispatch(ctx context.Context, task Task) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", common.ErrBrokerClosed
	}
	if b.opts.queueSize > 0 {
		n, err := b.rdb.ZCard(ctx, queueKey).Result()
		if err != nil {
			return "", fmt.Errorf("%w: queue length: %v", common.ErrExecutionBackend, err)
		}
		if n >= int64(b.opts.queueSize) {
			b.logger.Warn("queue full, rejecting task", "job_id", task.JobID, "queue_size", b.opts.queueSize)
			return "", common.ErrQueueFull
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	score := float64(task.Priority)*priorityScale + float64(task.SubmittedAt.UnixMilli())

	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, taskKey(task.ID),
			"job_id", task.JobID,
			"priority", task.Priority,
			"submitted_at", task.SubmittedAt.UnixMilli(),
			"file_path", task.FilePath,
			"state", string(StatePending),
			"progress", 0,
			"updated_at", nowString(),
		)
		p.PExpire(ctx, taskKey(task.ID), b.opts.resultTTL+b.opts.hardLimit)
		p.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: task.ID})
		return nil
	})
	if err != nil {
		b.logger.Error("failed to dispatch task", "job_id", task.JobID, "error", err)
		return "", fmt.Errorf("%w: dispatch: %v", common.ErrExecutionBackend, err)
	}
	b.logger.Info("queued task", "task_id", task.ID, "job_id", task.JobID, "priority", task.Priority)
	return task.ID, nil
}

func (b *RedisBroker) State(ctx context.Context, taskID string) (TaskInfo, error) {
	m, err := b.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return TaskInfo{}, fmt.Errorf("%w: task state: %v", common.ErrExecutionBackend, err)
	}
	info := TaskInfo{ID: taskID, State: StatePending}
	if len(m) == 0 {
		return info, nil
	}
	if s := m["state"]; s != "" {
		info.State = TaskState(s)
	}
	info.Progress, _ = strconv.ParseFloat(m["progress"], 64)
	if r := m["result"]; r != "" {
		info.Result = []byte(r)
	}
	info.Error = m["error"]
	info.ErrorKind = constants.ErrorKind(m["error_kind"])
	if ms, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil {
		info.UpdatedAt = time.UnixMilli(ms)
	}
	if info.State == StatePending {
		// Dispatch queues and leases move tasks atomically, so a pending
		// task found in neither set can never run.
		lost, err := b.unreachable(ctx, taskID)
		if err != nil {
			return TaskInfo{}, fmt.Errorf("%w: task state: %v", common.ErrExecutionBackend, err)
		}
		if lost {
			info.State = StateFailure
			info.Error = errTaskLost
			info.ErrorKind = constants.ErrorKindWorkerLost
		}
	}
	return info, nil
}

func (b *RedisBroker) unreachable(ctx context.Context, taskID string) (bool, error) {
	var queued, leased *redis.FloatCmd
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		queued = p.ZScore(ctx, queueKey, taskID)
		leased = p.ZScore(ctx, inflightKey, taskID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return errors.Is(queued.Err(), redis.Nil) && errors.Is(leased.Err(), redis.Nil), nil
}

func (b *RedisBroker) Revoke(ctx context.Context, taskID string) error {
	changed, err := revokeScript.Run(ctx, b.rdb, []string{taskKey(taskID)}, nowString(), b.opts.resultTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: revoke: %v", common.ErrExecutionBackend, err)
	}
	if changed == 0 {
		return nil
	}
	if err := b.rdb.Publish(ctx, revokeChannel, taskID).Err(); err != nil {
		b.logger.Warn("failed to broadcast revocation", "task_id", taskID, "error", err)
	}
	b.logger.Info("revoked task", "task_id", taskID)
	return nil
}

func (b *RedisBroker) Len(ctx context.Context) (int, error) {
	n, err := b.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue length: %v", common.ErrExecutionBackend, err)
	}
	return int(n), nil
}

// Start subscribes to revocations and launches the polling workers.
func (b *RedisBroker) Start(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return common.ErrBrokerClosed
	}
	if b.handler != nil {
		return fmt.Errorf("redis broker already started")
	}

	ctx, stop := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, revokeChannel)
	if _, err := ps.Receive(ctx); err != nil {
		stop()
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe: %v", common.ErrExecutionBackend, err)
	}
	b.handler = h
	b.stop = stop
	b.pubsub = ps

	b.wg.Add(2)
	go b.listenRevocations(ps.Channel())
	go b.recoverLoop(ctx)
	for i := 0; i < b.opts.workers; i++ {
		b.wg.Add(1)
		go b.work(ctx, i+1)
	}
	return nil
}

func (b *RedisBroker) listenRevocations(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		b.cancelRunning(msg.Payload)
	}
}

func (b *RedisBroker) cancelRunning(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.running[taskID]; ok {
		cancel(ErrTaskRevoked)
		b.logger.Info("revoked running task", "task_id", taskID)
	}
}

// lease bounds how long a popped task may stay unfinished. A live worker
// records an outcome by the hard limit, so twice that means it is gone.
func (b *RedisBroker) lease() time.Duration { return 2 * b.opts.hardLimit }

// RecoverLeases requeues popped tasks that were never claimed and fails
// started tasks whose worker stopped reporting, once their lease has run out.
func (b *RedisBroker) RecoverLeases(ctx context.Context) (requeued, lost int, err error) {
	n, err := recoverScript.Run(ctx, b.rdb, []string{inflightKey, queueKey},
		nowString(), taskKeyPrefix, b.opts.resultTTL.Milliseconds(),
		errWorkerLost, string(constants.ErrorKindWorkerLost),
		strconv.FormatFloat(priorityScale, 'f', 0, 64),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: recover leases: %v", common.ErrExecutionBackend, err)
	}
	if len(n) == 2 {
		requeued, lost = int(n[0]), int(n[1])
	}
	if requeued > 0 || lost > 0 {
		b.logger.Warn("recovered expired task leases", "requeued", requeued, "lost", lost)
	}
	return requeued, lost, nil
}

func (b *RedisBroker) recoverLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := b.RecoverLeases(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("lease recovery failed", "error", err)
			}
		}
	}
}

// release drops the lease of a task whose outcome is settled.
func (b *RedisBroker) release(taskID string) {
	if err := b.rdb.ZRem(context.Background(), inflightKey, taskID).Err(); err != nil {
		b.logger.Warn("failed to release task lease", "task_id", taskID, "error", err)
	}
}

func (b *RedisBroker) work(ctx context.Context, workerID int) {
	defer b.wg.Done()
	b.logger.Info("worker started", "worker_id", workerID)
	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()
	for {
		for b.pollOnce(ctx, workerID) {
			if ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			b.logger.Info("worker stopped", "worker_id", workerID)
			return
		case <-ticker.C:
		}
	}
}

// pollOnce pops and runs one task. It reports whether a task was found.
func (b *RedisBroker) pollOnce(ctx context.Context, workerID int) bool {
	deadline := strconv.FormatInt(time.Now().Add(b.lease()).UnixMilli(), 10)
	taskID, err := popScript.Run(ctx, b.rdb, []string{queueKey, inflightKey}, deadline).Text()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			b.logger.Warn("queue poll failed", "worker_id", workerID, "error", err)
		}
		return false
	}
	b.run(workerID, taskID)
	return true
}

func (b *RedisBroker) run(workerID int, taskID string) {
	// Task bookkeeping outlives Shutdown's stop signal.
	bg := context.Background()
	key := taskKey(taskID)

	fields, err := b.rdb.HMGet(bg, key, "job_id", "priority", "submitted_at", "file_path").Result()
	if err != nil {
		b.logger.Error("failed to load task, left for redelivery", "task_id", taskID, "error", err)
		return
	}
	task := Task{ID: taskID}
	task.JobID, _ = fields[0].(string)
	if s, ok := fields[1].(string); ok {
		task.Priority, _ = strconv.Atoi(s)
	}
	if s, ok := fields[2].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			task.SubmittedAt = time.UnixMilli(ms)
		}
	}
	task.FilePath, _ = fields[3].(string)
	if task.JobID == "" {
		b.logger.Warn("dropping task with expired metadata", "task_id", taskID)
		b.release(taskID)
		return
	}

	claimed, err := claimScript.Run(bg, b.rdb, []string{key}, nowString()).Int()
	if err != nil {
		b.logger.Error("failed to claim task, left for redelivery", "task_id", taskID, "error", err)
		return
	}
	defer b.release(taskID)

	parent := revokedContext()
	if claimed == 1 {
		var cancel context.CancelCauseFunc
		parent, cancel = context.WithCancelCause(bg)
		defer cancel(nil)
		b.mu.Lock()
		b.running[taskID] = cancel
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			delete(b.running, taskID)
			b.mu.Unlock()
		}()
		// a revocation published between claim and registration was missed
		if st, _ := b.rdb.HGet(bg, key, "state").Result(); st == string(StateRevoked) {
			cancel(ErrTaskRevoked)
		}
	} else {
		b.logger.Info("skipping revoked task", "worker_id", workerID, "task_id", taskID, "job_id", task.JobID)
	}

	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	result, runErr := execute(parent, h, task, &redisReporter{b: b, key: key}, b.opts.hardLimit, b.opts.softMargin)
	if claimed != 1 {
		return
	}

	args := []any{b.opts.resultTTL.Milliseconds(), "updated_at", nowString()}
	if runErr != nil {
		args = append(args, "state", string(StateFailure), "error", runErr.Error(), "error_kind", string(errorKind(runErr)))
		b.logger.Error("task failed", "worker_id", workerID, "task_id", taskID, "job_id", task.JobID, "error", runErr)
	} else {
		args = append(args, "state", string(StateSuccess), "progress", 100, "result", string(result))
		b.logger.Info("task succeeded", "worker_id", workerID, "task_id", taskID, "job_id", task.JobID)
	}
	if err := finishScript.Run(bg, b.rdb, []string{key}, args...).Err(); err != nil {
		b.logger.Error("failed to record task outcome", "task_id", taskID, "error", err)
	}
}

// Shutdown stops polling and waits for running tasks to finish.
func (b *RedisBroker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stop, ps := b.stop, b.pubsub
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ps != nil {
		_ = ps.Close()
	}

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()
	select {
	case <-ctx.Done():
		b.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		b.logger.Info("workers stopped, shutdown complete")
		return nil
	}
}

type redisReporter struct {
	b   *RedisBroker
	key string
}

func (r *redisReporter) Progress(ctx context.Context, pct float64) error {
	ctx = context.WithoutCancel(ctx)
	return progressScript.Run(ctx, r.b.rdb, []string{r.key}, string(StateProgress), pct, nowString()).Err()
}
