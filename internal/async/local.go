package async

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/filextract/internal/common"
)

// LocalBroker is an in-process execution backend: a bounded priority queue
// drained by a fixed pool of workers. Task info lives in memory, so it is
// only suitable when submitter and workers share a process.
type LocalBroker struct {
	logger *slog.Logger
	opts   options

	mu      sync.Mutex
	cond    *sync.Cond
	pending taskHeap
	seq     uint64
	infos   map[string]*TaskInfo
	running map[string]context.CancelCauseFunc
	handler Handler
	closed  bool

	wg   sync.WaitGroup
	once sync.Once
}

var _ Broker = (*LocalBroker)(nil)

func NewLocalBroker(logger *slog.Logger, opts ...Option) *LocalBroker {
	b := &LocalBroker{
		logger:  logger,
		opts:    defaultOptions(),
		infos:   make(map[string]*TaskInfo),
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(&b.opts)
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *LocalBroker) Dispatch(_ context.Context, task Task) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Warn("cannot dispatch: broker is shutting down", "job_id", task.JobID)
		return "", common.ErrBrokerClosed
	}
	if b.opts.queueSize > 0 && b.pending.Len() >= b.opts.queueSize {
		b.logger.Warn("queue full, rejecting task", "job_id", task.JobID, "queue_size", b.opts.queueSize)
		return "", common.ErrQueueFull
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	b.seq++
	heap.Push(&b.pending, &queuedTask{task: task, seq: b.seq})
	b.infos[task.ID] = &TaskInfo{ID: task.ID, State: StatePending, UpdatedAt: time.Now()}
	b.cond.Signal()
	b.logger.Info("queued task", "task_id", task.ID, "job_id", task.JobID, "priority", task.Priority)
	return task.ID, nil
}

func (b *LocalBroker) State(_ context.Context, taskID string) (TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.infos[taskID]; ok {
		return *info, nil
	}
	return TaskInfo{ID: taskID, State: StatePending}, nil
}

func (b *LocalBroker) Revoke(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.infos[taskID]
	if !ok {
		info = &TaskInfo{ID: taskID}
		b.infos[taskID] = info
	}
	if info.State.Ready() {
		return nil
	}
	info.State = StateRevoked
	info.UpdatedAt = time.Now()
	if cancel, ok := b.running[taskID]; ok {
		cancel(ErrTaskRevoked)
		b.logger.Info("revoked running task", "task_id", taskID)
	} else {
		b.logger.Info("revoked task", "task_id", taskID)
	}
	return nil
}

func (b *LocalBroker) Len(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len(), nil
}

// Start launches the workers. It may only be called once.
func (b *LocalBroker) Start(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return common.ErrBrokerClosed
	}
	if b.handler != nil {
		return fmt.Errorf("local broker already started")
	}
	b.handler = h
	b.once.Do(func() {
		for i := 0; i < b.opts.workers; i++ {
			b.wg.Add(1)
			go b.work(i + 1)
		}
	})
	return nil
}

func (b *LocalBroker) work(workerID int) {
	defer b.wg.Done()
	b.logger.Info("worker started", "worker_id", workerID)
	for {
		qt, ok := b.next()
		if !ok {
			break
		}
		b.run(workerID, qt.task)
	}
	b.logger.Info("worker stopped", "worker_id", workerID)
}

// next blocks until a task is available. Queued tasks are drained on shutdown.
func (b *LocalBroker) next() (*queuedTask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.pending.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&b.pending).(*queuedTask), true
}

func (b *LocalBroker) run(workerID int, task Task) {
	b.mu.Lock()
	info := b.infos[task.ID]
	if info == nil {
		info = &TaskInfo{ID: task.ID}
		b.infos[task.ID] = info
	}
	revoked := info.State == StateRevoked
	parent := revokedContext()
	if !revoked {
		var cancel context.CancelCauseFunc
		parent, cancel = context.WithCancelCause(context.Background())
		defer cancel(nil)
		b.running[task.ID] = cancel
		info.State = StateStarted
		info.UpdatedAt = time.Now()
	}
	h := b.handler
	b.mu.Unlock()

	if revoked {
		b.logger.Info("skipping revoked task", "worker_id", workerID, "task_id", task.ID, "job_id", task.JobID)
	}
	result, err := execute(parent, h, task, &localReporter{b: b, taskID: task.ID}, b.opts.hardLimit, b.opts.softMargin)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, task.ID)
	if info.State != StateRevoked {
		info.UpdatedAt = time.Now()
		if err != nil {
			info.State = StateFailure
			info.Error = err.Error()
			info.ErrorKind = errorKind(err)
			b.logger.Error("task failed", "worker_id", workerID, "task_id", task.ID, "job_id", task.JobID, "error", err)
		} else {
			info.State = StateSuccess
			info.Progress = 100
			info.Result = result
			b.logger.Info("task succeeded", "worker_id", workerID, "task_id", task.ID, "job_id", task.JobID)
		}
	}
	b.pruneLocked()
}

// pruneLocked drops finished task info older than the result TTL.
func (b *LocalBroker) pruneLocked() {
	cutoff := time.Now().Add(-b.opts.resultTTL)
	for id, info := range b.infos {
		if info.State.Ready() && info.UpdatedAt.Before(cutoff) {
			delete(b.infos, id)
		}
	}
}

// Shutdown stops accepting tasks and waits for the workers to drain the queue.
func (b *LocalBroker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); b.wg.Wait() }()

	select {
	case <-ctx.Done():
		b.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		b.logger.Info("queue drained, shutdown complete")
		return nil
	}
}

type localReporter struct {
	b      *LocalBroker
	taskID string
}

func (r *localReporter) Progress(_ context.Context, pct float64) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	info, ok := r.b.infos[r.taskID]
	if !ok || (info.State != StateStarted && info.State != StateProgress) {
		return nil
	}
	info.State = StateProgress
	info.Progress = pct
	info.UpdatedAt = time.Now()
	return nil
}

type queuedTask struct {
	task Task
	seq  uint64
}

// taskHeap orders by priority, then by submission order.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
