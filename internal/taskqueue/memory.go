package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bookgen/api/internal/logger"
)

var (
	ErrNoHandler     = errors.New("no handler registered")
	ErrTaskNotFound  = errors.New("task not found")
	ErrBrokerStopped = errors.New("broker stopped")

	// ErrSkipRetry sends a failed task straight to the dead letter store.
	ErrSkipRetry = errors.New("skip retry")
)

// MemoryConfig configures a MemoryBroker.
type MemoryConfig struct {
	Workers   int
	Retry     RetryPolicy
	HardLimit time.Duration
	SoftLimit time.Duration
	Retention time.Duration

	// OnDeadLetter is called once for every dead-lettered task.
	OnDeadLetter func(DeadLetter)
	// OnFinish is called after every attempt with its outcome.
	OnFinish func(t *Task, err error)

	Now  func() time.Time
	Rand func() float64
}

type taskRecord struct {
	task    *Task
	opts    Options
	info    TaskInfo
	lastErr error
	done    chan struct{}
	timer   *time.Timer
}

// MemoryBroker is an in-process broker. Workers always drain the most
// urgent non-empty queue first.
type MemoryBroker struct {
	cfg MemoryConfig
	log *logger.Logger

	mu       sync.Mutex
	queues   map[string]*priorityQueue
	handlers map[string]Handler
	records  map[string]*taskRecord
	dead     []DeadLetter
	started  bool
	stopped  bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewMemoryBroker(cfg MemoryConfig, log *logger.Logger) *MemoryBroker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = DefaultSoftLimit
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	queues := make(map[string]*priorityQueue, len(QueuePriorities))
	for q := range QueuePriorities {
		queues[q] = &priorityQueue{}
	}
	return &MemoryBroker{
		cfg:      cfg,
		log:      log.With("component", "taskqueue", "broker", "memory"),
		queues:   queues,
		handlers: make(map[string]Handler),
		records:  make(map[string]*taskRecord),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Register binds a handler to a task name.
func (b *MemoryBroker) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Start launches the workers. They stop when ctx is done or Shutdown is
// called.
func (b *MemoryBroker) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.work(ctx)
	}
	b.log.Info("memory broker started", "workers", b.cfg.Workers)
}

// Shutdown stops the workers and pending retries and waits for in-flight
// attempts to finish.
func (b *MemoryBroker) Shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, rec := range b.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
}

// Enqueue adds a task. The queue is routed from the name unless set.
func (b *MemoryBroker) Enqueue(ctx context.Context, name string, payload any, opts ...Option) (TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return TaskInfo{}, err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return TaskInfo{}, err
	}
	o := buildOptions(name, b.cfg.Retry, b.cfg.HardLimit, b.cfg.SoftLimit, opts)
	id := o.TaskID
	if id == "" {
		id = uuid.NewString()
	}

	t := &Task{
		ID:          id,
		Name:        name,
		Queue:       o.Queue,
		Priority:    o.Priority,
		Payload:     data,
		MaxAttempts: o.Retry.MaxAttempts,
		EnqueuedAt:  b.cfg.Now(),
	}
	rec := &taskRecord{
		task: t,
		opts: o,
		info: TaskInfo{
			ID:          id,
			Name:        name,
			Queue:       o.Queue,
			Priority:    o.Priority,
			State:       StatePending,
			MaxAttempts: o.Retry.MaxAttempts,
			EnqueuedAt:  t.EnqueuedAt,
		},
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return TaskInfo{}, ErrBrokerStopped
	}
	if _, exists := b.records[id]; exists {
		b.mu.Unlock()
		return TaskInfo{}, fmt.Errorf("task %s already exists", id)
	}
	b.records[id] = rec
	b.queues[o.Queue].push(t)
	info := rec.info
	b.mu.Unlock()

	b.signal()
	return info, nil
}

func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) work(ctx context.Context) {
	defer b.wg.Done()
	for {
		t := b.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-b.notify:
				continue
			}
		}
		b.execute(ctx, t)
		// more work may be waiting for other workers
		b.signal()
	}
}

// next pops from the most urgent non-empty queue.
func (b *MemoryBroker) next() *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	for _, q := range Queues() {
		if t := b.queues[q].pop(); t != nil {
			return t
		}
	}
	return nil
}

func (b *MemoryBroker) execute(ctx context.Context, t *Task) {
	b.mu.Lock()
	rec := b.records[t.ID]
	h := b.handlers[t.Name]
	o := rec.opts
	t.Attempt++
	rec.info.Attempt = t.Attempt
	rec.info.State = StateActive
	b.mu.Unlock()

	var err error
	if h == nil {
		err = fmt.Errorf("%w for %s", ErrNoHandler, t.Name)
	} else {
		err = runWithLimits(ctx, t, h, o.HardLimit, o.SoftLimit)
	}
	if b.cfg.OnFinish != nil {
		b.cfg.OnFinish(t, err)
	}

	if err == nil {
		b.complete(rec)
		return
	}
	if h == nil || errors.Is(err, ErrSkipRetry) || o.Retry.Exhausted(t.Attempt) || ctx.Err() != nil {
		b.deadLetter(rec, err)
		return
	}
	b.retry(rec, o.Retry, err)
}

func (b *MemoryBroker) complete(rec *taskRecord) {
	b.mu.Lock()
	rec.info.State = StateCompleted
	rec.info.CompletedAt = b.cfg.Now()
	rec.info.Result = rec.task.result
	rec.info.LastError = ""
	rec.lastErr = nil
	b.mu.Unlock()
	close(rec.done)
}

func (b *MemoryBroker) retry(rec *taskRecord, policy RetryPolicy, err error) {
	delay := policy.Delay(rec.task.Attempt, b.cfg.Rand)

	b.mu.Lock()
	defer b.mu.Unlock()
	rec.info.State = StateRetry
	rec.info.LastError = err.Error()
	rec.lastErr = err
	if b.stopped {
		return
	}
	rec.timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		rec.info.State = StatePending
		b.queues[rec.task.Queue].push(rec.task)
		b.mu.Unlock()
		b.signal()
	})
	b.log.Debug("task scheduled for retry",
		"task_id", rec.task.ID,
		"task", rec.task.Name,
		"attempt", rec.task.Attempt,
		"delay", delay,
		"error", err,
	)
}

func (b *MemoryBroker) deadLetter(rec *taskRecord, err error) {
	b.mu.Lock()
	dl := DeadLetter{
		ID:        rec.task.ID,
		Name:      rec.task.Name,
		Queue:     rec.task.Queue,
		Payload:   rec.task.Payload,
		Attempts:  rec.task.Attempt,
		LastError: err.Error(),
		FailedAt:  b.cfg.Now(),
	}
	b.dead = append(b.dead, dl)
	rec.info.State = StateDead
	rec.info.LastError = err.Error()
	rec.lastErr = err
	b.mu.Unlock()
	close(rec.done)

	b.log.Warn("task dead-lettered",
		"task_id", dl.ID,
		"task", dl.Name,
		"queue", dl.Queue,
		"attempts", dl.Attempts,
		"error", dl.LastError,
	)
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(dl)
	}
}

// Await blocks until the task completes or is dead-lettered. For a dead
// task it returns the last attempt's error.
func (b *MemoryBroker) Await(ctx context.Context, id string) (TaskInfo, error) {
	b.mu.Lock()
	rec, ok := b.records[id]
	b.mu.Unlock()
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return TaskInfo{}, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.info.State == StateDead {
		return rec.info, fmt.Errorf("task %s failed after %d attempts: %w", rec.task.Name, rec.info.Attempt, rec.lastErr)
	}
	return rec.info, nil
}

// Info returns the current state of a task.
func (b *MemoryBroker) Info(id string) (TaskInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return TaskInfo{}, false
	}
	return rec.info, true
}

// DeadLetters returns the dead letter store, oldest first.
func (b *MemoryBroker) DeadLetters(context.Context) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...), nil
}

// Pending counts tasks waiting in queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.len()
	}
	return 0
}

// CleanupResults evicts completed tasks older than the retention period.
func (b *MemoryBroker) CleanupResults(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.cfg.Now().Add(-b.cfg.Retention)
	removed := 0
	for id, rec := range b.records {
		if rec.info.State == StateCompleted && rec.info.CompletedAt.Before(cutoff) {
			delete(b.records, id)
			removed++
		}
	}
	return removed, nil
}
