package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bookgen/api/internal/logger"
)

// DeadLetterTTL is how long archived tasks are kept before cleanup.
const DeadLetterTTL = 7 * 24 * time.Hour

// AsynqConfig configures an AsynqBroker.
type AsynqConfig struct {
	Redis       asynq.RedisClientOpt
	Concurrency int
	Retry       RetryPolicy
	HardLimit   time.Duration
	SoftLimit   time.Duration
	Retention   time.Duration
	LogLevel    string

	OnDeadLetter func(DeadLetter)
	OnFinish     func(t *Task, err error)
}

// AsynqBroker runs tasks through Redis. Exhausted tasks are archived by
// asynq, which serves as the dead letter store.
type AsynqBroker struct {
	cfg       AsynqConfig
	client    *asynq.Client
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	log       *logger.Logger
}

func NewAsynqBroker(cfg AsynqConfig, log *logger.Logger) *AsynqBroker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
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
	if log == nil {
		log = logger.Nop()
	}
	return &AsynqBroker{
		cfg:       cfg,
		client:    asynq.NewClient(cfg.Redis),
		inspector: asynq.NewInspector(cfg.Redis),
		mux:       asynq.NewServeMux(),
		log:       log.With("component", "taskqueue", "broker", "asynq"),
	}
}

// Enqueue submits a task to Redis.
func (b *AsynqBroker) Enqueue(ctx context.Context, name string, payload any, opts ...Option) (TaskInfo, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return TaskInfo{}, err
	}
	o := buildOptions(name, b.cfg.Retry, b.cfg.HardLimit, b.cfg.SoftLimit, opts)
	id := o.TaskID
	if id == "" {
		id = uuid.NewString()
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(name, data),
		asynq.TaskID(id),
		asynq.Queue(o.Queue),
		asynq.MaxRetry(o.Retry.MaxAttempts-1),
		asynq.Timeout(o.HardLimit),
		asynq.Retention(b.cfg.Retention),
	)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return TaskInfo{
		ID:          info.ID,
		Name:        name,
		Queue:       info.Queue,
		Priority:    o.Priority,
		State:       StatePending,
		MaxAttempts: info.MaxRetry + 1,
		EnqueuedAt:  time.Now(),
	}, nil
}

// Register binds a handler to a task name on the server mux.
func (b *AsynqBroker) Register(name string, h Handler) {
	b.mux.HandleFunc(name, b.wrap(h))
}

func (b *AsynqBroker) wrap(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, at *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		queue, _ := asynq.GetQueueName(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		t := &Task{
			ID:          id,
			Name:        at.Type(),
			Queue:       queue,
			Priority:    DefaultPriority,
			Payload:     at.Payload(),
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
		}
		ctx, span := startSpan(ctx, t)
		sctx, stop := withSoftLimit(ctx, b.cfg.SoftLimit)
		defer stop()

		err := h(sctx, t)
		endSpan(span, err)
		if errors.Is(err, ErrSkipRetry) {
			err = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if b.cfg.OnFinish != nil {
			b.cfg.OnFinish(t, err)
		}
		if err == nil && t.result != nil {
			if _, werr := at.ResultWriter().Write(t.result); werr != nil {
				b.log.Warn("failed to write task result", "task_id", id, "error", werr)
			}
		}
		return err
	}
}

// Server builds the asynq server. Queue weights follow QueuePriorities and
// retry delays follow the retry policy.
func (b *AsynqBroker) Server() *asynq.Server {
	return asynq.NewServer(b.cfg.Redis, asynq.Config{
		Concurrency: b.cfg.Concurrency,
		Queues:      QueuePriorities,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return b.cfg.Retry.Delay(n+1, nil)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(b.handleError),
		Logger:       asynqLogger{b.log},
		LogLevel:     asynqLevel(b.cfg.LogLevel),
	})
}

func (b *AsynqBroker) handleError(ctx context.Context, at *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	id, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)

	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		b.log.Warn("task failed, will retry", "task_id", id, "task", at.Type(), "retry", retried+1, "error", err)
		return
	}
	dl := DeadLetter{
		ID:        id,
		Name:      at.Type(),
		Queue:     queue,
		Payload:   at.Payload(),
		Attempts:  retried + 1,
		LastError: err.Error(),
		FailedAt:  time.Now().UTC(),
	}
	b.log.Error("task dead-lettered", "task_id", id, "task", dl.Name, "queue", queue, "attempts", dl.Attempts, "error", err)
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(dl)
	}
}

// Run serves tasks until ctx is done.
func (b *AsynqBroker) Run(ctx context.Context) error {
	srv := b.Server()
	if err := srv.Start(b.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// Scheduler registers the periodic jobs with asynq's scheduler.
func (b *AsynqBroker) Scheduler(jobs []PeriodicJob) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(b.cfg.Redis, &asynq.SchedulerOpts{
		Logger:   asynqLogger{b.log},
		LogLevel: asynqLevel(b.cfg.LogLevel),
	})
	for _, j := range jobs {
		spec := fmt.Sprintf("@every %s", j.Every)
		if _, err := s.Register(spec, asynq.NewTask(j.Name, []byte("{}")), asynq.Queue(Route(j.Name))); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", j.Name, err)
		}
	}
	return s, nil
}

// DeadLetters lists archived tasks across all queues.
func (b *AsynqBroker) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	for _, q := range Queues() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks, err := b.inspector.ListArchivedTasks(q, asynq.PageSize(1000))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list archived tasks in %s: %w", q, err)
		}
		for _, t := range tasks {
			out = append(out, DeadLetter{
				ID:        t.ID,
				Name:      t.Type,
				Queue:     t.Queue,
				Payload:   t.Payload,
				Attempts:  t.Retried + 1,
				LastError: t.LastErr,
				FailedAt:  t.LastFailedAt,
			})
		}
	}
	return out, nil
}

// Info looks a task up by id in the given queue.
func (b *AsynqBroker) Info(queue, id string) (TaskInfo, error) {
	t, err := b.inspector.GetTaskInfo(queue, id)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return TaskInfo{
		ID:          t.ID,
		Name:        t.Type,
		Queue:       t.Queue,
		State:       taskState(t.State),
		Attempt:     t.Retried,
		MaxAttempts: t.MaxRetry + 1,
		CompletedAt: t.CompletedAt,
		LastError:   t.LastErr,
		Result:      t.Result,
	}, nil
}

func taskState(s asynq.TaskState) TaskState {
	switch s {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateRetry:
		return StateRetry
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateDead
	default:
		return StatePending
	}
}

// CleanupResults deletes archived tasks older than DeadLetterTTL.
// Completed results expire through asynq's retention.
func (b *AsynqBroker) CleanupResults(ctx context.Context) (int, error) {
	letters, err := b.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-DeadLetterTTL)
	removed := 0
	for _, dl := range letters {
		if dl.FailedAt.After(cutoff) {
			continue
		}
		if err := b.inspector.DeleteTask(dl.Queue, dl.ID); err != nil {
			return removed, fmt.Errorf("failed to delete archived task %s: %w", dl.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (b *AsynqBroker) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

// asynqLogger adapts the zap logger to asynq.Logger.
type asynqLogger struct {
	l *logger.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.SugaredLogger.Debug(args...) }
func (a asynqLogger) Info(args ...interface{})  { a.l.SugaredLogger.Info(args...) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.SugaredLogger.Warn(args...) }
func (a asynqLogger) Error(args ...interface{}) { a.l.SugaredLogger.Error(args...) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.SugaredLogger.Fatal(args...) }

func asynqLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
