package taskqueue

import (
	"context"
	"time"

	"github.com/bookgen/api/internal/logger"
)

// PeriodicJob is a task enqueued at a fixed interval.
type PeriodicJob struct {
	Name  string
	Every time.Duration
}

// DefaultPeriodicJobs are the heartbeat and the expired-result cleanup.
var DefaultPeriodicJobs = []PeriodicJob{
	{Name: TaskHeartbeat, Every: time.Minute},
	{Name: TaskCleanupResults, Every: time.Hour},
}

// Scheduler enqueues periodic jobs on an Enqueuer.
type Scheduler struct {
	enq  Enqueuer
	jobs []PeriodicJob
	log  *logger.Logger
}

func NewScheduler(enq Enqueuer, jobs []PeriodicJob, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{enq: enq, jobs: jobs, log: log.With("component", "scheduler")}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	tickers := make([]*time.Ticker, len(s.jobs))
	for i, j := range s.jobs {
		tickers[i] = time.NewTicker(j.Every)
		defer tickers[i].Stop()
	}

	for i, j := range s.jobs {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tickers[i].C:
					if _, err := s.enq.Enqueue(ctx, j.Name, nil); err != nil {
						s.log.Warn("failed to enqueue periodic job", "task", j.Name, "error", err)
					}
				}
			}
		}()
	}
	<-ctx.Done()
}

// ResultCleaner evicts expired task results.
type ResultCleaner interface {
	CleanupResults(ctx context.Context) (int, error)
}

// Heartbeat is a monitoring payload.
type Heartbeat struct {
	At          time.Time      `json:"at"`
	DeadLetters int            `json:"dead_letters"`
	Pending     map[string]int `json:"pending,omitempty"`
}

// MonitoringHandlers returns handlers for the periodic jobs. beat is called
// with every heartbeat; it may be nil.
func MonitoringHandlers(dead DeadLetterLister, cleaner ResultCleaner, beat func(Heartbeat), log *logger.Logger) map[string]Handler {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "monitoring")
	return map[string]Handler{
		TaskHeartbeat: func(ctx context.Context, t *Task) error {
			hb := Heartbeat{At: time.Now().UTC()}
			if dead != nil {
				letters, err := dead.DeadLetters(ctx)
				if err != nil {
					return err
				}
				hb.DeadLetters = len(letters)
			}
			if p, ok := dead.(interface{ Pending(string) int }); ok {
				hb.Pending = make(map[string]int, len(QueuePriorities))
				for _, q := range Queues() {
					hb.Pending[q] = p.Pending(q)
				}
			}
			if beat != nil {
				beat(hb)
			}
			log.Debug("heartbeat", "dead_letters", hb.DeadLetters)
			return t.SetResult(hb)
		},
		TaskCleanupResults: func(ctx context.Context, t *Task) error {
			if cleaner == nil {
				return nil
			}
			n, err := cleaner.CleanupResults(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("expired task results removed", "count", n)
			}
			return t.SetResult(map[string]int{"removed": n})
		},
	}
}
