package parallel

import (
	"context"
	"fmt"
	"time"
)

// Summary aggregates a fan-out run.
type Summary struct {
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	TotalTime   time.Duration `json:"total_time"`
	AverageTime time.Duration `json:"average_time"`
	Errors      []string      `json:"errors"`
}

// Summarize builds a Summary. wall is the elapsed time of the whole run.
func Summarize[T any](results []Result[T], wall time.Duration) Summary {
	s := Summary{Total: len(results), TotalTime: wall, Errors: []string{}}
	if len(results) == 0 {
		return s
	}
	var busy time.Duration
	for _, r := range results {
		busy += r.Duration
		if r.Success {
			s.Successful++
			continue
		}
		s.Failed++
		if r.Err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", r.ID, r.Err))
		}
	}
	s.SuccessRate = float64(s.Successful) / float64(s.Total)
	s.AverageTime = busy / time.Duration(len(results))
	return s
}

// Validate runs validation tasks and summarizes them.
func Validate[T any](ctx context.Context, e *Executor, tasks []Task[T], ids []string) ([]Result[T], Summary) {
	start := time.Now()
	results := Execute(ctx, e, tasks, ids)
	return results, Summarize(results, time.Since(start))
}
