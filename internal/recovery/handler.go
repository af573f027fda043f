// Package recovery classifies phase failures and decides how a job
// recovers from them: retry the phase, step back, restart, pause for an
// operator or fail.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/statemachine"
)

// Strategy is a recovery directive.
type Strategy string

const (
	RetryCurrent  Strategy = "retry_current"
	RetryPrevious Strategy = "retry_previous"
	Restart       Strategy = "restart"
	Manual        Strategy = "manual"
	Fail          Strategy = "fail"
)

var strategies = map[Kind]Strategy{
	KindValidation: RetryPrevious,
	KindAPI:        RetryCurrent,
	KindDatabase:   Manual,
	KindFile:       RetryCurrent,
	KindTimeout:    RetryCurrent,
	KindNetwork:    RetryCurrent,
	KindGeneration: RetryCurrent,
	KindUnknown:    Restart,
}

// StrategyFor applies the strategy table. retries is the number of earlier
// failures of the same kind.
func StrategyFor(kind Kind, severity Severity, retries, maxRetries int) Strategy {
	if severity == SeverityCritical || retries >= maxRetries {
		return Fail
	}
	if s, ok := strategies[kind]; ok {
		return s
	}
	return Fail
}

// RollbackFunc undoes the partial work of a state before it is retried
// from an earlier point.
type RollbackFunc func(ctx context.Context, jobID string, meta map[string]any) error

// Classification describes one handled error.
type Classification struct {
	Kind      Kind               `json:"kind"`
	Severity  Severity           `json:"severity"`
	Message   string             `json:"message"`
	Type      string             `json:"type"`
	State     statemachine.State `json:"state"`
	JobID     string             `json:"job_id"`
	Timestamp time.Time          `json:"timestamp"`
}

// Outcome is the recovery directive for one error.
type Outcome struct {
	Classification    Classification     `json:"classification"`
	Strategy          Strategy           `json:"strategy"`
	RetryCount        int                `json:"retry_count"`
	RollbackAttempted bool               `json:"rollback_attempted"`
	RollbackOK        bool               `json:"rollback_success"`
	RollbackError     string             `json:"rollback_error,omitempty"`
	NextState         statemachine.State `json:"next_state"`
	ShouldRetry       bool               `json:"should_retry"`
	ShouldFail        bool               `json:"should_fail"`
}

// Handler is owned by a single job. Retry counters are kept per kind for
// the life of the handler.
type Handler struct {
	mu         sync.Mutex
	maxRetries int
	retries    map[Kind]int
	rollbacks  map[statemachine.State]RollbackFunc
	history    []Classification
	log        *logger.Logger
	now        func() time.Time
}

func NewHandler(maxRetries int, log *logger.Logger) *Handler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		maxRetries: maxRetries,
		retries:    make(map[Kind]int),
		rollbacks:  make(map[statemachine.State]RollbackFunc),
		log:        log.With("component", "recovery"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) MaxRetries() int {
	return h.maxRetries
}

// RegisterRollback sets the rollback for state, replacing any earlier one.
func (h *Handler) RegisterRollback(state statemachine.State, fn RollbackFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks[state] = fn
}

// Handle classifies err raised while running state and returns the
// directive. Rollbacks run before retry_previous and restart; their
// failure is recorded but does not change the directive.
func (h *Handler) Handle(ctx context.Context, err error, state statemachine.State, jobID string, meta map[string]any) Outcome {
	kind := Classify(err)
	c := Classification{
		Kind:      kind,
		Severity:  severityFor(err, kind),
		Type:      typeNames(err),
		State:     state,
		JobID:     jobID,
		Timestamp: h.now(),
	}
	if err != nil {
		c.Message = err.Error()
	}

	h.mu.Lock()
	retries := h.retries[kind]
	strategy := StrategyFor(kind, c.Severity, retries, h.maxRetries)
	if strategy != Fail {
		h.retries[kind] = retries + 1
	}
	h.history = append(h.history, c)
	rollback := h.rollbacks[state]
	h.mu.Unlock()

	out := Outcome{
		Classification: c,
		Strategy:       strategy,
		RetryCount:     retries,
		NextState:      nextState(strategy, state),
		ShouldRetry:    strategy == RetryCurrent || strategy == RetryPrevious || strategy == Restart,
		ShouldFail:     strategy == Fail,
	}

	if (strategy == RetryPrevious || strategy == Restart) && rollback != nil {
		out.RollbackAttempted = true
		if rerr := runRollback(ctx, rollback, jobID, meta); rerr != nil {
			out.RollbackError = rerr.Error()
			h.log.Warn("rollback failed", "job_id", jobID, "state", state, "error", rerr)
		} else {
			out.RollbackOK = true
		}
	}

	h.log.Warn("phase error handled",
		"job_id", jobID,
		"state", state,
		"kind", kind,
		"severity", c.Severity,
		"strategy", strategy,
		"retry", retries,
		"error", c.Message,
	)
	return out
}

// runRollback converts a panicking rollback into an error.
func runRollback(ctx context.Context, fn RollbackFunc, jobID string, meta map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return fn(ctx, jobID, meta)
}

func nextState(s Strategy, state statemachine.State) statemachine.State {
	switch s {
	case RetryCurrent:
		return state
	case RetryPrevious:
		if prev, ok := state.Previous(); ok {
			return prev
		}
		return state
	case Restart:
		return statemachine.Initialized
	case Manual:
		return statemachine.Paused
	default:
		return statemachine.Failed
	}
}

// RetryCount returns how many retries kind has consumed.
func (h *Handler) RetryCount(kind Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[kind]
}

// Reset clears retry counters and history, as on a full restart.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = make(map[Kind]int)
	h.history = nil
}

// History returns every classification handled so far.
func (h *Handler) History() []Classification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Classification(nil), h.history...)
}
