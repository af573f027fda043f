// Package workflow runs registered phases along the state machine's
// forward chain, routing failures through the recovery handler.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/profiler"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/statemachine"
)

var (
	ErrPhaseNotRegistered = errors.New("phase not registered")
	ErrNotPaused          = errors.New("workflow is not paused")
	ErrCannotPause        = errors.New("workflow cannot be paused")
)

const tracerName = "github.com/bookgen/api/internal/workflow"

// Executor does the work of one phase.
type Executor func(ctx context.Context) (map[string]any, error)

// Phase describes the work bound to a state.
type Phase struct {
	State             statemachine.State
	Name              string
	Description       string
	EstimatedDuration time.Duration
	Execute           Executor
}

// PhaseResult records one execution of a phase.
type PhaseResult struct {
	State     statemachine.State `json:"state"`
	Name      string             `json:"name"`
	Success   bool               `json:"success"`
	Output    map[string]any     `json:"output,omitempty"`
	Err       error              `json:"-"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Profile   profiler.Profile   `json:"profile"`
}

// Result is the outcome of a workflow run.
type Result struct {
	JobID      string             `json:"job_id"`
	FinalState statemachine.State `json:"final_state"`
	Success    bool               `json:"success"`
	Phases     []PhaseResult      `json:"phases"`
	Outcome    *recovery.Outcome  `json:"outcome,omitempty"`
	Err        error              `json:"-"`
}

// Manager is owned by a single job.
type Manager struct {
	jobID    string
	machine  *statemachine.Machine
	recovery *recovery.Handler
	log      *logger.Logger

	mu         sync.Mutex
	phases     map[statemachine.State]Phase
	executions []PhaseResult
	hooks      []func(PhaseResult)
}

func NewManager(jobID string, machine *statemachine.Machine, handler *recovery.Handler, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		jobID:    jobID,
		machine:  machine,
		recovery: handler,
		log:      log.With("component", "workflow", "job_id", jobID),
		phases:   make(map[statemachine.State]Phase),
	}
}

func (m *Manager) Machine() *statemachine.Machine {
	return m.machine
}

// Register binds a phase to its state, replacing any earlier binding.
func (m *Manager) Register(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Name == "" {
		p.Name = string(p.State)
	}
	m.phases[p.State] = p
}

// Phase returns the phase bound to state.
func (m *Manager) Phase(state statemachine.State) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[state]
	return p, ok
}

// OnPhase registers fn to be called after every phase execution.
func (m *Manager) OnPhase(fn func(PhaseResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Executions returns every phase execution so far.
func (m *Manager) Executions() []PhaseResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PhaseResult(nil), m.executions...)
}

// ExecutePhase moves the machine into state, forcing the move when it is
// a re-entry, and runs the bound phase under a span and a profiler.
// Panics and errors become an unsuccessful result.
func (m *Manager) ExecutePhase(ctx context.Context, state statemachine.State) PhaseResult {
	phase, ok := m.Phase(state)
	res := PhaseResult{State: state, Name: phase.Name, StartedAt: time.Now().UTC()}
	if !ok {
		res.Name = string(state)
		res.Err = recovery.Critical("execute phase", fmt.Errorf("%w: %s", ErrPhaseNotRegistered, state))
		res.Error = res.Err.Error()
		m.record(res)
		return res
	}

	if err := m.enter(state); err != nil {
		res.Err = recovery.Critical("enter phase", err)
		res.Error = res.Err.Error()
		m.record(res)
		return res
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "phase."+phase.Name)
	span.SetAttributes(
		attribute.String("job.id", m.jobID),
		attribute.String("workflow.state", string(state)),
	)
	defer span.End()

	pctx, prof := profiler.Start(ctx, phase.Name)
	start := time.Now()
	res.Output, res.Err = runExecutor(pctx, phase.Execute)
	res.Duration = time.Since(start)
	res.Profile = prof.Stop()
	res.Success = res.Err == nil

	if res.Err != nil {
		res.Error = res.Err.Error()
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
		m.log.Warn("phase failed", "phase", phase.Name, "duration", res.Duration, "error", res.Err)
	} else {
		m.log.Info("phase completed", "phase", phase.Name, "duration", res.Duration)
	}
	m.record(res)
	return res
}

func (m *Manager) enter(state statemachine.State) error {
	meta := map[string]any{"phase": string(state)}
	if m.machine.CanTransition(state) {
		return m.machine.Transition(state, meta)
	}
	return m.machine.ForceTransition(state, meta)
}

func runExecutor(ctx context.Context, fn Executor) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (m *Manager) record(res PhaseResult) {
	m.mu.Lock()
	m.executions = append(m.executions, res)
	hooks := append([]func(PhaseResult){}, m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
}

// ExecuteWorkflow walks the forward chain from start until the job
// completes, fails or is paused.
func (m *Manager) ExecuteWorkflow(ctx context.Context, start statemachine.State) Result {
	if start == "" {
		start = statemachine.Initialized
	}
	result := Result{JobID: m.jobID}
	if !start.Workflow() {
		result.FinalState = m.machine.Current()
		result.Err = fmt.Errorf("%w: cannot start at %s", statemachine.ErrInvalidTransition, start)
		return result
	}

	state := start
	for {
		if err := ctx.Err(); err != nil {
			result.FinalState = m.machine.Current()
			result.Err = err
			return result
		}

		res := m.ExecutePhase(ctx, state)
		result.Phases = append(result.Phases, res)

		if m.machine.Current() == statemachine.Paused {
			m.log.Info("workflow paused", "after", state)
			result.FinalState = statemachine.Paused
			return result
		}

		if res.Success {
			next, _ := state.Next()
			if next == statemachine.Completed {
				if err := m.machine.Transition(statemachine.Completed, nil); err != nil {
					result.FinalState = m.machine.Current()
					result.Err = err
					return result
				}
				result.FinalState = statemachine.Completed
				result.Success = true
				return result
			}
			state = next
			continue
		}

		out := m.recovery.Handle(ctx, res.Err, state, m.jobID, map[string]any{"phase": res.Name})
		result.Outcome = &out
		result.Err = res.Err

		switch out.Strategy {
		case recovery.RetryCurrent, recovery.RetryPrevious:
			state = out.NextState
		case recovery.Restart:
			state = statemachine.Initialized
		case recovery.Manual:
			_ = m.machine.ForceTransition(statemachine.Paused, map[string]any{
				"reason": "manual intervention required",
				"error":  res.Error,
			})
			result.FinalState = statemachine.Paused
			return result
		default:
			_ = m.machine.ForceTransition(statemachine.Failed, map[string]any{
				"error":    res.Error,
				"kind":     string(out.Classification.Kind),
				"severity": string(out.Classification.Severity),
			})
			result.FinalState = statemachine.Failed
			return result
		}
		m.log.Info("recovering", "strategy", out.Strategy, "next", state, "retry", out.RetryCount)
	}
}

// Pause moves the machine to paused. The loop stops after the phase that
// is currently running.
func (m *Manager) Pause(reason string) error {
	current := m.machine.Current()
	if current.Terminal() || current == statemachine.Paused {
		return fmt.Errorf("%w: job is %s", ErrCannotPause, current)
	}
	return m.machine.ForceTransition(statemachine.Paused, map[string]any{"reason": reason})
}

// Resume re-enters the workflow at the state the machine was paused from.
func (m *Manager) Resume(ctx context.Context) Result {
	if m.machine.Current() != statemachine.Paused {
		return Result{
			JobID:      m.jobID,
			FinalState: m.machine.Current(),
			Err:        ErrNotPaused,
		}
	}
	return m.ExecuteWorkflow(ctx, m.machine.ResumeState())
}
