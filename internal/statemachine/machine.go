// Package statemachine tracks the phase of a biography job, enforces the
// allowed transitions between phases and serializes itself for storage in
// the job row.
package statemachine

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Transition is an immutable history entry.
type Transition struct {
	From      State          `json:"from_state"`
	To        State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Snapshot is the persisted form of a Machine.
type Snapshot struct {
	JobID        string         `json:"job_id"`
	CurrentState State          `json:"current_state"`
	Progress     int            `json:"progress"`
	History      []Transition   `json:"history"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Machine is safe for concurrent use. Hooks registered with OnTransition
// run after the lock is released, in registration order.
type Machine struct {
	mu       sync.RWMutex
	jobID    string
	current  State
	history  []Transition
	metadata map[string]any
	hooks    []func(Transition)
	now      func() time.Time
}

func New(jobID string) *Machine {
	return &Machine{
		jobID:    jobID,
		current:  Initialized,
		metadata: make(map[string]any),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Machine) JobID() string {
	return m.jobID
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Progress is the anchor percentage of the current state.
func (m *Machine) Progress() int {
	return m.Current().Progress()
}

func (m *Machine) CanTransition(to State) bool {
	return CanTransition(m.Current(), to)
}

// OnTransition registers fn to be called after every successful transition.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Transition moves to the given state if the move is allowed.
func (m *Machine) Transition(to State, meta map[string]any) error {
	return m.transition(to, false, meta)
}

// ForceTransition moves to the given state without checking the table.
// Re-entering the current state is recorded like any other transition.
func (m *Machine) ForceTransition(to State, meta map[string]any) error {
	return m.transition(to, true, meta)
}

func (m *Machine) transition(to State, force bool, meta map[string]any) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	m.mu.Lock()
	from := m.current
	if !force && !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	entry := Transition{
		From:      from,
		To:        to,
		Timestamp: m.now(),
		Metadata:  maps.Clone(meta),
	}
	if force {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, 1)
		}
		entry.Metadata["forced"] = true
	}
	m.current = to
	m.history = append(m.history, entry)
	hooks := append([]func(Transition){}, m.hooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(entry)
	}
	return nil
}

// Reset forces the machine back to Initialized.
func (m *Machine) Reset() error {
	return m.ForceTransition(Initialized, map[string]any{"reason": "reset"})
}

// History returns a copy of the transition log.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// LastTransition returns the most recent history entry.
func (m *Machine) LastTransition() (Transition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Transition{}, false
	}
	return m.history[len(m.history)-1], true
}

// ResumeState is the state the machine was in when it was last paused. It
// returns Initialized when there is no such pause.
func (m *Machine) ResumeState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		t := m.history[i]
		if t.To == Paused && t.From != Paused {
			return t.From
		}
	}
	return Initialized
}

func (m *Machine) SetMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
}

// Metadata returns a copy of the metadata bag.
func (m *Machine) Metadata() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.metadata)
}

// Snapshot captures the machine state for persistence.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]Transition, len(m.history))
	copy(history, m.history)
	return Snapshot{
		JobID:        m.jobID,
		CurrentState: m.current,
		Progress:     m.current.Progress(),
		History:      history,
		Metadata:     maps.Clone(m.metadata),
	}
}

// ToMap renders the snapshot as a plain JSON-compatible map.
func (m *Machine) ToMap() (map[string]any, error) {
	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state machine: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state machine: %w", err)
	}
	return out, nil
}

// FromSnapshot restores a machine.
func FromSnapshot(s Snapshot) (*Machine, error) {
	if !s.CurrentState.Valid() {
		return nil, fmt.Errorf("unknown state %q in snapshot", s.CurrentState)
	}
	m := New(s.JobID)
	m.current = s.CurrentState
	m.history = append([]Transition(nil), s.History...)
	if s.Metadata != nil {
		m.metadata = maps.Clone(s.Metadata)
	}
	return m, nil
}

// FromMap restores a machine from the output of ToMap, including maps that
// went through a JSON round trip.
func FromMap(data map[string]any) (*Machine, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state machine map: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state machine: %w", err)
	}
	return FromSnapshot(s)
}
