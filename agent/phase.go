package agent

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the current stage of a conversation turn.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseThinking       Phase = "thinking"
	PhasePlanningTools  Phase = "planning_tools"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseResponding     Phase = "responding"
	PhaseDone           Phase = "done"
	PhaseError          Phase = "error"
)

// phaseTransitions is the full table of legal transitions. Anything absent
// is an orchestration bug, not a recoverable condition.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseThinking},
	PhaseThinking:       {PhasePlanningTools, PhaseResponding, PhaseDone, PhaseError},
	PhasePlanningTools:  {PhaseExecutingTools, PhaseError},
	PhaseExecutingTools: {PhaseThinking, PhaseResponding, PhaseDone, PhaseError},
	PhaseResponding:     {PhaseDone, PhaseError},
	PhaseDone:           {PhaseIdle},
	PhaseError:          {PhaseIdle},
}

// InvalidTransitionError reports an attempt to move between phases the table
// does not allow.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition: %s -> %s", e.From, e.To)
}

// PhaseChange is one recorded transition.
type PhaseChange struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// PhaseCheckpoint captures machine state for error-recovery rollback.
type PhaseCheckpoint struct {
	Phase      Phase
	HistoryLen int
}

// PhaseMachine guards which side effects are legal at any point in a turn.
// It records a timestamped transition history for diagnostics.
type PhaseMachine struct {
	current Phase
	history []PhaseChange
	mu      sync.Mutex
}

// NewPhaseMachine creates a machine in the idle phase.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{current: PhaseIdle}
}

// Phase returns the current phase.
func (m *PhaseMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to the target phase. An illegal move records and enters
// the error phase, then returns an InvalidTransitionError: the turn must
// halt, never continue past it.
func (m *PhaseMachine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range phaseTransitions[m.current] {
		if allowed == to {
			m.history = append(m.history, PhaseChange{From: m.current, To: to, At: time.Now()})
			m.current = to
			return nil
		}
	}

	err := &InvalidTransitionError{From: m.current, To: to}
	m.history = append(m.history, PhaseChange{From: m.current, To: PhaseError, At: time.Now()})
	m.current = PhaseError
	return err
}

// Reset returns the machine to idle at the start of a new user turn. Legal
// from done, error, and idle itself; a reset mid-turn is forced through the
// error phase so the history shows the interruption.
func (m *PhaseMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == PhaseIdle {
		return
	}
	if m.current != PhaseDone && m.current != PhaseError {
		m.history = append(m.history, PhaseChange{From: m.current, To: PhaseError, At: time.Now()})
		m.current = PhaseError
	}
	m.history = append(m.history, PhaseChange{From: m.current, To: PhaseIdle, At: time.Now()})
	m.current = PhaseIdle
}

// Checkpoint captures the current phase and history length.
func (m *PhaseMachine) Checkpoint() PhaseCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PhaseCheckpoint{Phase: m.current, HistoryLen: len(m.history)}
}

// Restore rolls the machine back to a previously captured checkpoint.
func (m *PhaseMachine) Restore(cp PhaseCheckpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = cp.Phase
	if cp.HistoryLen <= len(m.history) {
		m.history = m.history[:cp.HistoryLen]
	}
}

// History returns a copy of the transition history.
func (m *PhaseMachine) History() []PhaseChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make([]PhaseChange, len(m.history))
	copy(h, m.history)
	return h
}

// CanStreamContent reports whether final content may stream to the caller.
func (m *PhaseMachine) CanStreamContent() bool {
	return m.Phase() == PhaseResponding
}

// CanExecuteTools reports whether tool execution is legal right now.
func (m *PhaseMachine) CanExecuteTools() bool {
	return m.Phase() == PhaseExecutingTools
}

// CanShowThinking reports whether reasoning text may be shown.
func (m *PhaseMachine) CanShowThinking() bool {
	p := m.Phase()
	return p == PhaseThinking || p == PhasePlanningTools
}
