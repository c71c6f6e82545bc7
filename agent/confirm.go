package agent

import "sync"

// OperationClass groups side-effecting operations for standing acceptance.
type OperationClass string

const (
	OpFileCreate OperationClass = "file_create"
	OpFileEdit   OperationClass = "file_edit"
	OpShell      OperationClass = "shell"
)

// Operation describes a side effect awaiting confirmation.
type Operation struct {
	Class       OperationClass `json:"class"`
	Description string         `json:"description"`
	Detail      string         `json:"detail,omitempty"`
}

// Decision is the gate's answer for one operation.
type Decision struct {
	Confirmed          bool   `json:"confirmed"`
	Feedback           string `json:"feedback,omitempty"`
	StandingAcceptance bool   `json:"standing_acceptance,omitempty"`
}

// ConfirmFunc asks the external confirmation collaborator about one
// operation. Its UI is not this package's concern.
type ConfirmFunc func(op Operation) Decision

// Gate is the session-scoped confirmation gate. Standing acceptance flags
// live here, scoped to one session, reset explicitly — never process-wide.
type Gate struct {
	ask      ConfirmFunc
	standing map[OperationClass]bool
	mu       sync.Mutex
}

// NewGate creates a gate backed by ask. A nil ask approves everything
// (non-interactive sessions).
func NewGate(ask ConfirmFunc) *Gate {
	return &Gate{ask: ask, standing: make(map[OperationClass]bool)}
}

// Confirm resolves the decision for op, consulting standing acceptance
// before asking the collaborator. An affirmative decision that carries
// StandingAcceptance covers the whole operation class for the rest of the
// session.
func (g *Gate) Confirm(op Operation) Decision {
	g.mu.Lock()
	if g.standing[op.Class] {
		g.mu.Unlock()
		return Decision{Confirmed: true, StandingAcceptance: true}
	}
	ask := g.ask
	g.mu.Unlock()

	if ask == nil {
		return Decision{Confirmed: true}
	}

	decision := ask(op)
	if decision.Confirmed && decision.StandingAcceptance {
		g.mu.Lock()
		g.standing[op.Class] = true
		g.mu.Unlock()
	}
	return decision
}

// Accepted reports whether a class currently has standing acceptance.
func (g *Gate) Accepted(class OperationClass) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.standing[class]
}

// Reset clears all standing acceptance flags.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.standing = make(map[OperationClass]bool)
}
