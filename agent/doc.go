// Package agent orchestrates conversation turns for an interactive coding
// assistant: it submits the history to a model, executes the tools the model
// requests, and repeats until the model answers in plain content or a bound
// is hit.
//
// The moving parts are a phase machine that guards which side effects are
// legal at each stage of a turn, a dispatcher that owns the tool registry, a
// confirmation gate for side-effecting operations, a compactor that bounds
// history growth, and an orchestrator that runs delegated tasks in isolated
// loops. Callers observe a turn through its ordered event stream; the
// conversation's message list stays authoritative for what the model sees.
package agent
