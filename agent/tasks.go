package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/pilot/llm"
)

// TaskType selects a specialist role for a delegated task.
type TaskType string

const (
	TaskExplorer TaskType = "explorer"
	TaskCoder    TaskType = "coder"
	TaskReviewer TaskType = "reviewer"
	TaskTester   TaskType = "tester"
)

// Thoroughness tunes how much work a delegated task may do.
type Thoroughness string

const (
	ThoroughnessQuick    Thoroughness = "quick"
	ThoroughnessMedium   Thoroughness = "medium"
	ThoroughnessThorough Thoroughness = "thorough"
)

// RoundLimit maps thoroughness to a tool-round ceiling. Unknown values get
// the medium ceiling.
func (t Thoroughness) RoundLimit() int {
	switch t {
	case ThoroughnessQuick:
		return 4
	case ThoroughnessThorough:
		return 16
	default:
		return 8
	}
}

// TaskState is the lifecycle stage of a delegated task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Task records one delegated unit of work. The parent conversation only ever
// sees Summary, never the task's full transcript.
type Task struct {
	ID           string       `json:"id"`
	Type         TaskType     `json:"type"`
	Prompt       string       `json:"prompt"`
	Thoroughness Thoroughness `json:"thoroughness"`
	State        TaskState    `json:"state"`
	Summary      string       `json:"summary,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
}

// TaskSpec is a request for one delegated task.
type TaskSpec struct {
	Type         TaskType     `json:"type"`
	Prompt       string       `json:"prompt"`
	Thoroughness Thoroughness `json:"thoroughness,omitempty"`
}

// taskProfile shapes one specialist: its standing instructions and the
// subset of tools it may use.
type taskProfile struct {
	preamble string
	tools    []string
}

var taskProfiles = map[TaskType]taskProfile{
	TaskExplorer: {
		preamble: "You are a focused code exploration assistant. Investigate the question using read-only tools and report what you find. Do not modify anything.",
		tools:    []string{ToolView, ToolSearch, ToolShellExecute},
	},
	TaskCoder: {
		preamble: "You are a focused coding assistant. Make the requested change with minimal, careful edits, then report exactly what you changed.",
		tools:    []string{ToolView, ToolSearch, ToolCreate, ToolEdit, ToolBatchEdit, ToolShellExecute},
	},
	TaskReviewer: {
		preamble: "You are a code review assistant. Read the relevant code and report concrete problems and risks. Do not modify anything.",
		tools:    []string{ToolView, ToolSearch},
	},
	TaskTester: {
		preamble: "You are a test-running assistant. Run the relevant tests or checks and report the results, including failures verbatim.",
		tools:    []string{ToolView, ToolSearch, ToolShellExecute},
	},
}

// Bounds for the summary handed back to the parent conversation.
const (
	taskSummaryHead = 4000
	taskSummaryTail = 2000
)

// Orchestrator runs delegated tasks in isolated agent loops. Each task gets
// its own conversation; nothing leaks into the parent history except the
// bounded summary.
type Orchestrator struct {
	client  *llm.Client
	env     Environment
	gate    *Gate
	baseCfg Config
	logger  *slog.Logger

	// depth guards against delegation chains: tasks spawned at the maximum
	// depth cannot delegate further.
	depth    int
	maxDepth int

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewOrchestrator builds a task orchestrator sharing the parent's client,
// environment, and confirmation gate. baseCfg supplies model and provider;
// per-task settings override the rest.
func NewOrchestrator(client *llm.Client, env Environment, gate *Gate, baseCfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		env:      env,
		gate:     gate,
		baseCfg:  baseCfg,
		logger:   logger,
		maxDepth: 2,
		tasks:    make(map[string]*Task),
	}
}

// Attach wires the orchestrator into a dispatcher as the handler for
// delegation-prefixed tools and registers their model-facing definitions.
func (o *Orchestrator) Attach(d *Dispatcher) {
	d.SetDelegate(o.handleCall)
	for taskType := range taskProfiles {
		profile := taskProfiles[taskType]
		d.Register(&Tool{
			Name: DelegationPrefix + string(taskType),
			Description: fmt.Sprintf(
				"Delegate a self-contained unit of work to a %s sub-agent. %s Returns a bounded summary, not a transcript.",
				taskType, profile.preamble),
			Schema: schemaFor(&TaskSpec{}),
			Handler: func(ctx context.Context, raw json.RawMessage) *ToolResult {
				return o.handleCall(ctx, llm.ToolCall{
					Name:      DelegationPrefix + string(taskType),
					Arguments: raw,
				})
			},
		})
	}
}

// Task returns a copy of the task with the given id.
func (o *Orchestrator) Task(id string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tracked tasks.
func (o *Orchestrator) Tasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	return out
}

func (o *Orchestrator) setState(id string, state TaskState, summary, errText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return
	}
	t.State = state
	t.Summary = summary
	t.Error = errText
	if state == TaskCompleted || state == TaskFailed {
		t.CompletedAt = time.Now()
	}
}

// ExecuteTask runs one delegated task to completion and returns its final
// record. The task runs in a fresh loop with the role's preamble and tool
// subset; its round ceiling comes from the thoroughness tier.
func (o *Orchestrator) ExecuteTask(ctx context.Context, spec TaskSpec) (Task, error) {
	profile, ok := taskProfiles[spec.Type]
	if !ok {
		return Task{}, fmt.Errorf("unknown task type %q", spec.Type)
	}
	if spec.Prompt == "" {
		return Task{}, fmt.Errorf("task prompt must not be empty")
	}
	if o.depth >= o.maxDepth {
		return Task{}, fmt.Errorf("delegation depth limit (%d) reached", o.maxDepth)
	}

	task := &Task{
		ID:           uuid.NewString(),
		Type:         spec.Type,
		Prompt:       spec.Prompt,
		Thoroughness: spec.Thoroughness,
		State:        TaskPending,
		CreatedAt:    time.Now(),
	}
	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	o.logger.Info("starting delegated task",
		"task_id", task.ID, "type", spec.Type, "thoroughness", spec.Thoroughness)
	o.setState(task.ID, TaskRunning, "", "")

	summary, err := o.runIsolated(ctx, profile, spec)
	if err != nil {
		o.setState(task.ID, TaskFailed, summary, err.Error())
	} else {
		o.setState(task.ID, TaskCompleted, summary, "")
	}

	final, _ := o.Task(task.ID)
	return final, err
}

// runIsolated drives the task's private loop and collects its bounded
// summary.
func (o *Orchestrator) runIsolated(ctx context.Context, profile taskProfile, spec TaskSpec) (string, error) {
	dispatcher := NewDispatcher(o.env, o.gate)
	if o.depth+1 < o.maxDepth {
		child := &Orchestrator{
			client:   o.client,
			env:      o.env,
			gate:     o.gate,
			baseCfg:  o.baseCfg,
			logger:   o.logger,
			depth:    o.depth + 1,
			maxDepth: o.maxDepth,
			tasks:    make(map[string]*Task),
		}
		child.Attach(dispatcher)
	}

	cfg := o.baseCfg
	cfg.Preamble = profile.preamble
	cfg.MaxToolRounds = spec.Thoroughness.RoundLimit()
	cfg.AllowedTools = append([]string(nil), profile.tools...)

	loop, err := NewLoop(o.client, dispatcher, cfg, o.logger)
	if err != nil {
		return "", err
	}

	events, err := loop.Submit(spec.Prompt)
	if err != nil {
		return "", err
	}

	var content strings.Builder
	var taskErr error
	for {
		select {
		case <-ctx.Done():
			loop.CancelTurn()
			// Keep draining; the loop closes the channel after it winds
			// down.
			for range events {
			}
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				summary := strings.TrimSpace(content.String())
				if summary == "" && taskErr == nil {
					summary = "(task produced no final response)"
				}
				return Excerpt(summary, taskSummaryHead, taskSummaryTail), taskErr
			}
			switch ev.Kind {
			case EventContent:
				if text, ok := ev.Data["text"].(string); ok {
					content.WriteString(text)
				}
			case EventError:
				msg, _ := ev.Data["error"].(string)
				taskErr = fmt.Errorf("task failed: %s", msg)
			case EventCancelled:
				taskErr = fmt.Errorf("task was cancelled")
			}
		}
	}
}

// ExecuteSequential runs specs one after another, stopping at the first
// failure.
func (o *Orchestrator) ExecuteSequential(ctx context.Context, specs []TaskSpec) ([]Task, error) {
	results := make([]Task, 0, len(specs))
	for _, spec := range specs {
		task, err := o.ExecuteTask(ctx, spec)
		results = append(results, task)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ExecuteParallel runs specs concurrently, at most limit at a time. All
// tasks run to completion; the first error is returned alongside the full
// result set.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, specs []TaskSpec, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 4
	}
	results := make([]Task, len(specs))

	g := &errgroup.Group{}
	g.SetLimit(limit)
	for i, spec := range specs {
		g.Go(func() error {
			task, err := o.ExecuteTask(ctx, spec)
			results[i] = task
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// handleCall adapts a delegation tool call into a task execution.
func (o *Orchestrator) handleCall(ctx context.Context, call llm.ToolCall) *ToolResult {
	taskType := TaskType(strings.TrimPrefix(call.Name, DelegationPrefix))

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	spec, fail := decodeArgs[TaskSpec](args)
	if fail != nil {
		return fail
	}
	spec.Type = taskType
	if spec.Thoroughness == "" {
		spec.Thoroughness = ThoroughnessMedium
	}

	task, err := o.ExecuteTask(ctx, spec)
	if err != nil {
		result := failureResult("%v", err)
		if task.Summary != "" {
			result.Output = task.Summary
		}
		return result
	}
	result := successResult(task.Summary)
	result.Metadata = map[string]any{"task_id": task.ID, "task_type": string(task.Type)}
	return result
}
