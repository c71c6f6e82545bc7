package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/martinemde/pilot/llm"
)

// Tool names recognized by the dispatcher.
const (
	ToolView         = "view"
	ToolCreate       = "create"
	ToolEdit         = "edit"
	ToolBatchEdit    = "batch_edit"
	ToolShellExecute = "shell_execute"
	ToolSearch       = "search"
	ToolTodo         = "todo"
	ToolConfirmCheck = "confirm_check"
)

// DelegationPrefix marks tool names routed to the sub-agent orchestrator.
const DelegationPrefix = "task."

// ToolResult is the uniform outcome of one tool invocation. Execution never
// panics up through the dispatcher: failures become results with Success
// false so the model can read them and adjust.
type ToolResult struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func successResult(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output}
}

func failureResult(format string, args ...any) *ToolResult {
	return &ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ToolHandler executes one tool invocation with already-validated JSON args.
type ToolHandler func(ctx context.Context, args json.RawMessage) *ToolResult

// DelegateFunc handles delegation-prefixed calls that have no registry
// entry. It receives the whole call because the name selects the task kind.
type DelegateFunc func(ctx context.Context, call llm.ToolCall) *ToolResult

// Tool pairs a model-facing definition with its handler. classify, when set,
// names the side effect the invocation would perform so the dispatcher can
// route it through the confirmation gate first.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     ToolHandler
	classify    func(args json.RawMessage) *Operation
}

// Dispatcher owns the tool registry and executes model-requested calls.
type Dispatcher struct {
	tools    map[string]*Tool
	gate     *Gate
	delegate DelegateFunc
}

// NewDispatcher builds a dispatcher over the given environment, with gate
// guarding side-effecting operations. The registry starts with the built-in
// toolset.
func NewDispatcher(env Environment, gate *Gate) *Dispatcher {
	d := &Dispatcher{
		tools: make(map[string]*Tool),
		gate:  gate,
	}
	registerCoreTools(d, env)
	return d
}

// Register adds or replaces a tool.
func (d *Dispatcher) Register(t *Tool) {
	d.tools[t.Name] = t
}

// SetDelegate installs the fallback handler for delegation-prefixed tool
// names that have no registry entry of their own.
func (d *Dispatcher) SetDelegate(h DelegateFunc) {
	d.delegate = h
}

// Definitions returns the model-facing tool definitions, sorted by name,
// restricted to allowed names when the list is non-empty.
func (d *Dispatcher) Definitions(allowed []string) []llm.ToolDefinition {
	allow := map[string]bool{}
	for _, name := range allowed {
		allow[name] = true
	}

	var defs []llm.ToolDefinition
	for name, t := range d.tools {
		if len(allowed) > 0 && !allow[name] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool call to completion. Unknown names, malformed
// arguments, rejected confirmations, and handler failures all come back as
// failed results, never as errors or panics.
func (d *Dispatcher) Execute(ctx context.Context, call llm.ToolCall) *ToolResult {
	tool, ok := d.tools[call.Name]
	if !ok {
		if strings.HasPrefix(call.Name, DelegationPrefix) && d.delegate != nil {
			return d.safeRun(ctx, call, func(ctx context.Context, _ json.RawMessage) *ToolResult {
				return d.delegate(ctx, call)
			})
		}
		return failureResult("unknown tool %q; available tools: %s", call.Name, strings.Join(d.toolNames(), ", "))
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) {
		return failureResult("tool %s received malformed JSON arguments: %s", call.Name, Excerpt(string(args), 200, 0))
	}

	if tool.classify != nil {
		if op := tool.classify(args); op != nil {
			decision := d.gate.Confirm(*op)
			if !decision.Confirmed {
				result := failureResult("operation was not confirmed: %s", op.Description)
				if decision.Feedback != "" {
					result.Error += "; feedback: " + decision.Feedback
				}
				return result
			}
		}
	}

	return d.safeRun(ctx, call, tool.Handler)
}

func (d *Dispatcher) safeRun(ctx context.Context, call llm.ToolCall, h ToolHandler) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = failureResult("tool %s panicked: %v", call.Name, r)
		}
	}()
	result = h(ctx, call.Arguments)
	if result == nil {
		result = failureResult("tool %s returned no result", call.Name)
	}
	return result
}

func (d *Dispatcher) toolNames() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// schemaFor reflects a JSON schema for an argument struct. Definitions are
// inlined so the result stands alone as a tool parameter object.
func schemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
