package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/martinemde/pilot/llm"
)

func TestThoroughnessRoundLimits(t *testing.T) {
	cases := map[Thoroughness]int{
		ThoroughnessQuick:     4,
		ThoroughnessMedium:    8,
		ThoroughnessThorough:  16,
		Thoroughness("bogus"): 8,
	}
	for tier, want := range cases {
		if got := tier.RoundLimit(); got != want {
			t.Errorf("RoundLimit(%s) = %d, want %d", tier, got, want)
		}
	}
}

func testOrchestrator(t *testing.T, transport *scriptedTransport) *Orchestrator {
	t.Helper()
	client := llm.NewClient(llm.WithTransport(transport))
	env := NewLocalEnvironment(t.TempDir())
	return NewOrchestrator(client, env, NewGate(nil), Config{Model: "test-model"}, nil)
}

func TestExecuteTaskCompletes(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("The config loader lives in config/config.go."),
	}}
	o := testOrchestrator(t, transport)

	task, err := o.ExecuteTask(context.Background(), TaskSpec{
		Type:         TaskExplorer,
		Prompt:       "find the config loader",
		Thoroughness: ThoroughnessQuick,
	})
	if err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if task.State != TaskCompleted {
		t.Errorf("state = %s, want completed", task.State)
	}
	if !strings.Contains(task.Summary, "config loader lives") {
		t.Errorf("summary = %q", task.Summary)
	}
	if task.ID == "" || task.CompletedAt.IsZero() {
		t.Error("task record missing id or completion time")
	}

	// The registry tracks the finished task.
	tracked, ok := o.Task(task.ID)
	if !ok || tracked.State != TaskCompleted {
		t.Errorf("registry lookup = %+v, %v", tracked, ok)
	}
}

func TestExecuteTaskUnknownType(t *testing.T) {
	o := testOrchestrator(t, &scriptedTransport{responses: []scriptedResponse{contentResponse("x")}})
	if _, err := o.ExecuteTask(context.Background(), TaskSpec{Type: "wizard", Prompt: "p"}); err == nil {
		t.Error("unknown task type should error")
	}
	if _, err := o.ExecuteTask(context.Background(), TaskSpec{Type: TaskExplorer}); err == nil {
		t.Error("empty prompt should error")
	}
}

func TestExecuteTaskFailureRecorded(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		{err: &llm.ServerError{EndpointError: llm.EndpointError{
			TransportError: llm.TransportError{Message: "down"},
			StatusCode:     500,
		}}},
	}}
	o := testOrchestrator(t, transport)

	task, err := o.ExecuteTask(context.Background(), TaskSpec{
		Type:   TaskReviewer,
		Prompt: "review the diff",
	})
	if err == nil {
		t.Fatal("expected task failure")
	}
	if task.State != TaskFailed {
		t.Errorf("state = %s, want failed", task.State)
	}
	if task.Error == "" {
		t.Error("failed task should record its error")
	}
}

func TestExecuteTaskBoundsSummary(t *testing.T) {
	long := strings.Repeat("finding ", 2000) // ~16k chars
	transport := &scriptedTransport{responses: []scriptedResponse{contentResponse(long)}}
	o := testOrchestrator(t, transport)

	task, err := o.ExecuteTask(context.Background(), TaskSpec{
		Type:   TaskExplorer,
		Prompt: "explore everything",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Summary) > taskSummaryHead+taskSummaryTail+100 {
		t.Errorf("summary length = %d, want bounded", len(task.Summary))
	}
	if !strings.Contains(task.Summary, "characters omitted") {
		t.Error("bounded summary should carry the omission marker")
	}
}

func TestExecuteSequentialStopsOnFailure(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("ok"),
	}}
	o := testOrchestrator(t, transport)

	specs := []TaskSpec{
		{Type: TaskExplorer, Prompt: "first"},
		{Type: "wizard", Prompt: "second"},
		{Type: TaskExplorer, Prompt: "third"},
	}
	results, err := o.ExecuteSequential(context.Background(), specs)
	if err == nil {
		t.Fatal("expected failure on the second spec")
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2 (stop at failure)", len(results))
	}
	if results[0].State != TaskCompleted {
		t.Errorf("first task state = %s", results[0].State)
	}
}

func TestExecuteParallelRunsAll(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("done"),
	}}
	o := testOrchestrator(t, transport)

	specs := []TaskSpec{
		{Type: TaskExplorer, Prompt: "a"},
		{Type: TaskReviewer, Prompt: "b"},
		{Type: TaskTester, Prompt: "c"},
	}
	results, err := o.ExecuteParallel(context.Background(), specs, 2)
	if err != nil {
		t.Fatalf("ExecuteParallel failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, task := range results {
		if task.State != TaskCompleted {
			t.Errorf("task %d state = %s, want completed", i, task.State)
		}
	}
}

func TestDelegationToolCall(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("explored: nothing suspicious"),
	}}
	client := llm.NewClient(llm.WithTransport(transport))
	env := NewLocalEnvironment(t.TempDir())
	gate := NewGate(nil)
	o := NewOrchestrator(client, env, gate, Config{Model: "test-model"}, nil)

	d := NewDispatcher(env, gate)
	o.Attach(d)

	defs := d.Definitions(nil)
	var found bool
	for _, def := range defs {
		if def.Name == DelegationPrefix+string(TaskExplorer) {
			found = true
		}
	}
	if !found {
		t.Fatal("delegation tools missing from definitions")
	}

	result := d.Execute(context.Background(), llm.ToolCall{
		ID:        "call-1",
		Name:      DelegationPrefix + string(TaskExplorer),
		Arguments: json.RawMessage(`{"prompt":"look around"}`),
	})
	if !result.Success {
		t.Fatalf("delegated call failed: %s", result.Error)
	}
	if !strings.Contains(result.Output, "nothing suspicious") {
		t.Errorf("output = %q", result.Output)
	}
	if result.Metadata["task_type"] != string(TaskExplorer) {
		t.Errorf("metadata = %v", result.Metadata)
	}
}
