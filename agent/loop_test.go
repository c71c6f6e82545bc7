package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/pilot/llm"
)

// scriptedResponse is one canned model round.
type scriptedResponse struct {
	content   string
	reasoning string
	toolCalls []llm.ToolCallDelta
	finish    llm.FinishReason
	err       error
	usage     llm.Usage
}

func toolCallResponse(id, name, args string) scriptedResponse {
	return scriptedResponse{
		toolCalls: []llm.ToolCallDelta{{Index: 0, ID: id, Name: name, Arguments: args}},
		finish:    llm.FinishToolCalls,
	}
}

func contentResponse(text string) scriptedResponse {
	return scriptedResponse{content: text, finish: llm.FinishStop}
}

// scriptedTransport replays canned responses in order, repeating the last
// one when the script runs out. onSend, when set, fires synchronously before
// fragments are produced.
type scriptedTransport struct {
	responses []scriptedResponse
	priming   bool
	onSend    func(call int)

	mu    sync.Mutex
	calls int
}

func (t *scriptedTransport) Name() string              { return "scripted" }
func (t *scriptedTransport) UsesPrimingExchange() bool { return t.priming }

func (t *scriptedTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *scriptedTransport) Send(ctx context.Context, req llm.Request) (<-chan llm.Fragment, error) {
	t.mu.Lock()
	idx := t.calls
	t.calls++
	t.mu.Unlock()

	if t.onSend != nil {
		t.onSend(idx)
	}

	if idx >= len(t.responses) {
		idx = len(t.responses) - 1
	}
	resp := t.responses[idx]

	ch := make(chan llm.Fragment, 8)
	go func() {
		defer close(ch)
		ch <- llm.Fragment{Role: llm.RoleAssistant}
		if resp.err != nil {
			ch <- llm.Fragment{Err: resp.err}
			return
		}
		if resp.reasoning != "" {
			ch <- llm.Fragment{Reasoning: resp.reasoning}
		}
		if resp.content != "" {
			ch <- llm.Fragment{Content: resp.content}
		}
		if len(resp.toolCalls) > 0 {
			ch <- llm.Fragment{ToolCalls: resp.toolCalls}
		}
		final := llm.Fragment{FinishReason: resp.finish}
		if resp.usage.TotalTokens > 0 {
			final.Usage = &resp.usage
		}
		ch <- final
	}()
	return ch, nil
}

func testLoop(t *testing.T, transport *scriptedTransport, cfg Config) *Loop {
	t.Helper()
	client := llm.NewClient(llm.WithTransport(transport))
	dispatcher := NewDispatcher(NewLocalEnvironment(t.TempDir()), NewGate(nil))
	if cfg.Preamble == "" {
		cfg.Preamble = "You are a coding assistant."
	}
	loop, err := NewLoop(client, dispatcher, cfg, nil)
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return loop
}

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events; got %v", eventKinds(out))
		}
	}
}

func eventKinds(events []Event) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestLoopToolRoundThenResponse(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		toolCallResponse("call-1", ToolTodo, `{"action":"add","text":"check files"}`),
		contentResponse("All done: I added the item."),
	}}
	loop := testLoop(t, transport, Config{})

	events, err := loop.Submit("track a todo for me")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	all := collectEvents(t, events)

	var kinds []EventKind
	for _, ev := range all {
		if ev.Kind != EventTokenCount {
			kinds = append(kinds, ev.Kind)
		}
	}
	want := []EventKind{EventToolCalls, EventToolResult, EventContent, EventDone}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	if transport.sendCount() != 2 {
		t.Errorf("model called %d times, want 2", transport.sendCount())
	}
	if loop.Phase() != PhaseDone {
		t.Errorf("final phase = %s, want done", loop.Phase())
	}

	// The tool result must be in the history before the second request.
	entries := loop.History()
	var sawResult bool
	for _, e := range entries {
		if e.Kind == EntryToolResult && !e.IsError {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("history has no successful tool result entry")
	}
}

func TestLoopMaxToolRounds(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		toolCallResponse("call-1", ToolTodo, `{"action":"list"}`),
	}}
	loop := testLoop(t, transport, Config{MaxToolRounds: 3})

	events, err := loop.Submit("loop forever")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	if transport.sendCount() != 3 {
		t.Errorf("model called %d times, want exactly 3", transport.sendCount())
	}
	last := all[len(all)-1]
	if last.Kind != EventDone {
		t.Fatalf("terminal event = %s, want done", last.Kind)
	}
	if last.Data["reason"] != "max_tool_rounds" {
		t.Errorf("done reason = %v", last.Data["reason"])
	}
	var noticed bool
	for _, ev := range all {
		if ev.Kind == EventNotice {
			noticed = true
		}
	}
	if !noticed {
		t.Error("expected a notice before the max-rounds done event")
	}
}

func TestLoopCancelledBeforeToolExecution(t *testing.T) {
	var loop *Loop
	executed := false

	transport := &scriptedTransport{responses: []scriptedResponse{
		toolCallResponse("call-1", "marker", `{}`),
	}}
	// Cancel while the request is in flight: the stream still drains fully,
	// then the loop notices before any tool runs.
	transport.onSend = func(int) { loop.CancelTurn() }

	client := llm.NewClient(llm.WithTransport(transport))
	dispatcher := NewDispatcher(NewLocalEnvironment(t.TempDir()), NewGate(nil))
	dispatcher.Register(&Tool{
		Name:   "marker",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args json.RawMessage) *ToolResult {
			executed = true
			return successResult("ran")
		},
	})

	var err error
	loop, err = NewLoop(client, dispatcher, Config{Preamble: "assistant"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := loop.Submit("do something")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	if executed {
		t.Error("tool executed despite cancellation before execution")
	}
	last := all[len(all)-1]
	if last.Kind != EventCancelled {
		t.Errorf("terminal event = %s, want cancelled (all: %v)", last.Kind, eventKinds(all))
	}
}

func TestLoopStreamErrorProducesErrorEvent(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		{err: &llm.ServerError{EndpointError: llm.EndpointError{
			TransportError: llm.TransportError{Message: "upstream overloaded"},
			StatusCode:     503,
			Retryable:      true,
		}}},
	}}
	loop := testLoop(t, transport, Config{})

	events, err := loop.Submit("hello")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	last := all[len(all)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event = %s, want error", last.Kind)
	}
	if msg, _ := last.Data["error"].(string); !strings.Contains(msg, "upstream overloaded") {
		t.Errorf("error data = %v", last.Data)
	}
	if loop.Phase() != PhaseError {
		t.Errorf("final phase = %s, want error", loop.Phase())
	}
}

func TestLoopRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("ok"),
	}}
	transport.onSend = func(int) { <-release }
	loop := testLoop(t, transport, Config{})

	events, err := loop.Submit("first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Submit("second"); err != ErrTurnInProgress {
		t.Errorf("concurrent Submit error = %v, want ErrTurnInProgress", err)
	}
	close(release)
	collectEvents(t, events)

	// After the turn finishes a new submission is accepted.
	events, err = loop.Submit("third")
	if err != nil {
		t.Fatalf("Submit after completion failed: %v", err)
	}
	collectEvents(t, events)
}

func TestLoopDetectionAbortsRepeatedCalls(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		toolCallResponse("call-1", ToolTodo, `{"action":"list"}`),
	}}
	loop := testLoop(t, transport, Config{
		MaxToolRounds:       10,
		EnableLoopDetection: true,
		LoopWindow:          2,
	})

	events, err := loop.Submit("spin")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	last := all[len(all)-1]
	if last.Kind != EventError {
		t.Fatalf("terminal event = %s, want error (all: %v)", last.Kind, eventKinds(all))
	}
	if transport.sendCount() != 2 {
		t.Errorf("model called %d times, want 2 (abort on second repeat)", transport.sendCount())
	}
}

func TestLoopThinkingEvent(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		{content: "answer", reasoning: "let me think", finish: llm.FinishStop},
	}}
	loop := testLoop(t, transport, Config{})

	events, err := loop.Submit("question")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	var sawThinking bool
	for _, ev := range all {
		if ev.Kind == EventThinking {
			sawThinking = true
		}
	}
	if !sawThinking {
		t.Errorf("no thinking event in %v", eventKinds(all))
	}
}

func TestLoopContentChunking(t *testing.T) {
	long := strings.Repeat("word ", 300)
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse(long),
	}}
	loop := testLoop(t, transport, Config{ContentChunkSize: 100})

	events, err := loop.Submit("write a lot")
	if err != nil {
		t.Fatal(err)
	}
	all := collectEvents(t, events)

	var rebuilt strings.Builder
	chunks := 0
	for _, ev := range all {
		if ev.Kind == EventContent {
			chunks++
			text, _ := ev.Data["text"].(string)
			if len(text) > 100 {
				t.Errorf("chunk length %d exceeds configured size", len(text))
			}
			rebuilt.WriteString(text)
		}
	}
	if chunks < 2 {
		t.Errorf("expected multiple content chunks, got %d", chunks)
	}
	if rebuilt.String() != long {
		t.Error("concatenated chunks do not reproduce the response")
	}
}

func TestChunkStringRuneBoundaries(t *testing.T) {
	input := strings.Repeat("héllo wörld ", 20)
	chunks := chunkString(input, 16)

	var rebuilt strings.Builder
	for _, chunk := range chunks {
		if len(chunk) > 16 {
			t.Errorf("chunk %q exceeds 16 bytes", chunk)
		}
		if !strings.HasPrefix(input[rebuilt.Len():], chunk) {
			t.Fatalf("chunk %q breaks a rune", chunk)
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != input {
		t.Error("chunks do not reassemble the input")
	}
}
