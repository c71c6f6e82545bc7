package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/martinemde/pilot/llm"
)

func compactorWith(transport *scriptedTransport, ceiling, keepRecent int) *Compactor {
	client := llm.NewClient(llm.WithTransport(transport))
	return NewCompactor(client, "test-model", ceiling, keepRecent, nil)
}

func conversationOfLength(n int) *Conversation {
	c := NewConversation("preamble", false)
	for i := c.Len(); i < n; i++ {
		if i%2 == 0 {
			c.AppendUser(fmt.Sprintf("user message %d", i))
		} else {
			c.AppendAssistant(fmt.Sprintf("assistant message %d", i), nil)
		}
	}
	return c
}

func TestNeedsCompaction(t *testing.T) {
	comp := compactorWith(&scriptedTransport{responses: []scriptedResponse{contentResponse("s")}}, 10, 3)

	if comp.NeedsCompaction(conversationOfLength(9)) {
		t.Error("below ceiling should not need compaction")
	}
	if !comp.NeedsCompaction(conversationOfLength(10)) {
		t.Error("at ceiling should need compaction")
	}
}

func TestCompactPreservesHeadAndTail(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("the user and assistant discussed many things"),
	}}
	comp := compactorWith(transport, 10, 3)
	conv := conversationOfLength(20)

	tail := conv.Messages()[20-3:]

	if err := comp.Compact(context.Background(), conv); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// priming head + summary + keepRecent
	if got := conv.Len(); got != 1+1+3 {
		t.Fatalf("length after compaction = %d, want 5", got)
	}

	msgs := conv.Messages()
	if msgs[0].Content != "preamble" {
		t.Error("priming head not preserved")
	}
	if msgs[1].Role != llm.RoleSystem || !strings.Contains(msgs[1].Content, "discussed many things") {
		t.Errorf("summary message = %+v", msgs[1])
	}
	for i, want := range tail {
		got := msgs[2+i]
		if got.Content != want.Content || got.Role != want.Role {
			t.Errorf("trailing message %d changed: got %q, want %q", i, got.Content, want.Content)
		}
	}
}

func TestCompactTrailingCountInvariant(t *testing.T) {
	// 6 messages leaves a single-message middle; larger totals grow only the
	// summarized range.
	for _, total := range []int{6, 10, 25, 120} {
		transport := &scriptedTransport{responses: []scriptedResponse{contentResponse("summary")}}
		comp := compactorWith(transport, 10, 4)
		conv := conversationOfLength(total)

		if err := comp.Compact(context.Background(), conv); err != nil {
			t.Fatalf("Compact(%d messages) failed: %v", total, err)
		}
		if got := conv.Len(); got != 1+1+4 {
			t.Errorf("length after compacting %d messages = %d, want 6", total, got)
		}
	}
}

func TestCompactKeepsToolResultsWithTheirCalls(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		contentResponse("earlier tool work summarized"),
	}}
	comp := compactorWith(transport, 4, 3)

	conv := NewConversation("preamble", false)
	conv.AppendUser("show me the config loader")
	conv.AppendAssistant("", []llm.ToolCall{{
		ID: "call-1", Name: ToolView, Arguments: json.RawMessage(`{"path":"config.go"}`),
	}})
	if err := conv.AppendToolResult("call-1", "package config", false); err != nil {
		t.Fatal(err)
	}
	conv.AppendAssistant("the loader lives in config.go", nil)
	conv.AppendUser("thanks, now run the tests")

	// The raw cut would land on the tool result, stranding it without the
	// assistant message that issued call-1.
	if err := comp.Compact(context.Background(), conv); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	msgs := conv.Messages()
	for i, msg := range msgs {
		if msg.Role != llm.RoleTool {
			continue
		}
		if i == 0 || msgs[i-1].Role != llm.RoleAssistant || len(msgs[i-1].ToolCalls) == 0 {
			t.Fatalf("tool result at index %d has no answering assistant message", i)
		}
	}

	// The whole call/result group moved into the summarized range, so the
	// kept tail is one shorter than keepRecent but starts on a clean message.
	want := []llm.Role{llm.RoleSystem, llm.RoleSystem, llm.RoleAssistant, llm.RoleUser}
	if len(msgs) != len(want) {
		t.Fatalf("length after compaction = %d, want %d", len(msgs), len(want))
	}
	for i, role := range want {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if !strings.Contains(msgs[1].Content, "summarized") {
		t.Errorf("summary message = %q", msgs[1].Content)
	}
}

func TestCompactSkipsWhenNothingToSummarize(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{contentResponse("summary")}}
	comp := compactorWith(transport, 10, 8)
	conv := conversationOfLength(9)

	// 9 messages with 8 kept and 1 priming leaves no middle.
	if err := comp.Compact(context.Background(), conv); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if conv.Len() != 9 {
		t.Errorf("length = %d, want untouched 9", conv.Len())
	}
	if transport.sendCount() != 0 {
		t.Errorf("summarization requested with empty middle")
	}
}

func TestCompactFailureLeavesHistoryUntouched(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		{err: &llm.ServerError{EndpointError: llm.EndpointError{
			TransportError: llm.TransportError{Message: "boom"},
			StatusCode:     500,
		}}},
	}}
	comp := compactorWith(transport, 10, 3)
	conv := conversationOfLength(20)
	before := conv.Messages()

	if err := comp.Compact(context.Background(), conv); err == nil {
		t.Fatal("expected compaction error")
	}

	after := conv.Messages()
	if len(after) != len(before) {
		t.Fatalf("length changed on failure: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].Content != before[i].Content {
			t.Fatalf("message %d changed on failure", i)
		}
	}
}

func TestSummarizationRequestCarriesNoTools(t *testing.T) {
	var captured llm.Request
	transport := &scriptedTransport{responses: []scriptedResponse{contentResponse("summary")}}
	client := llm.NewClient(llm.WithTransport(&capturingTransport{inner: transport, captured: &captured}))
	comp := NewCompactor(client, "test-model", 10, 3, nil)

	conv := conversationOfLength(20)
	if err := comp.Compact(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	if len(captured.Tools) != 0 {
		t.Errorf("summarization request carried %d tool definitions", len(captured.Tools))
	}
	last := captured.Messages[len(captured.Messages)-1]
	if !strings.Contains(last.TextContent(), "Summarize") {
		t.Errorf("last request message = %q", last.TextContent())
	}
}

type capturingTransport struct {
	inner    *scriptedTransport
	captured *llm.Request
}

func (c *capturingTransport) Name() string              { return c.inner.Name() }
func (c *capturingTransport) UsesPrimingExchange() bool { return c.inner.UsesPrimingExchange() }
func (c *capturingTransport) Send(ctx context.Context, req llm.Request) (<-chan llm.Fragment, error) {
	*c.captured = req
	return c.inner.Send(ctx, req)
}
