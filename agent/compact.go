package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/martinemde/pilot/llm"
)

// Compaction defaults: compaction triggers when the history reaches the
// ceiling and keeps the most recent messages verbatim.
const (
	DefaultCompactCeiling    = 50
	DefaultCompactKeepRecent = 20
)

const summarizePrompt = `Summarize the conversation so far for your own future reference. Capture:
- what the user asked for and any constraints they stated
- files examined or modified, and the important findings in each
- decisions made and the reasoning behind them
- work still outstanding

Write a dense, factual summary. Do not address the user.`

// Compactor bounds conversation growth by replacing the middle of the
// history with a model-written summary. The priming head and the most recent
// messages survive verbatim.
type Compactor struct {
	client     *llm.Client
	model      string
	ceiling    int
	keepRecent int
	logger     *slog.Logger
}

// NewCompactor builds a compactor using client for summarization requests.
func NewCompactor(client *llm.Client, model string, ceiling, keepRecent int, logger *slog.Logger) *Compactor {
	if ceiling <= 0 {
		ceiling = DefaultCompactCeiling
	}
	if keepRecent <= 0 {
		keepRecent = DefaultCompactKeepRecent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		client:     client,
		model:      model,
		ceiling:    ceiling,
		keepRecent: keepRecent,
		logger:     logger,
	}
}

// NeedsCompaction reports whether the conversation has hit the ceiling.
func (c *Compactor) NeedsCompaction(conv *Conversation) bool {
	return conv.Len() >= c.ceiling
}

// Compact summarizes the middle of the conversation and replaces it with a
// single system message. The leading priming messages and the trailing
// keepRecent messages are preserved verbatim. When the keepRecent boundary
// would land inside a tool-call group, the summarized range extends past the
// group's tool results, so the kept tail may be shorter than keepRecent but
// never opens with a tool result whose calling assistant message was
// summarized away.
//
// Failure to summarize leaves the conversation untouched; the next turn
// simply tries again.
func (c *Compactor) Compact(ctx context.Context, conv *Conversation) error {
	msgs := conv.Messages()
	start := conv.PrimingLen()
	end := len(msgs) - c.keepRecent
	if end <= start {
		return nil
	}

	// A tool result must stay in the same range as the assistant message
	// that issued the call.
	for end < len(msgs) && msgs[end].Role == llm.RoleTool {
		end++
	}

	middle := msgs[start:end]
	summary, err := c.summarize(ctx, middle)
	if err != nil {
		c.logger.Warn("compaction failed; keeping full history", "error", err)
		return fmt.Errorf("compact conversation: %w", err)
	}

	msg := Message{
		Role:      llm.RoleSystem,
		Content:   "Summary of earlier conversation:\n\n" + summary,
		Timestamp: time.Now(),
	}
	if err := conv.ReplaceRange(start, end, msg); err != nil {
		return err
	}
	c.logger.Info("compacted conversation",
		"summarized", len(middle), "kept_recent", len(msgs)-end)
	return nil
}

// summarize sends the middle range plus the summarization instruction as a
// tool-less request. Tool definitions are deliberately absent so the model
// cannot answer with calls instead of prose.
func (c *Compactor) summarize(ctx context.Context, middle []Message) (string, error) {
	messages := make([]llm.Message, 0, len(middle)+1)
	for _, msg := range middle {
		messages = append(messages, flattenForSummary(msg))
	}
	messages = append(messages, llm.UserMessage(summarizePrompt))

	result, err := c.client.Complete(ctx, llm.Request{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(result.Content)
	if summary == "" {
		return "", fmt.Errorf("summarization returned no content")
	}
	return summary, nil
}

// flattenForSummary renders tool traffic as plain text. The summarizer only
// needs to read what happened, not replay it.
func flattenForSummary(msg Message) llm.Message {
	switch msg.Role {
	case llm.RoleAssistant:
		text := msg.Content
		for _, call := range msg.ToolCalls {
			text += fmt.Sprintf("\n[called %s with %s]", call.Name, call.Arguments)
		}
		return llm.AssistantMessage(text)
	case llm.RoleTool:
		status := "ok"
		if msg.IsError {
			status = "error"
		}
		return llm.UserMessage(fmt.Sprintf("[tool result (%s)]: %s", status, Excerpt(msg.Content, 1500, 500)))
	case llm.RoleSystem:
		return llm.SystemMessage(msg.Content)
	default:
		return llm.UserMessage(msg.Content)
	}
}
