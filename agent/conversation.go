package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/pilot/llm"
)

// Message is one entry in the conversation history. The list is append-only
// except during compaction, which replaces a contiguous middle range with a
// summary message.
type Message struct {
	Role       llm.Role       `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ChatEntryKind discriminates UI-facing history entries.
type ChatEntryKind string

const (
	EntryUser       ChatEntryKind = "user"
	EntryAssistant  ChatEntryKind = "assistant"
	EntryToolCall   ChatEntryKind = "tool_call"
	EntryToolResult ChatEntryKind = "tool_result"
)

// ChatEntry is a derived projection of the history for display. The Message
// list stays authoritative for what is sent back to the model.
type ChatEntry struct {
	Kind      ChatEntryKind `json:"kind"`
	Text      string        `json:"text,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Conversation owns the message list for one agent loop instance. It is
// mutated only by that loop.
type Conversation struct {
	messages   []Message
	primingLen int
	mu         sync.Mutex
}

const assistantAck = "Understood. I'm ready to help with your coding tasks. I'll use the available tools to read, edit, and run code as needed."

// NewConversation builds the conversation head for the given preamble.
//
// When priming is set, the head is a synthetic user/assistant exchange
// rather than a raw system message: the targeted endpoints stop emitting
// reasoning output when a system message is combined with tool definitions
// in the first position. Which mode applies belongs to the transport
// adapter, not this package.
func NewConversation(preamble string, priming bool) *Conversation {
	c := &Conversation{}
	if priming {
		now := time.Now()
		c.messages = append(c.messages,
			Message{Role: llm.RoleUser, Content: preamble, Timestamp: now},
			Message{Role: llm.RoleAssistant, Content: assistantAck, Timestamp: now},
		)
	} else {
		c.messages = append(c.messages, Message{
			Role: llm.RoleSystem, Content: preamble, Timestamp: time.Now(),
		})
	}
	c.primingLen = len(c.messages)
	return c
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// PrimingLen returns how many leading messages form the fixed priming head.
func (c *Conversation) PrimingLen() int { return c.primingLen }

// AppendUser appends a user message.
func (c *Conversation) AppendUser(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: llm.RoleUser, Content: text, Timestamp: time.Now()})
}

// AppendAssistant appends an assistant message, optionally carrying tool calls.
func (c *Conversation) AppendAssistant(text string, calls []llm.ToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{
		Role: llm.RoleAssistant, Content: text, ToolCalls: calls, Timestamp: time.Now(),
	})
}

// AppendToolResult appends a tool-role message answering toolCallID. The id
// must belong to a not-yet-answered call of the immediately preceding
// assistant message.
func (c *Conversation) AppendToolResult(toolCallID, content string, isError bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pendingToolCallsLocked()
	if !pending[toolCallID] {
		return fmt.Errorf("tool result references unknown or already answered call %q", toolCallID)
	}
	c.messages = append(c.messages, Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		IsError:    isError,
		Timestamp:  time.Now(),
	})
	return nil
}

// AppendSystem appends a system message (steering notices and the like).
func (c *Conversation) AppendSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: llm.RoleSystem, Content: text, Timestamp: time.Now()})
}

// pendingToolCallsLocked returns the unanswered call ids of the most recent
// assistant message, provided only tool results follow it.
func (c *Conversation) pendingToolCallsLocked() map[string]bool {
	answered := make(map[string]bool)
	for i := len(c.messages) - 1; i >= 0; i-- {
		msg := c.messages[i]
		switch msg.Role {
		case llm.RoleTool:
			answered[msg.ToolCallID] = true
			continue
		case llm.RoleAssistant:
			pending := make(map[string]bool)
			for _, call := range msg.ToolCalls {
				if !answered[call.ID] {
					pending[call.ID] = true
				}
			}
			return pending
		}
		break
	}
	return nil
}

// Messages returns a copy of the message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ReplaceRange replaces messages[start:end] with the single summary message.
// Used exclusively by the compactor.
func (c *Conversation) ReplaceRange(start, end int, summary Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start < 0 || end > len(c.messages) || start >= end {
		return fmt.Errorf("invalid replace range [%d:%d) of %d messages", start, end, len(c.messages))
	}
	replaced := make([]Message, 0, len(c.messages)-(end-start)+1)
	replaced = append(replaced, c.messages[:start]...)
	replaced = append(replaced, summary)
	replaced = append(replaced, c.messages[end:]...)
	c.messages = replaced
	return nil
}

// Entries projects the history into UI-facing chat entries. The priming
// head is omitted; it is plumbing, not dialogue.
func (c *Conversation) Entries() []ChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []ChatEntry
	for i, msg := range c.messages {
		if i < c.primingLen {
			continue
		}
		switch msg.Role {
		case llm.RoleUser:
			entries = append(entries, ChatEntry{Kind: EntryUser, Text: msg.Content, Timestamp: msg.Timestamp})
		case llm.RoleAssistant:
			if msg.Content != "" {
				entries = append(entries, ChatEntry{Kind: EntryAssistant, Text: msg.Content, Timestamp: msg.Timestamp})
			}
			for _, call := range msg.ToolCalls {
				entries = append(entries, ChatEntry{
					Kind: EntryToolCall, ToolName: call.Name,
					Text: string(call.Arguments), Timestamp: msg.Timestamp,
				})
			}
		case llm.RoleTool:
			entries = append(entries, ChatEntry{
				Kind: EntryToolResult, Text: msg.Content,
				IsError: msg.IsError, Timestamp: msg.Timestamp,
			})
		}
	}
	return entries
}

// RequestMessages converts the history into transport messages.
func (c *Conversation) RequestMessages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]llm.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, llm.SystemMessage(msg.Content))
		case llm.RoleUser:
			out = append(out, llm.UserMessage(msg.Content))
		case llm.RoleAssistant:
			m := llm.Message{Role: llm.RoleAssistant}
			if msg.Content != "" {
				m.Content = append(m.Content, llm.TextPart(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				m.Content = append(m.Content, llm.ToolCallPart(call.ID, call.Name, call.Arguments))
			}
			out = append(out, m)
		case llm.RoleTool:
			out = append(out, llm.ToolResultMessage(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	return out
}

// approxTokens estimates the token footprint of the history at ~4 chars per
// token, matching the transport's own estimate.
func (c *Conversation) approxTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	chars := 0
	for _, msg := range c.messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	return chars / 4
}
