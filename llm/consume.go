package llm

import "context"

// StreamResult is the fully materialized model response for one round. It is
// produced only after the fragment stream is drained; no partial result is
// ever observable by downstream logic.
type StreamResult struct {
	Thinking     string       `json:"thinking,omitempty"`
	Content      string       `json:"content,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// HasToolCalls reports whether the round requests tool execution. Both the
// terminal reason and a non-empty call list are required: a malformed stream
// may report calls without the tool_calls reason (or vice versa), and such
// mismatches are surfaced as plain text rather than executed.
func (r *StreamResult) HasToolCalls() bool {
	return r.FinishReason == FinishToolCalls && len(r.ToolCalls) > 0
}

// Consume drains the fragment stream to completion and returns the
// materialized result. It never yields intermediate state: the caller sees
// nothing until the transport closes the channel, a terminal error fragment
// arrives, or ctx is cancelled.
//
// On a terminal error fragment, everything accumulated up to the failure is
// still returned alongside the error so the caller can keep it for
// bookkeeping. If the transport never supplied a finish reason the result
// defaults to "stop". Cancellation stops the drain without error; the
// orchestrator observes ctx itself after Consume returns.
func Consume(ctx context.Context, fragments <-chan Fragment) (*StreamResult, error) {
	var acc Accumulated
	var streamErr error

drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case frag, ok := <-fragments:
			if !ok {
				break drain
			}
			if frag.Err != nil {
				streamErr = frag.Err
				break drain
			}
			acc = Reduce(acc, frag)
		}
	}

	if acc.FinishReason == "" {
		acc.FinishReason = FinishStop
	}

	return &StreamResult{
		Thinking:     acc.Reasoning,
		Content:      acc.Content,
		ToolCalls:    acc.FinalToolCalls(),
		FinishReason: acc.FinishReason,
		Usage:        acc.Usage,
	}, streamErr
}
