package llm

import "encoding/json"

// PartialToolCall is a tool-call entry under assembly. Name and Arguments
// grow by concatenation as deltas arrive for the entry's index.
type PartialToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	seen      bool
}

// Accumulated is an in-progress assistant message assembled from fragments.
// The zero value is a valid empty accumulator.
type Accumulated struct {
	Role         Role
	Content      string
	Reasoning    string
	ToolCalls    []PartialToolCall // sparse, addressed by delta index
	FinishReason FinishReason
	Usage        Usage
}

// Reduce merges one fragment into the accumulated message and returns the
// result. It is deterministic and does not mutate its input: callers may keep
// earlier accumulator values.
//
// Rules:
//   - role is set once, from the first fragment carrying one
//   - content and reasoning text concatenate in arrival order
//   - tool-call deltas grow a sparse list to fit their index, creating a
//     blank entry on first sight; name/argument text appends to the entry
//   - the last non-empty ID written to an index wins (endpoint behavior)
//   - the last finish reason supplied wins; usage accumulates
func Reduce(acc Accumulated, frag Fragment) Accumulated {
	if acc.Role == "" && frag.Role != "" {
		acc.Role = frag.Role
	}
	acc.Content += frag.Content
	acc.Reasoning += frag.Reasoning
	if frag.FinishReason != "" {
		acc.FinishReason = frag.FinishReason
	}
	if frag.Usage != nil {
		acc.Usage = acc.Usage.Add(*frag.Usage)
	}

	if len(frag.ToolCalls) == 0 {
		return acc
	}

	need := len(acc.ToolCalls)
	for _, d := range frag.ToolCalls {
		if d.Index >= need {
			need = d.Index + 1
		}
	}
	calls := make([]PartialToolCall, need)
	copy(calls, acc.ToolCalls)

	for _, d := range frag.ToolCalls {
		if d.Index < 0 {
			continue
		}
		entry := calls[d.Index]
		entry.seen = true
		if d.ID != "" {
			entry.ID = d.ID
		}
		entry.Name += d.Name
		entry.Arguments += d.Arguments
		calls[d.Index] = entry
	}
	acc.ToolCalls = calls
	return acc
}

// FinalToolCalls converts the accumulated entries into finalized tool calls,
// in index order. Indexes that never received a delta are skipped; empty
// argument text becomes the empty JSON object so downstream decoding always
// sees valid input boundaries.
func (a Accumulated) FinalToolCalls() []ToolCall {
	var calls []ToolCall
	for _, entry := range a.ToolCalls {
		if !entry.seen {
			continue
		}
		args := entry.Arguments
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:        entry.ID,
			Name:      entry.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}
