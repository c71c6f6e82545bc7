package agent

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized output is trimmed.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Per-tool character ceilings for output fed back to the model.
var defaultToolCharLimits = map[string]int{
	ToolView:         50000,
	ToolShellExecute: 30000,
	ToolSearch:       20000,
	ToolEdit:         10000,
	ToolBatchEdit:    10000,
	ToolCreate:       1000,
}

var defaultTruncationModes = map[string]TruncationMode{
	ToolView:         TruncateHeadTail,
	ToolShellExecute: TruncateHeadTail,
	ToolSearch:       TruncateTail,
	ToolEdit:         TruncateTail,
	ToolBatchEdit:    TruncateTail,
	ToolCreate:       TruncateTail,
}

// Line ceilings applied after character truncation.
var defaultToolLineLimits = map[string]int{
	ToolShellExecute: 256,
	ToolSearch:       200,
}

// TruncateOutput applies character-based truncation.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n",
			removed) +
			output[len(output)-maxChars:]

	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"Re-run the tool with more targeted parameters to see specific parts.]\n\n",
				removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using a head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput runs the full pipeline for a tool's output: character
// truncation first (handles pathological cases), then line truncation for
// readability.
func TruncateToolOutput(output, toolName string) string {
	maxChars, ok := defaultToolCharLimits[toolName]
	if !ok {
		maxChars = 30000
	}
	mode, ok := defaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	if maxLines, ok := defaultToolLineLimits[toolName]; ok {
		result = TruncateLines(result, maxLines)
	}
	return result
}

// Excerpt keeps the first head and last tail characters of s with an
// omission marker between them. Used to bound delegated-task summaries.
func Excerpt(s string, head, tail int) string {
	if len(s) <= head+tail {
		return s
	}
	omitted := len(s) - head - tail
	return s[:head] +
		fmt.Sprintf("\n[... %d characters omitted ...]\n", omitted) +
		s[len(s)-tail:]
}
