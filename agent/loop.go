package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/pilot/llm"
)

// Config tunes one agent loop instance.
type Config struct {
	// Model and Provider select the endpoint; Provider empty means the
	// client's default transport.
	Model    string
	Provider string

	// Preamble is the standing instruction text placed at the head of the
	// conversation.
	Preamble string

	// MaxToolRounds bounds how many model round trips one turn may take.
	MaxToolRounds int

	// ContentChunkSize is the size in bytes of content events emitted while
	// streaming the final response. Chunks break on rune boundaries.
	ContentChunkSize int

	// CompactCeiling and CompactKeepRecent tune history compaction.
	CompactCeiling    int
	CompactKeepRecent int

	// EnableLoopDetection aborts a turn when the recent tool calls repeat a
	// short pattern verbatim. LoopWindow is how many calls are examined.
	EnableLoopDetection bool
	LoopWindow          int

	// AllowedTools restricts the toolset offered to the model; empty means
	// all registered tools.
	AllowedTools []string

	// ReasoningEffort is passed through to endpoints that accept it.
	ReasoningEffort string

	// EventBuffer sizes the per-turn event channel.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 16
	}
	if c.ContentChunkSize <= 0 {
		c.ContentChunkSize = 512
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = 6
	}
	return c
}

// ContextSummary describes the conversation's current footprint.
type ContextSummary struct {
	Messages     int       `json:"messages"`
	ApproxTokens int       `json:"approx_tokens"`
	Usage        llm.Usage `json:"usage"`
	Phase        Phase     `json:"phase"`
}

// ErrTurnInProgress is returned by Submit while a previous turn is running.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Loop orchestrates conversation turns: it sends the history to the model,
// executes requested tools, and repeats until the model responds with plain
// content or a bound is hit. One turn runs at a time.
type Loop struct {
	cfg        Config
	client     *llm.Client
	dispatcher *Dispatcher
	conv       *Conversation
	phases     *PhaseMachine
	compactor  *Compactor
	logger     *slog.Logger

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	usage  llm.Usage
}

// NewLoop builds a loop over client and dispatcher. The conversation head is
// shaped by the transport: endpoints that suppress reasoning under a leading
// system-message-plus-tools request get a synthetic priming exchange instead.
func NewLoop(client *llm.Client, dispatcher *Dispatcher, cfg Config, logger *slog.Logger) (*Loop, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	transport, err := client.Transport(llm.Request{Provider: cfg.Provider})
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:        cfg,
		client:     client,
		dispatcher: dispatcher,
		conv:       NewConversation(cfg.Preamble, transport.UsesPrimingExchange()),
		phases:     NewPhaseMachine(),
		logger:     logger,
	}
	l.compactor = NewCompactor(client, cfg.Model, cfg.CompactCeiling, cfg.CompactKeepRecent, logger)
	return l, nil
}

// Submit starts a turn for the user's text and returns its event stream. The
// channel closes after the terminal event; callers should drain it until
// close, though a turn whose stream is abandoned still runs to completion
// and frees the loop for the next Submit. ErrTurnInProgress is returned if
// the previous turn has not finished.
func (l *Loop) Submit(text string) (<-chan Event, error) {
	l.mu.Lock()
	if l.busy {
		l.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	l.busy = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	em := newEmitter(l.cfg.EventBuffer)

	go func() {
		defer func() {
			em.close()
			cancel()
			l.mu.Lock()
			l.busy = false
			l.cancel = nil
			l.mu.Unlock()
		}()
		l.run(ctx, em, text)
	}()

	return em.events(), nil
}

// CancelTurn requests cancellation of the running turn, if any. The turn
// winds down at its next check and ends with a cancelled event.
func (l *Loop) CancelTurn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// History returns the UI-facing projection of the conversation.
func (l *Loop) History() []ChatEntry {
	return l.conv.Entries()
}

// Phase returns the current turn phase.
func (l *Loop) Phase() Phase {
	return l.phases.Phase()
}

// ContextSummary reports the conversation's size and accumulated usage.
func (l *Loop) ContextSummary() ContextSummary {
	l.mu.Lock()
	usage := l.usage
	l.mu.Unlock()
	return ContextSummary{
		Messages:     l.conv.Len(),
		ApproxTokens: l.conv.approxTokens(),
		Usage:        usage,
		Phase:        l.phases.Phase(),
	}
}

func (l *Loop) addUsage(u llm.Usage) {
	l.mu.Lock()
	l.usage = l.usage.Add(u)
	l.mu.Unlock()
}

// run drives one turn to a terminal event. Compaction happens before the new
// user message is appended so the message always lands in the verbatim tail.
func (l *Loop) run(ctx context.Context, em *emitter, text string) {
	l.phases.Reset()
	if err := l.phases.Transition(PhaseThinking); err != nil {
		l.fail(em, err)
		return
	}

	if l.compactor.NeedsCompaction(l.conv) {
		// Best effort; a failed compaction keeps the full history.
		_ = l.compactor.Compact(ctx, l.conv)
	}
	l.conv.AppendUser(text)

	for round := 1; round <= l.cfg.MaxToolRounds; round++ {
		// Check before committing to a model request.
		if ctx.Err() != nil {
			l.cancelled(em)
			return
		}

		result, err := l.requestModel(ctx)
		if result != nil && result.Usage.TotalTokens > 0 {
			l.addUsage(result.Usage)
			em.emit(EventTokenCount, map[string]any{
				"input_tokens":  result.Usage.InputTokens,
				"output_tokens": result.Usage.OutputTokens,
				"total_tokens":  result.Usage.TotalTokens,
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				l.cancelled(em)
				return
			}
			l.fail(em, err)
			return
		}

		// The stream is fully drained at this point; check again before
		// acting on the response.
		if ctx.Err() != nil {
			l.cancelled(em)
			return
		}

		if result.Thinking != "" && l.phases.CanShowThinking() {
			em.emit(EventThinking, map[string]any{"text": result.Thinking})
		}

		if !result.HasToolCalls() {
			l.respond(ctx, em, result.Content)
			return
		}

		if err := l.phases.Transition(PhasePlanningTools); err != nil {
			l.fail(em, err)
			return
		}
		l.conv.AppendAssistant(result.Content, result.ToolCalls)
		em.emit(EventToolCalls, map[string]any{"calls": callNames(result.ToolCalls)})

		if l.cfg.EnableLoopDetection && DetectLoop(l.conv.Messages(), l.cfg.LoopWindow) {
			l.fail(em, fmt.Errorf("aborting turn: the last %d tool calls repeat the same pattern", l.cfg.LoopWindow))
			return
		}

		if err := l.phases.Transition(PhaseExecutingTools); err != nil {
			l.fail(em, err)
			return
		}
		if cancelled := l.executeTools(ctx, em, result.ToolCalls); cancelled {
			l.cancelled(em)
			return
		}

		if err := l.phases.Transition(PhaseThinking); err != nil {
			l.fail(em, err)
			return
		}
	}

	// Tool budget exhausted. End the turn cleanly rather than erroring; the
	// model's partial progress is already in the history.
	em.emit(EventNotice, map[string]any{
		"text": fmt.Sprintf("Stopped after %d tool rounds without a final response.", l.cfg.MaxToolRounds),
	})
	if err := l.phases.Transition(PhaseDone); err != nil {
		l.fail(em, err)
		return
	}
	em.emit(EventDone, map[string]any{"reason": "max_tool_rounds"})
}

// requestModel sends the conversation and drains the full response stream.
// Both the result and the error can be non-nil: a stream that failed midway
// still reports the usage it accumulated.
func (l *Loop) requestModel(ctx context.Context) (*llm.StreamResult, error) {
	req := llm.Request{
		Model:           l.cfg.Model,
		Provider:        l.cfg.Provider,
		Messages:        l.conv.RequestMessages(),
		Tools:           l.dispatcher.Definitions(l.cfg.AllowedTools),
		ReasoningEffort: l.cfg.ReasoningEffort,
	}

	stream, err := l.client.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Consume(ctx, stream)
}

// executeTools runs the requested calls strictly in order. On cancellation
// the remaining calls are answered with synthetic error results so the
// history stays coherent, and true is returned.
func (l *Loop) executeTools(ctx context.Context, em *emitter, calls []llm.ToolCall) bool {
	for i, call := range calls {
		// Check before each call; an already-issued cancel must not start
		// another side effect.
		if ctx.Err() != nil {
			l.answerRemaining(calls[i:])
			return true
		}

		l.logger.Debug("executing tool", "tool", call.Name, "call_id", call.ID)
		result := l.dispatcher.Execute(ctx, call)

		output := result.Output
		if !result.Success {
			output = result.Error
			if result.Output != "" {
				output = result.Error + "\n" + result.Output
			}
		}
		output = TruncateToolOutput(output, call.Name)

		if err := l.conv.AppendToolResult(call.ID, output, !result.Success); err != nil {
			l.logger.Warn("dropping tool result", "error", err)
			continue
		}
		em.emit(EventToolResult, map[string]any{
			"tool":    call.Name,
			"success": result.Success,
			"output":  Excerpt(output, 1000, 200),
		})
	}
	return false
}

func (l *Loop) answerRemaining(calls []llm.ToolCall) {
	for _, call := range calls {
		_ = l.conv.AppendToolResult(call.ID, "cancelled before execution", true)
	}
}

// respond streams the final content to the caller in chunks and finishes the
// turn.
func (l *Loop) respond(ctx context.Context, em *emitter, content string) {
	if err := l.phases.Transition(PhaseResponding); err != nil {
		l.fail(em, err)
		return
	}
	l.conv.AppendAssistant(content, nil)

	for _, chunk := range chunkString(content, l.cfg.ContentChunkSize) {
		// The full response is already in the history; cancellation here
		// only stops delivery.
		if ctx.Err() != nil {
			l.cancelled(em)
			return
		}
		em.emit(EventContent, map[string]any{"text": chunk})
	}

	if err := l.phases.Transition(PhaseDone); err != nil {
		l.fail(em, err)
		return
	}
	em.emit(EventDone, map[string]any{"reason": "completed"})
}

func (l *Loop) fail(em *emitter, err error) {
	l.logger.Error("turn failed", "error", err)
	if l.phases.Phase() != PhaseError {
		_ = l.phases.Transition(PhaseError)
	}
	data := map[string]any{"error": err.Error()}
	if hint := llm.Remediation(err); hint != "" {
		data["remediation"] = hint
	}
	em.emit(EventError, data)
}

// cancelled ends the turn as a distinct outcome, not an error.
func (l *Loop) cancelled(em *emitter) {
	l.logger.Info("turn cancelled")
	l.phases.Reset()
	em.emit(EventCancelled, nil)
}

func callNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// chunkString splits s into chunks of at most size bytes, breaking only on
// rune boundaries.
func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	current := make([]rune, 0, size)
	currentLen := 0
	for _, r := range s {
		rl := len(string(r))
		if currentLen+rl > size && currentLen > 0 {
			chunks = append(chunks, string(current))
			current = current[:0]
			currentLen = 0
		}
		current = append(current, r)
		currentLen += rl
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
