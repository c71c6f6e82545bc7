package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmTransport backs the fragment stream with a gollm.LLM instance. When
// the underlying provider supports streaming, tokens are forwarded as content
// fragments as they arrive; otherwise the whole response is generated first
// and replayed as a short fragment sequence. Either way the terminal fragment
// carries the finish reason and any tool calls parsed from the response.
type GollmTransport struct {
	provider string
	llm      gollm.LLM
	model    string
	priming  bool
}

// GollmOption configures a GollmTransport.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	priming     bool
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. Empty means gollm reads it from the
// provider's environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the model identifier.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max output tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithPrimingExchange marks the endpoint as requiring the synthetic
// user/assistant priming exchange when tools are attached.
func WithPrimingExchange(on bool) GollmOption {
	return func(c *gollmConfig) { c.priming = on }
}

// WithGollmOptions passes extra gollm configuration through.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmTransport creates a transport for the given provider.
func NewGollmTransport(provider string, opts ...GollmOption) (*GollmTransport, error) {
	cfg := &gollmConfig{
		maxTokens:   8192,
		temperature: 0.7,
		// The openai-compatible endpoints this project targets suppress
		// reasoning output for system+tools openings; see Transport.
		priming: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are the client's job
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	backend, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm backend for %s: %w", provider, err)
	}

	return &GollmTransport{
		provider: provider,
		llm:      backend,
		model:    model,
		priming:  cfg.priming,
	}, nil
}

func (t *GollmTransport) Name() string { return t.provider }

func (t *GollmTransport) UsesPrimingExchange() bool { return t.priming }

// Send issues one request and returns the fragment stream for it.
func (t *GollmTransport) Send(ctx context.Context, req Request) (<-chan Fragment, error) {
	prompt, err := t.translateRequest(req)
	if err != nil {
		return nil, err
	}
	t.applyRequestOptions(req)

	ch := make(chan Fragment, 64)

	if !t.llm.SupportsStreaming() {
		go t.generateWhole(ctx, prompt, req, ch)
		return ch, nil
	}

	stream, err := t.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, t.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- Fragment{Role: RoleAssistant}

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- Fragment{Err: t.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
			// Content deltas are withheld until the trailer: tool calls can
			// only be recognized from the complete text, and emitting text
			// that later turns out to be a call would leak partial state.
		}

		t.emitTrailer(ch, req, fullText.String())
	}()

	return ch, nil
}

// generateWhole is the non-streaming fallback: generate the full response and
// replay it as fragments.
func (t *GollmTransport) generateWhole(ctx context.Context, prompt *gollm.Prompt, req Request, ch chan<- Fragment) {
	defer close(ch)

	text, err := t.llm.Generate(ctx, prompt)
	if err != nil {
		ch <- Fragment{Err: t.translateError(err)}
		return
	}

	ch <- Fragment{Role: RoleAssistant}
	t.emitTrailer(ch, req, text)
}

// emitTrailer parses tool calls out of the response text and emits the
// content fragment plus the terminal finish fragment.
func (t *GollmTransport) emitTrailer(ch chan<- Fragment, req Request, text string) {
	calls := parseEmbeddedToolCalls(text)
	content := stripToolCallJSON(text, calls)

	if content != "" {
		ch <- Fragment{Content: content}
	}

	finish := FinishStop
	var deltas []ToolCallDelta
	if len(calls) > 0 {
		finish = FinishToolCalls
		for i, c := range calls {
			deltas = append(deltas, ToolCallDelta{
				Index:     i,
				ID:        c.ID,
				Name:      c.Name,
				Arguments: string(c.Arguments),
			})
		}
	}

	usage := Usage{
		InputTokens:  estimateRequestTokens(req),
		OutputTokens: len(text) / 4,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	ch <- Fragment{ToolCalls: deltas, FinishReason: finish, Usage: &usage}
}

// translateRequest converts a Request into a gollm Prompt.
func (t *GollmTransport) translateRequest(req Request) (*gollm.Prompt, error) {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)", call.ID, call.Name, call.Arguments))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error]"
				}
				parts = append(parts, prefix+": "+part.ToolResult.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, td := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  td.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		promptOpts = append(promptOpts, gollm.WithToolChoice(choice))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

func (t *GollmTransport) applyRequestOptions(req Request) {
	if req.Model != "" {
		t.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		t.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		t.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// parseEmbeddedToolCalls extracts tool calls that gollm returns embedded in
// the response text as a JSON array of {name, arguments} objects.
func parseEmbeddedToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}

	var calls []ToolCall
	for _, rc := range raw {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// stripToolCallJSON removes the parsed tool-call JSON block from the text.
func stripToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError classifies a gollm error into the transport error taxonomy.
func (t *GollmTransport) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	wrap := func(status int, retryable bool) EndpointError {
		return EndpointError{
			TransportError: TransportError{Message: msg, Cause: err},
			Provider:       t.provider,
			StatusCode:     status,
			Retryable:      retryable,
		}
	}

	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"), strings.Contains(lower, "invalid key"):
		return &AuthenticationError{EndpointError: wrap(401, false)}
	case strings.Contains(lower, "403"), strings.Contains(lower, "forbidden"):
		return &AccessDeniedError{EndpointError: wrap(403, false)}
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		return &ModelNotFoundError{EndpointError: wrap(404, false)}
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return &RateLimitError{EndpointError: wrap(429, true)}
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{EndpointError: wrap(413, false)}
	case strings.Contains(lower, "500"), strings.Contains(lower, "internal server"):
		return &ServerError{EndpointError: wrap(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{TransportError: TransportError{Message: msg, Cause: err}}
	default:
		return &NetworkError{TransportError: TransportError{Message: msg, Cause: err}}
	}
}

// estimateRequestTokens gives a rough input token count; gollm does not
// expose provider usage numbers.
func estimateRequestTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
