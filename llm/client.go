package llm

import (
	"context"
	"fmt"
	"sync"
)

// Transport delivers a conversation to one model endpoint and streams back
// response fragments. Implementations must close the channel exactly once,
// after the terminal fragment (finish reason or Err) has been sent, and must
// stop producing when ctx is cancelled.
type Transport interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Send issues one model request. The returned channel carries the
	// ordered response fragments for that request.
	Send(ctx context.Context, req Request) (<-chan Fragment, error)

	// UsesPrimingExchange reports whether this endpoint suppresses reasoning
	// output when a raw system message is combined with tool definitions in
	// the first position, requiring the conversation to open with a
	// synthetic user/assistant exchange instead.
	UsesPrimingExchange() bool
}

// Client routes requests to registered transports and applies the retry
// policy to connection attempts.
type Client struct {
	transports map[string]Transport
	defaultTo  string
	policy     RetryPolicy
	mu         sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport registers a transport.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transports[t.Name()] = t
	}
}

// WithDefaultTransport sets the default transport name.
func WithDefaultTransport(name string) ClientOption {
	return func(c *Client) {
		c.defaultTo = name
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		transports: make(map[string]Transport),
		policy:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultTo == "" && len(c.transports) == 1 {
		for name := range c.transports {
			c.defaultTo = name
		}
	}
	return c
}

// RegisterTransport adds a transport to the client.
func (c *Client) RegisterTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[t.Name()] = t
	if c.defaultTo == "" {
		c.defaultTo = t.Name()
	}
}

func (c *Client) resolve(req Request) (Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultTo
	}
	if name == "" {
		return nil, &ConfigurationError{TransportError: TransportError{
			Message: "no provider specified and no default transport configured",
		}}
	}
	t, ok := c.transports[name]
	if !ok {
		return nil, &ConfigurationError{TransportError: TransportError{
			Message: fmt.Sprintf("transport %q is not registered", name),
		}}
	}
	return t, nil
}

// Transport returns the transport that would serve the given request.
func (c *Client) Transport(req Request) (Transport, error) {
	return c.resolve(req)
}

// Send issues a streaming request to the resolved transport, retrying the
// connection on retryable errors.
func (c *Client) Send(ctx context.Context, req Request) (<-chan Fragment, error) {
	t, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = t.Name()
	}
	return retry(ctx, c.policy, func(ctx context.Context) (<-chan Fragment, error) {
		return t.Send(ctx, req)
	})
}

// Complete sends a request and drains the stream into one result. Used for
// auxiliary requests (context summarization) that need no incremental
// delivery. A stream failure surfaces as an error even when partial text was
// accumulated.
func (c *Client) Complete(ctx context.Context, req Request) (*StreamResult, error) {
	stream, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := Consume(ctx, stream)
	if err != nil {
		return nil, err
	}
	return result, nil
}
