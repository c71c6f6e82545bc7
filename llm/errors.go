package llm

import "fmt"

// TransportError is the base error type for failures at the model boundary.
type TransportError struct {
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error { return e.Cause }

// EndpointError represents an error returned by the model endpoint.
type EndpointError struct {
	TransportError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, from Retry-After when present
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete endpoint error types.

type AuthenticationError struct{ EndpointError }
type AccessDeniedError struct{ EndpointError }
type ModelNotFoundError struct{ EndpointError }
type InvalidRequestError struct{ EndpointError }
type RateLimitError struct{ EndpointError }
type ServerError struct{ EndpointError }
type ContextLengthError struct{ EndpointError }

// Non-endpoint errors.

type RequestTimeoutError struct{ TransportError }
type NetworkError struct{ TransportError }
type StreamError struct{ TransportError }
type ConfigurationError struct{ TransportError }

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	ee := EndpointError{
		TransportError: TransportError{Message: message},
		Provider:       provider,
		StatusCode:     statusCode,
		RetryAfter:     retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{EndpointError: ee}
	case 401:
		return &AuthenticationError{EndpointError: ee}
	case 403:
		return &AccessDeniedError{EndpointError: ee}
	case 404:
		return &ModelNotFoundError{EndpointError: ee}
	case 408:
		return &RequestTimeoutError{TransportError: TransportError{Message: message}}
	case 413:
		return &ContextLengthError{EndpointError: ee}
	case 429:
		ee.Retryable = true
		return &RateLimitError{EndpointError: ee}
	case 500, 502, 503, 504:
		ee.Retryable = true
		return &ServerError{EndpointError: ee}
	default:
		ee.Retryable = true
		return &ee
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *EndpointError:
		return e.Retryable
	case *AuthenticationError, *AccessDeniedError, *ModelNotFoundError,
		*InvalidRequestError, *ContextLengthError, *ConfigurationError:
		return false
	case *RateLimitError, *ServerError, *NetworkError, *StreamError, *RequestTimeoutError:
		return true
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// Remediation returns a short user-facing suggestion for recovering from the
// error, or "" when no specific remedy applies.
func Remediation(err error) string {
	switch err.(type) {
	case *AuthenticationError:
		return "Check that your API key is set and valid."
	case *AccessDeniedError:
		return "Your key does not have access to this model or endpoint."
	case *ModelNotFoundError:
		return "Check the model name in your configuration."
	case *RateLimitError:
		return "The endpoint is rate limiting requests; wait a moment and retry."
	case *ContextLengthError:
		return "The conversation no longer fits the model's context window; start a new session or lower the compaction ceiling."
	case *ServerError:
		return "The endpoint reported a server error; retrying usually succeeds."
	case *NetworkError:
		return "Check your network connection and any proxy settings."
	case *RequestTimeoutError:
		return "The request timed out; retry, or raise the request timeout."
	case *ConfigurationError:
		return "Fix the client configuration before retrying."
	default:
		return ""
	}
}
