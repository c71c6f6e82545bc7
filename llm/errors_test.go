package llm

import (
	"errors"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	cases := []struct {
		status    int
		wantType  string
		retryable bool
	}{
		{400, "*llm.InvalidRequestError", false},
		{401, "*llm.AuthenticationError", false},
		{403, "*llm.AccessDeniedError", false},
		{404, "*llm.ModelNotFoundError", false},
		{413, "*llm.ContextLengthError", false},
		{429, "*llm.RateLimitError", true},
		{500, "*llm.ServerError", true},
		{503, "*llm.ServerError", true},
	}

	for _, tc := range cases {
		err := ErrorFromStatusCode(tc.status, "boom", "test", nil)
		if got := typeName(err); got != tc.wantType {
			t.Errorf("status %d: got %s, want %s", tc.status, got, tc.wantType)
		}
		if IsRetryable(err) != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, IsRetryable(err), tc.retryable)
		}
	}
}

func typeName(err error) string {
	switch err.(type) {
	case *InvalidRequestError:
		return "*llm.InvalidRequestError"
	case *AuthenticationError:
		return "*llm.AuthenticationError"
	case *AccessDeniedError:
		return "*llm.AccessDeniedError"
	case *ModelNotFoundError:
		return "*llm.ModelNotFoundError"
	case *ContextLengthError:
		return "*llm.ContextLengthError"
	case *RateLimitError:
		return "*llm.RateLimitError"
	case *ServerError:
		return "*llm.ServerError"
	default:
		return "unknown"
	}
}

func TestUnknownStatusDefaultsRetryable(t *testing.T) {
	err := ErrorFromStatusCode(418, "teapot", "test", nil)
	if !IsRetryable(err) {
		t.Error("unknown status codes should default to retryable")
	}
}

func TestIsRetryableNil(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := &NetworkError{TransportError: TransportError{Message: "send failed", Cause: cause}}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to reach the cause")
	}
}

func TestRemediationCoversRecoverableErrors(t *testing.T) {
	errs := []error{
		&AuthenticationError{},
		&ModelNotFoundError{},
		&RateLimitError{},
		&NetworkError{},
		&ServerError{},
		&ContextLengthError{},
	}
	for _, err := range errs {
		if Remediation(err) == "" {
			t.Errorf("%T: expected a remediation hint", err)
		}
	}
	if Remediation(errors.New("misc")) != "" {
		t.Error("generic errors carry no remedy")
	}
}
