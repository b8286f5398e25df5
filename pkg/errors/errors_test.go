package errors

import (
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeSagaNotFound, "saga abc not found")
	if err.Error() != "[SAGA_NOT_FOUND] saga abc not found" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestRetryableCodes(t *testing.T) {
	if !New(CodeTimeout, "t").Retryable {
		t.Fatal("expected TIMEOUT to be retryable")
	}
	if !New(CodeConcurrentModification, "c").Retryable {
		t.Fatal("expected CONCURRENT_MODIFICATION to be retryable")
	}
	if New(CodeStepRejected, "r").Retryable {
		t.Fatal("expected STEP_REJECTED to be non-retryable")
	}
	if New(CodeUnknownSagaDefinition, "u").Retryable {
		t.Fatal("expected UNKNOWN_SAGA_DEFINITION to be non-retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeUnknownSagaDefinition, http.StatusBadRequest},
		{CodeSagaNotFound, http.StatusNotFound},
		{CodeConcurrentModification, http.StatusConflict},
		{CodeStepRejected, http.StatusUnprocessableEntity},
		{CodeStepTimeout, http.StatusGatewayTimeout},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := New(c.code, "x").HTTPStatus(); got != c.want {
			t.Fatalf("code %s: expected %d, got %d", c.code, c.want, got)
		}
	}
}

func TestNewWithDefaultMessage(t *testing.T) {
	err := NewWithDefault(CodeSagaNotFound, "")
	if err.Message != "saga not found" {
		t.Fatalf("expected default message, got %s", err.Message)
	}

	err = NewWithDefault(CodeSagaNotFound, "custom")
	if err.Message != "custom" {
		t.Fatalf("expected custom message, got %s", err.Message)
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInvalidParam, "bad").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("expected request ID to be set, got %s", err.RequestID)
	}
}
