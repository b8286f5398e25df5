// Package invoker executes named operations against external collaborators
// and classifies the outcome for the execution engine.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/payrail/orchestrator/pkg/tracing"
)

// OutcomeStatus 调用结果分类
type OutcomeStatus string

const (
	// OutcomeSuccess: the operation committed; resultData may carry output.
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	// OutcomeTransient: worth retrying (timeouts, network errors, 5xx).
	OutcomeTransient OutcomeStatus = "TRANSIENT_FAILURE"
	// OutcomePermanent: retrying cannot fix it (business rejection, 4xx).
	OutcomePermanent OutcomeStatus = "PERMANENT_FAILURE"
)

// Outcome is the single decision point the engine trusts for retry vs.
// compensate. Misclassification either wastes compensation (false
// PERMANENT) or hangs the saga in futile retries (false TRANSIENT).
type Outcome struct {
	Status OutcomeStatus
	Result map[string]any
	Detail string
}

// Invoker performs one forward or compensating operation. Implementations
// must tolerate duplicate invocation with the same payload: retries and
// timeout-driven re-dispatch can call the same operation more than once.
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload map[string]any, timeout time.Duration) Outcome
}

// invokeRequest 发给协作方的请求体
type invokeRequest struct {
	Operation string         `json:"operation"`
	SagaID    string         `json:"sagaId,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// invokeResponse 协作方统一响应
type invokeResponse struct {
	Success   bool           `json:"success"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HTTPInvoker calls collaborators over HTTP. Operations map to endpoint
// URLs in an immutable table built at startup.
type HTTPInvoker struct {
	endpoints     map[string]string
	internalToken string
	client        *http.Client
}

// NewHTTPInvoker 创建调用器
func NewHTTPInvoker(endpoints map[string]string, internalToken string) *HTTPInvoker {
	eps := make(map[string]string, len(endpoints))
	for op, url := range endpoints {
		eps[op] = url
	}
	return &HTTPInvoker{
		endpoints:     eps,
		internalToken: internalToken,
		// Per-call timeouts come from the step definition via context;
		// the client timeout is only a hard upper bound.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *HTTPInvoker) Invoke(ctx context.Context, operation string, payload map[string]any, timeout time.Duration) Outcome {
	url, ok := c.endpoints[operation]
	if !ok {
		// Misconfiguration is not retryable.
		return Outcome{Status: OutcomePermanent, Detail: fmt.Sprintf("operation not registered: %s", operation)}
	}

	body, err := json.Marshal(invokeRequest{Operation: operation, Payload: payload})
	if err != nil {
		return Outcome{Status: OutcomePermanent, Detail: fmt.Sprintf("marshal payload: %v", err)}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: OutcomePermanent, Detail: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}
	tracing.InjectHTTP(callCtx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and transport errors: the call may or may not have landed.
		// Safe default is transient; downstream operations are idempotent.
		return Outcome{Status: OutcomeTransient, Detail: fmt.Sprintf("do request: %v", err)}
	}
	defer resp.Body.Close()

	if outcome, decided := classifyStatus(resp.StatusCode); decided {
		return outcome
	}

	var result invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// A 2xx with an unreadable body is indistinguishable from a dropped
		// connection mid-response.
		return Outcome{Status: OutcomeTransient, Detail: fmt.Sprintf("decode response: %v", err)}
	}

	if !result.Success {
		detail := result.ErrorCode
		if detail == "" {
			detail = "rejected"
		}
		if result.Retryable {
			return Outcome{Status: OutcomeTransient, Detail: detail}
		}
		return Outcome{Status: OutcomePermanent, Detail: detail}
	}

	return Outcome{Status: OutcomeSuccess, Result: result.Data}
}

// classifyStatus 按 HTTP 状态码分类，2xx 交给响应体判定
func classifyStatus(code int) (Outcome, bool) {
	switch {
	case code >= 200 && code < 300:
		return Outcome{}, false
	case code == http.StatusTooManyRequests:
		return Outcome{Status: OutcomeTransient, Detail: fmt.Sprintf("status code: %d", code)}, true
	case code >= 500:
		return Outcome{Status: OutcomeTransient, Detail: fmt.Sprintf("status code: %d", code)}, true
	default:
		return Outcome{Status: OutcomePermanent, Detail: fmt.Sprintf("status code: %d", code)}, true
	}
}

var _ Invoker = (*HTTPInvoker)(nil)
