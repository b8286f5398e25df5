package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/payrail/orchestrator/internal/engine"
	"github.com/payrail/orchestrator/internal/events"
	"github.com/payrail/orchestrator/internal/model"
	"github.com/payrail/orchestrator/pkg/logger"
)

const testToken = "internal-secret"

type stubOrchestrator struct {
	startReq   engine.StartRequest
	startID    string
	startErr   error
	inst       *model.SagaInstance
	statusErr  error
	steps      []*model.SagaStepRecord
	redriveErr error
	redriven   []string
}

func (s *stubOrchestrator) StartSaga(ctx context.Context, req engine.StartRequest) (string, error) {
	s.startReq = req
	return s.startID, s.startErr
}

func (s *stubOrchestrator) Status(ctx context.Context, sagaID string) (*model.SagaInstance, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.inst, nil
}

func (s *stubOrchestrator) Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error) {
	return s.steps, nil
}

func (s *stubOrchestrator) Redrive(ctx context.Context, sagaID string) error {
	s.redriven = append(s.redriven, sagaID)
	return s.redriveErr
}

func newTestServer(t *testing.T, stub *stubOrchestrator, watcher *EventWatcher) *httptest.Server {
	t.Helper()
	h := New(stub, watcher, testToken, logger.New("handler-test", io.Discard))
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Internal-Token", testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{}, nil)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/sagas", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStartSaga(t *testing.T) {
	stub := &stubOrchestrator{startID: "saga-123"}
	srv := newTestServer(t, stub, nil)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/sagas", map[string]string{
		"X-Tenant-Id":        "acme",
		"X-Business-Unit-Id": "emea",
	}, map[string]any{
		"definitionName": "PAYMENT_FLOW",
		"correlationId":  "corr-9",
		"idempotencyKey": "pay-001",
		"payload":        map[string]any{"amount": 100},
		"deadlineMs":     30000,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		SagaID string `json:"sagaId"`
	}
	decodeBody(t, resp, &out)
	if out.SagaID != "saga-123" {
		t.Fatalf("sagaId = %q", out.SagaID)
	}
	if stub.startReq.Tenant.TenantID != "acme" || stub.startReq.Tenant.BusinessUnitID != "emea" {
		t.Fatalf("tenant not propagated: %+v", stub.startReq.Tenant)
	}
	if stub.startReq.Deadline != 30*time.Second {
		t.Fatalf("deadline = %v", stub.startReq.Deadline)
	}
	if stub.startReq.IdempotencyKey != "pay-001" {
		t.Fatalf("idempotency key = %q", stub.startReq.IdempotencyKey)
	}
}

func TestStartSagaRequiresTenant(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{startID: "x"}, nil)
	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/sagas", nil, map[string]any{
		"definitionName": "PAYMENT_FLOW",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var out struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &out)
	if out.Code != "TENANT_REQUIRED" {
		t.Fatalf("code = %q", out.Code)
	}
}

func TestStartSagaUnknownDefinition(t *testing.T) {
	stub := &stubOrchestrator{startErr: engine.ErrUnknownDefinition}
	srv := newTestServer(t, stub, nil)
	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/sagas", map[string]string{
		"X-Tenant-Id": "acme",
	}, map[string]any{"definitionName": "NOPE"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSagaStatus(t *testing.T) {
	stub := &stubOrchestrator{inst: &model.SagaInstance{
		SagaID:   "saga-5",
		TenantID: "acme",
		Status:   model.SagaRunning,
	}}
	srv := newTestServer(t, stub, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/sagas/saga-5", map[string]string{
		"X-Tenant-Id": "acme",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var inst model.SagaInstance
	decodeBody(t, resp, &inst)
	if inst.SagaID != "saga-5" || inst.Status != model.SagaRunning {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestGetSagaStatusHidesForeignTenant(t *testing.T) {
	stub := &stubOrchestrator{inst: &model.SagaInstance{SagaID: "saga-5", TenantID: "acme"}}
	srv := newTestServer(t, stub, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/sagas/saga-5", map[string]string{
		"X-Tenant-Id": "globex",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign tenant", resp.StatusCode)
	}
}

func TestGetSagaNotFound(t *testing.T) {
	stub := &stubOrchestrator{statusErr: engine.ErrSagaNotFound}
	srv := newTestServer(t, stub, nil)
	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/sagas/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetSagaSteps(t *testing.T) {
	stub := &stubOrchestrator{
		inst: &model.SagaInstance{SagaID: "saga-5", TenantID: "acme"},
		steps: []*model.SagaStepRecord{
			{SagaID: "saga-5", Sequence: 0, StepName: "ValidatePayment", Status: model.StepCompleted},
			{SagaID: "saga-5", Sequence: 1, StepName: "ReserveFunds", Status: model.StepRunning},
		},
	}
	srv := newTestServer(t, stub, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/sagas/saga-5/steps", map[string]string{
		"X-Tenant-Id": "acme",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out stepsResponse
	decodeBody(t, resp, &out)
	if len(out.Steps) != 2 || out.Steps[1].StepName != "ReserveFunds" {
		t.Fatalf("unexpected steps: %+v", out.Steps)
	}
}

func TestRedrive(t *testing.T) {
	stub := &stubOrchestrator{}
	srv := newTestServer(t, stub, nil)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/sagas/saga-8/redrive", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(stub.redriven) != 1 || stub.redriven[0] != "saga-8" {
		t.Fatalf("redriven = %v", stub.redriven)
	}
}

func TestRedriveRejected(t *testing.T) {
	stub := &stubOrchestrator{redriveErr: engine.ErrNotRedrivable}
	srv := newTestServer(t, stub, nil)
	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/sagas/saga-8/redrive", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventWatchStreamsTenantEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	watcher := NewEventWatcher(client, logger.New("ws-test", io.Discard))
	srv := newTestServer(t, &stubOrchestrator{}, watcher)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sagas/events/watch?tenantId=acme"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"X-Internal-Token": []string{testToken},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the subscription a moment to land before publishing
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := client.PubSubNumSub(context.Background(), events.TenantChannel("acme")).Result(); n[events.TenantChannel("acme")] > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload := `{"eventType":"saga.completed","sagaId":"saga-1"}`
	if err := client.Publish(context.Background(), events.TenantChannel("acme"), payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		EventType string `json:"eventType"`
		SagaID    string `json:"sagaId"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if ev.EventType != "saga.completed" || ev.SagaID != "saga-1" {
		t.Fatalf("unexpected event: %s", msg)
	}
}
