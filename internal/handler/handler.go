// Package handler HTTP API: saga 启动/查询/重驱动 + 事件订阅
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/payrail/orchestrator/internal/engine"
	"github.com/payrail/orchestrator/internal/model"
	orcherrors "github.com/payrail/orchestrator/pkg/errors"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/response"
)

// Orchestrator is the engine surface the API exposes.
type Orchestrator interface {
	StartSaga(ctx context.Context, req engine.StartRequest) (string, error)
	Status(ctx context.Context, sagaID string) (*model.SagaInstance, error)
	Steps(ctx context.Context, sagaID string) ([]*model.SagaStepRecord, error)
	Redrive(ctx context.Context, sagaID string) error
}

// Handler serves the internal orchestration API. All routes require the
// shared internal token; this service is never exposed to end users.
type Handler struct {
	engine        Orchestrator
	watcher       *EventWatcher // nil when no message bus is configured
	internalToken string
	log           *logger.Logger
}

func New(eng Orchestrator, watcher *EventWatcher, internalToken string, log *logger.Logger) *Handler {
	return &Handler{
		engine:        eng,
		watcher:       watcher,
		internalToken: internalToken,
		log:           log,
	}
}

// Routes registers the API on mux. Health/metrics stay outside so probes
// skip authentication.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sagas", h.auth(h.handleStart))
	mux.HandleFunc("/v1/sagas/", h.auth(h.handleSagaSubtree))
	if h.watcher != nil {
		mux.HandleFunc("/v1/sagas/events/watch", h.auth(h.watcher.HandleWS))
	}
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.internalToken == "" || r.Header.Get("X-Internal-Token") != h.internalToken {
			response.WriteErrorCode(w, r, orcherrors.CodeUnauthorized, "")
			return
		}
		next(w, r)
	}
}

type startRequest struct {
	DefinitionName string         `json:"definitionName"`
	CorrelationID  string         `json:"correlationId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
	DeadlineMs     int64          `json:"deadlineMs"`
}

type startResponse struct {
	SagaID string `json:"sagaId"`
}

// POST /v1/sagas
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, orcherrors.CodeInvalidRequest, "method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(r)
	if !ok {
		response.WriteErrorCode(w, r, orcherrors.CodeTenantRequired, "")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, orcherrors.CodeInvalidParam, "invalid request body")
		return
	}
	if req.DefinitionName == "" {
		response.WriteErrorCode(w, r, orcherrors.CodeInvalidParam, "definitionName is required")
		return
	}

	ctx := logger.ContextWithCorrelationID(r.Context(), req.CorrelationID)
	sagaID, err := h.engine.StartSaga(ctx, engine.StartRequest{
		DefinitionName: req.DefinitionName,
		Tenant:         tenant,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Deadline:       time.Duration(req.DeadlineMs) * time.Millisecond,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, startResponse{SagaID: sagaID})
}

// handleSagaSubtree dispatches /v1/sagas/{id}[/steps|/redrive].
func (h *Handler) handleSagaSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sagas/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		response.WriteErrorCode(w, r, orcherrors.CodeInvalidParam, "saga id is required")
		return
	}
	sagaID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleStatus(w, r, sagaID)
	case len(parts) == 2 && parts[1] == "steps" && r.Method == http.MethodGet:
		h.handleSteps(w, r, sagaID)
	case len(parts) == 2 && parts[1] == "redrive" && r.Method == http.MethodPost:
		h.handleRedrive(w, r, sagaID)
	default:
		response.WriteErrorCode(w, r, orcherrors.CodeNotFound, "no such route")
	}
}

// GET /v1/sagas/{id}
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, sagaID string) {
	inst, err := h.engine.Status(r.Context(), sagaID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !tenantMatches(r, inst) {
		// 跨租户查询按不存在处理, 不泄露实例归属
		response.WriteErrorCode(w, r, orcherrors.CodeSagaNotFound, "")
		return
	}
	response.WriteJSON(w, http.StatusOK, inst)
}

type stepsResponse struct {
	SagaID string                  `json:"sagaId"`
	Steps  []*model.SagaStepRecord `json:"steps"`
}

// GET /v1/sagas/{id}/steps
func (h *Handler) handleSteps(w http.ResponseWriter, r *http.Request, sagaID string) {
	inst, err := h.engine.Status(r.Context(), sagaID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !tenantMatches(r, inst) {
		response.WriteErrorCode(w, r, orcherrors.CodeSagaNotFound, "")
		return
	}
	steps, err := h.engine.Steps(r.Context(), sagaID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*model.SagaStepRecord{}
	}
	response.WriteJSON(w, http.StatusOK, stepsResponse{SagaID: sagaID, Steps: steps})
}

// POST /v1/sagas/{id}/redrive
func (h *Handler) handleRedrive(w http.ResponseWriter, r *http.Request, sagaID string) {
	if err := h.engine.Redrive(r.Context(), sagaID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"sagaId": sagaID,
		"status": string(model.SagaCompensating),
	})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownDefinition):
		response.WriteErrorCode(w, r, orcherrors.CodeUnknownSagaDefinition, err.Error())
	case errors.Is(err, engine.ErrSagaNotFound):
		response.WriteErrorCode(w, r, orcherrors.CodeSagaNotFound, "")
	case errors.Is(err, engine.ErrNotRedrivable):
		response.WriteErrorCode(w, r, orcherrors.CodeSagaNotRedrivable, err.Error())
	default:
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
		response.WriteErrorCode(w, r, orcherrors.CodeInternal, "")
	}
}

func tenantFromRequest(r *http.Request) (model.TenantContext, bool) {
	t := model.TenantContext{
		TenantID:       strings.TrimSpace(r.Header.Get("X-Tenant-Id")),
		BusinessUnitID: strings.TrimSpace(r.Header.Get("X-Business-Unit-Id")),
	}
	return t, t.TenantID != ""
}

// tenantMatches enforces read isolation: a tenant only sees its own sagas.
func tenantMatches(r *http.Request, inst *model.SagaInstance) bool {
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
	return tenant == "" || tenant == inst.TenantID
}
