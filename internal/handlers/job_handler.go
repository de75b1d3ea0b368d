package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/generation"
	"github.com/creditforge/backend/internal/models"
)

// JobFacade is the generation surface served by JobHandler.
type JobFacade interface {
	CreateJob(ctx context.Context, req generation.CreateRequest) (*generation.CreateResponse, error)
	GetJob(ctx context.Context, caller generation.Caller, jobID uuid.UUID) (*models.JobView, error)
	ListJobs(ctx context.Context, caller generation.Caller, limit int) ([]models.JobView, error)
	CancelJob(ctx context.Context, caller generation.Caller, jobID uuid.UUID, reason string, force bool) (*generation.CancelResponse, error)
}

// JobHandler serves /v1/jobs endpoints.
type JobHandler struct {
	Jobs   JobFacade
	Logger *slog.Logger
}

// --- POST /v1/jobs ---

type createJobRequest struct {
	ActionKey string          `json:"action_key" validate:"required,max=64"`
	Payload   json.RawMessage `json:"payload"`
	Meta      json.RawMessage `json:"meta"`
}

// CreateJob handles POST /v1/jobs. The Idempotency-Key header, when present,
// is part of the submission fingerprint.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	var req createJobRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	resp, err := h.Jobs.CreateJob(r.Context(), generation.CreateRequest{
		IdentityID:     c.IdentityID,
		ActionKey:      req.ActionKey,
		Payload:        req.Payload,
		Meta:           req.Meta,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	status := http.StatusAccepted
	if resp.WasExisting {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// --- GET /v1/jobs ---

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	list, err := h.Jobs.ListJobs(r.Context(), c, queryLimit(r))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /v1/jobs/{id} ---

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	v, err := h.Jobs.GetJob(r.Context(), c, id)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- POST /v1/jobs/{id}/cancel ---

type cancelJobRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Force  bool   `json:"force"`
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	var req cancelJobRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	resp, err := h.Jobs.CancelJob(r.Context(), c, id, req.Reason, req.Force)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
