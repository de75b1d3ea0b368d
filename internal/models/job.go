package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. ready and failed are terminal.
const (
	JobStatusQueued      = "queued"
	JobStatusPending     = "pending"
	JobStatusQuotaQueued = "quota_queued"
	JobStatusReady       = "ready"
	JobStatusFailed      = "failed"
)

// JobTerminal reports whether status is a terminal job status.
func JobTerminal(status string) bool {
	return status == JobStatusReady || status == JobStatusFailed
}

type Job struct {
	ID            uuid.UUID       `json:"id"`
	IdentityID    uuid.UUID       `json:"identity_id"`
	Provider      string          `json:"provider"`
	ActionKey     string          `json:"action_key"`
	ActionCode    string          `json:"action_code"`
	Status        string          `json:"status"`
	ReservationID *uuid.UUID      `json:"reservation_id,omitempty"`
	UpstreamJobID *string         `json:"upstream_job_id,omitempty"`
	CostCredits   int64           `json:"cost_credits"`
	Progress      int             `json:"progress"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ResultURL     string          `json:"result_url,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	QuotaRetries  int             `json:"quota_retries"`
	QuotaQueuedAt *time.Time      `json:"quota_queued_at,omitempty"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// JobView is what callers polling a job see.
type JobView struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	ResultRef string    `json:"result_ref,omitempty"`
	ActionKey string    `json:"action_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View projects a job onto its caller-facing view.
func (j *Job) View() JobView {
	return JobView{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Error:     j.ErrorMessage,
		ResultRef: j.ResultURL,
		ActionKey: j.ActionKey,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
