// Package generation is the upward-facing facade over the job registry: it
// runs admission control in front of job creation and enforces ownership on
// reads and cancellation.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/catalog"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/models"
)

// Jobs is the part of the job registry the facade drives.
type Jobs interface {
	Create(ctx context.Context, in jobs.CreateInput) (*jobs.CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, force bool) (*jobs.CancelResult, error)
	CompleteByUpstream(ctx context.Context, provider, upstreamID string, out jobs.Outcome) (*jobs.UpstreamResult, error)
}

type Actions interface {
	Lookup(key string) (*catalog.Action, error)
}

// Admission is the expense guard.
type Admission interface {
	CheckShape(action *catalog.Action, payload json.RawMessage) error
	CheckCapacity(ctx context.Context) error
	Begin(ctx context.Context, fingerprint string) (json.RawMessage, error)
	Remember(ctx context.Context, fingerprint string, response any) error
	Forget(ctx context.Context, fingerprint string)
}

// Tracker stops completion polling for a job that was resolved elsewhere.
type Tracker interface {
	Untrack(jobID uuid.UUID)
}

// Fingerprinter derives the idempotency fingerprint of a submission.
type Fingerprinter func(identityID uuid.UUID, actionKey string, payload json.RawMessage, clientKey string) (string, error)

// Caller is the authenticated identity behind a request.
type Caller struct {
	IdentityID uuid.UUID
	Admin      bool
}

type CreateRequest struct {
	IdentityID     uuid.UUID
	ActionKey      string
	Payload        json.RawMessage
	Meta           json.RawMessage
	IdempotencyKey string
}

// CreateResponse is also the payload replayed to duplicate submissions.
type CreateResponse struct {
	JobID         uuid.UUID  `json:"job_id"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	Status        string     `json:"status"`
	CostCredits   int64      `json:"cost_credits"`
	WasExisting   bool       `json:"was_existing"`
}

type CancelResponse struct {
	Job             models.JobView `json:"job"`
	CreditsReturned int64          `json:"credits_returned"`
}

type CompleteRequest struct {
	Provider     string
	UpstreamID   string
	Success      bool
	ErrorMessage string
	ResultURL    string
}

type CompleteResponse struct {
	Found               bool            `json:"found"`
	WasAlreadyCompleted bool            `json:"was_already_completed"`
	Job                 *models.JobView `json:"job,omitempty"`
}

type Service struct {
	jobs        Jobs
	actions     Actions
	guard       Admission
	fingerprint Fingerprinter
	tracker     Tracker
	logger      *slog.Logger
}

func NewService(js Jobs, actions Actions, guard Admission, fingerprint Fingerprinter, tracker Tracker, logger *slog.Logger) *Service {
	return &Service{
		jobs:        js,
		actions:     actions,
		guard:       guard,
		fingerprint: fingerprint,
		tracker:     tracker,
		logger:      logger,
	}
}

// CreateJob admits and creates a job. A repeat of a completed submission
// within the idempotency TTL returns the original response with WasExisting
// set and creates nothing.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	action, err := s.actions.Lookup(req.ActionKey)
	if err != nil {
		return nil, err
	}
	if err := s.guard.CheckShape(action, req.Payload); err != nil {
		return nil, err
	}
	fp, err := s.fingerprint(req.IdentityID, action.Key, req.Payload, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	cached, err := s.guard.Begin(ctx, fp)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		var resp CreateResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, err, "decode cached response")
		}
		resp.WasExisting = true
		return &resp, nil
	}

	resp, err := s.create(ctx, action, req)
	if err != nil {
		s.guard.Forget(context.WithoutCancel(ctx), fp)
		return nil, err
	}
	s.remember(ctx, fp, resp)
	return resp, nil
}

// remember stores the response for replay. If that keeps failing the
// processing claim is dropped, so a repeat submission creates a new job
// instead of being refused until the claim expires.
func (s *Service) remember(ctx context.Context, fp string, resp *CreateResponse) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.guard.Remember(ctx, fp, resp); err == nil {
			return
		}
	}
	s.logger.Warn("Storing idempotent response failed, dropping claim", "job_id", resp.JobID, "error", err)
	s.guard.Forget(ctx, fp)
}

func (s *Service) create(ctx context.Context, action *catalog.Action, req CreateRequest) (*CreateResponse, error) {
	if err := s.guard.CheckCapacity(ctx); err != nil {
		return nil, err
	}
	res, err := s.jobs.Create(ctx, jobs.CreateInput{
		IdentityID: req.IdentityID,
		ActionKey:  action.Key,
		Payload:    req.Payload,
		Meta:       req.Meta,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Job created", "job_id", res.Job.ID, "identity_id", req.IdentityID, "action_key", action.Key)
	return &CreateResponse{
		JobID:         res.Job.ID,
		ReservationID: res.Job.ReservationID,
		Status:        res.Job.Status,
		CostCredits:   res.Job.CostCredits,
	}, nil
}

// GetJob returns the job if the caller owns it. Jobs of other identities are
// reported as not found unless the caller is an admin.
func (s *Service) GetJob(ctx context.Context, caller Caller, jobID uuid.UUID) (*models.JobView, error) {
	job, err := s.owned(ctx, caller, jobID)
	if err != nil {
		return nil, err
	}
	v := job.View()
	return &v, nil
}

func (s *Service) ListJobs(ctx context.Context, caller Caller, limit int) ([]models.JobView, error) {
	list, err := s.jobs.ListByIdentity(ctx, caller.IdentityID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.JobView, 0, len(list))
	for _, j := range list {
		out = append(out, j.View())
	}
	return out, nil
}

// CancelJob cancels an owned job and releases its hold. Only admins may
// force cancellation of a pending job.
func (s *Service) CancelJob(ctx context.Context, caller Caller, jobID uuid.UUID, reason string, force bool) (*CancelResponse, error) {
	if force && !caller.Admin {
		return nil, apperr.New(apperr.CodeNotCancellable, "forced cancellation requires the admin role")
	}
	if _, err := s.owned(ctx, caller, jobID); err != nil {
		return nil, err
	}
	res, err := s.jobs.Cancel(ctx, jobID, reason, force)
	if err != nil {
		return nil, err
	}
	s.tracker.Untrack(jobID)
	return &CancelResponse{Job: res.Job.View(), CreditsReturned: res.CreditsReturned}, nil
}

// CompleteJobByUpstream applies a provider-reported outcome. An unknown
// upstream id is not an error; the response reports Found=false.
func (s *Service) CompleteJobByUpstream(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	if req.UpstreamID == "" {
		return nil, apperr.New(apperr.CodeValidation, "upstream_id is required")
	}
	res, err := s.jobs.CompleteByUpstream(ctx, req.Provider, req.UpstreamID, jobs.Outcome{
		Success:      req.Success,
		ErrorMessage: req.ErrorMessage,
		ResultURL:    req.ResultURL,
	})
	if err != nil {
		return nil, err
	}
	if !res.Found {
		s.logger.Warn("Completion for unknown upstream job", "provider", req.Provider, "upstream_id", req.UpstreamID)
		return &CompleteResponse{}, nil
	}
	s.tracker.Untrack(res.Job.ID)
	v := res.Job.View()
	return &CompleteResponse{Found: true, WasAlreadyCompleted: res.WasAlreadyCompleted, Job: &v}, nil
}

func (s *Service) owned(ctx context.Context, caller Caller, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IdentityID != caller.IdentityID && !caller.Admin {
		return nil, apperr.NotFound("job", jobID)
	}
	return job, nil
}

// IsClientError reports whether err is a caller mistake rather than a
// server fault.
func IsClientError(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Code != apperr.CodeInternal
}
