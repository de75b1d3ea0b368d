// Package jobs is the job registry: it owns job rows and the status machine
// that moves them from queued to ready or failed, resolving the job's
// reservation in the same transaction as every terminal transition.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

const defaultListLimit = 50

// CreateInput describes a job to create.
type CreateInput struct {
	IdentityID uuid.UUID
	ActionKey  string
	Payload    json.RawMessage
	Meta       json.RawMessage
}

// CreateResult is returned by Create. Reservation is nil for free actions.
type CreateResult struct {
	Job         *models.Job
	Reservation *models.Reservation
}

// Outcome is a terminal result reported for a job.
type Outcome struct {
	Success      bool
	ErrorMessage string
	ResultURL    string
	// RequireStatus, when set, rejects the transition with STATUS_CONFLICT
	// unless the job is still in this status.
	RequireStatus string
}

func (o Outcome) status() string {
	if o.Success {
		return models.JobStatusReady
	}
	return models.JobStatusFailed
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	Job                 *models.Job
	WasAlreadyCompleted bool
}

// UpstreamResult is returned by CompleteByUpstream. Found is false when no
// job is bound to the upstream id.
type UpstreamResult struct {
	Job                 *models.Job
	WasAlreadyCompleted bool
	Found               bool
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Job             *models.Job
	CreditsReturned int64
}

type Service struct {
	db           TxBeginner
	repo         Repository
	reservations Reservations
	actions      Actions
	submitter    Submitter
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(db TxBeginner, repo Repository, reservations Reservations, actions Actions, submitter Submitter, logger *slog.Logger) *Service {
	return &Service{
		db:           db,
		repo:         repo,
		reservations: reservations,
		actions:      actions,
		submitter:    submitter,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create holds credits, inserts the job as queued and submits it for
// dispatch, all in one transaction. Nothing is persisted when any step fails.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	action, err := s.actions.Lookup(in.ActionKey)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          uuid.New(),
		IdentityID:  in.IdentityID,
		Provider:    action.Provider,
		ActionKey:   action.Key,
		ActionCode:  action.Code,
		Status:      models.JobStatusQueued,
		CostCredits: action.CostCredits,
		Payload:     in.Payload,
		Meta:        in.Meta,
	}
	out := &CreateResult{Job: job}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if action.CostCredits > 0 {
			res, err := s.reservations.ReserveTx(ctx, tx, in.IdentityID, action.Key, job.ID, in.Meta)
			if err != nil {
				return err
			}
			job.ReservationID = &res.Reservation.ID
			out.Reservation = res.Reservation
		}
		if err := s.repo.CreateTx(ctx, tx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := s.submitter.SubmitTx(ctx, tx, job.ID); err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job created", "job_id", job.ID, "identity_id", job.IdentityID, "action_key", job.ActionKey, "cost", job.CostCredits)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.repo.Get(ctx, id)
}

// ListByIdentity returns the identity's most recent jobs first.
func (s *Service) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListByIdentity(ctx, identityID, limit)
}

func (s *Service) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

// CountInFlight counts jobs that occupy dispatch or provider capacity.
func (s *Service) CountInFlight(ctx context.Context) (int, error) {
	return s.repo.CountByStatus(ctx, InFlight...)
}

// Complete moves a job to ready or failed and resolves its reservation in
// the same transaction: finalized on success, released on failure.
// Repeating the recorded outcome reports WasAlreadyCompleted; reporting the
// opposite outcome for a terminal job is a STATUS_CONFLICT.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, out Outcome) (*CompleteResult, error) {
	var result *CompleteResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = s.completeTx(ctx, tx, id, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !result.WasAlreadyCompleted {
		s.logger.Info("Job completed", "job_id", id, "status", result.Job.Status, "error", result.Job.ErrorMessage)
	}
	return result, nil
}

// Fail is Complete with a failed outcome.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, message string) (*CompleteResult, error) {
	return s.Complete(ctx, id, Outcome{ErrorMessage: message})
}

func (s *Service) completeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, out Outcome) (*CompleteResult, error) {
	job, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	target := out.status()

	if models.JobTerminal(job.Status) {
		if job.Status == target {
			return &CompleteResult{Job: job, WasAlreadyCompleted: true}, nil
		}
		return nil, apperr.New(apperr.CodeStatusConflict, "job %s is already %s", job.ID, job.Status)
	}
	if out.RequireStatus != "" && job.Status != out.RequireStatus {
		return nil, apperr.New(apperr.CodeStatusConflict, "job %s is %s, not %s", job.ID, job.Status, out.RequireStatus)
	}
	if err := checkTransition(job, target); err != nil {
		return nil, err
	}

	now := s.now()
	job.Status = target
	job.CompletedAt = &now
	if out.Success {
		job.Progress = 100
		job.ResultURL = out.ResultURL
		job.ErrorMessage = ""
	} else {
		job.ErrorMessage = out.ErrorMessage
		if job.ErrorMessage == "" {
			job.ErrorMessage = string(apperr.CodeProviderError)
		}
	}
	if err := s.repo.UpdateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if job.ReservationID != nil {
		if out.Success {
			_, err = s.reservations.FinalizeTx(ctx, tx, *job.ReservationID)
		} else {
			_, err = s.reservations.ReleaseTx(ctx, tx, *job.ReservationID, job.ErrorMessage)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve reservation: %w", err)
		}
	}
	return &CompleteResult{Job: job}, nil
}

// CompleteByUpstream completes the job bound to a provider's upstream id.
func (s *Service) CompleteByUpstream(ctx context.Context, provider, upstreamID string, out Outcome) (*UpstreamResult, error) {
	job, err := s.repo.GetByUpstream(ctx, provider, upstreamID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &UpstreamResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := s.Complete(ctx, job.ID, out)
	if err != nil {
		return nil, err
	}
	return &UpstreamResult{Job: res.Job, WasAlreadyCompleted: res.WasAlreadyCompleted, Found: true}, nil
}

// Cancel fails a job on behalf of a caller and releases its hold. queued and
// quota_queued jobs cancel freely; pending jobs need force.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, force bool) (*CancelResult, error) {
	var result *CancelResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !Cancellable(job.Status, force) {
			if job.Status == models.JobStatusPending {
				return apperr.New(apperr.CodeNotCancellable, "job %s is already running upstream; cancelling needs force", job.ID)
			}
			return apperr.New(apperr.CodeNotCancellable, "job %s is %s", job.ID, job.Status)
		}

		if reason == "" {
			reason = "cancelled by caller"
		}
		now := s.now()
		job.Status = models.JobStatusFailed
		job.ErrorMessage = "cancelled: " + reason
		job.CompletedAt = &now
		if err := s.repo.UpdateTx(ctx, tx, job); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		result = &CancelResult{Job: job}
		if job.ReservationID != nil {
			res, err := s.reservations.ReleaseTx(ctx, tx, *job.ReservationID, job.ErrorMessage)
			if err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
			if res.Changed() {
				result.CreditsReturned = res.Reservation.Cost
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Job cancelled", "job_id", id, "force", force, "credits_returned", result.CreditsReturned)
	return result, nil
}

// MarkDispatched records the provider that accepted the job and its upstream
// id, and moves a queued or quota_queued job to pending.
func (s *Service) MarkDispatched(ctx context.Context, id uuid.UUID, provider, upstreamID string) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusPending {
			return apperr.New(apperr.CodeStatusConflict, "job %s is already dispatched", job.ID)
		}
		if err := checkTransition(job, models.JobStatusPending); err != nil {
			return err
		}
		now := s.now()
		job.Status = models.JobStatusPending
		job.Provider = provider
		job.UpstreamJobID = &upstreamID
		job.DispatchedAt = &now
		job.QuotaQueuedAt = nil
		return s.repo.UpdateTx(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Job dispatched", "job_id", id, "provider", job.Provider, "upstream_id", upstreamID)
	return job, nil
}

// MarkQuotaQueued parks a job that the provider rejected for quota. The
// reservation stays held. Already quota_queued jobs are returned unchanged.
func (s *Service) MarkQuotaQueued(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusQuotaQueued {
			return nil
		}
		if err := checkTransition(job, models.JobStatusQuotaQueued); err != nil {
			return err
		}
		now := s.now()
		job.Status = models.JobStatusQuotaQueued
		job.QuotaQueuedAt = &now
		job.UpstreamJobID = nil
		return s.repo.UpdateTx(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SetProgress records progress for a pending job. Other statuses are ignored.
func (s *Service) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	return s.repo.SetProgress(ctx, id, progress)
}

func (s *Service) SetQuotaRetries(ctx context.Context, id uuid.UUID, retries int) error {
	return s.repo.SetQuotaRetries(ctx, id, retries)
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
