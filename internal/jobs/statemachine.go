package jobs

import (
	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

// transitions lists the legal moves out of every non-terminal status.
var transitions = map[string][]string{
	models.JobStatusQueued:      {models.JobStatusPending, models.JobStatusQuotaQueued, models.JobStatusFailed},
	models.JobStatusPending:     {models.JobStatusReady, models.JobStatusFailed, models.JobStatusQuotaQueued},
	models.JobStatusQuotaQueued: {models.JobStatusPending, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(j *models.Job, to string) error {
	if CanTransition(j.Status, to) {
		return nil
	}
	return apperr.New(apperr.CodeStatusConflict, "job %s cannot move from %s to %s", j.ID, j.Status, to)
}

// Cancellable reports whether a job in status may be cancelled. Jobs that
// have an upstream operation need force.
func Cancellable(status string, force bool) bool {
	switch status {
	case models.JobStatusQueued, models.JobStatusQuotaQueued:
		return true
	case models.JobStatusPending:
		return force
	default:
		return false
	}
}

// InFlight are the statuses counted against the concurrency ceiling.
var InFlight = []string{models.JobStatusQueued, models.JobStatusPending}
