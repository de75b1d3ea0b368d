package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reservation statuses. held is the only non-terminal status.
const (
	ReservationHeld      = "held"
	ReservationFinalized = "finalized"
	ReservationReleased  = "released"
)

// Reservation is a claim against an identity's available balance made
// before work starts. Only Status (and its timestamps) ever change.
type Reservation struct {
	ID            uuid.UUID       `json:"id"`
	IdentityID    uuid.UUID       `json:"identity_id"`
	JobID         uuid.UUID       `json:"job_id"`
	ActionKey     string          `json:"action_key"`
	Cost          int64           `json:"cost"`
	Status        string          `json:"status"`
	ReleaseReason string          `json:"release_reason,omitempty"`
	Meta          json.RawMessage `json:"meta,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
}
