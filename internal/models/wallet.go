package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity roles carried in access tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Wallet is the single credit balance owned by an identity. BalanceCredits is
// only changed together with an appended LedgerEntry.
type Wallet struct {
	IdentityID     uuid.UUID `json:"identity_id"`
	BalanceCredits int64     `json:"balance_credits"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WalletSummary is the caller-facing view of a wallet.
type WalletSummary struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Balance    int64     `json:"balance"`
	Held       int64     `json:"held"`
	Available  int64     `json:"available"`
}

// Wallet repair reasons.
const (
	RepairReasonAudit  = "daily_audit"
	RepairReasonManual = "manual_repair"
)

// WalletDrift compares a wallet's cached balance with the sum of its ledger
// entries. Drift is LedgerSum minus CachedBalance.
type WalletDrift struct {
	IdentityID    uuid.UUID `json:"identity_id"`
	CachedBalance int64     `json:"cached_balance"`
	LedgerSum     int64     `json:"ledger_sum"`
	EntryCount    int64     `json:"entry_count"`
	Drift         int64     `json:"drift"`
}

// WalletRepair records one correction of a cached balance to its ledger sum.
type WalletRepair struct {
	ID            uuid.UUID `json:"id"`
	IdentityID    uuid.UUID `json:"identity_id"`
	OldBalance    int64     `json:"old_balance"`
	NewBalance    int64     `json:"new_balance"`
	DriftAmount   int64     `json:"drift_amount"`
	Reason        string    `json:"reason"`
	TriggerSource string    `json:"trigger_source"`
	CreatedAt     time.Time `json:"created_at"`
}
