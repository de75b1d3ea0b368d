package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds. Grants and refunds credit the wallet; captures debit it.
const (
	LedgerKindGrant   = "grant"
	LedgerKindCapture = "capture"
	LedgerKindRefund  = "refund"
)

// Ledger entry ref_type values.
const (
	RefTypeReservation = "reservation"
	RefTypeAdmin       = "admin"
	RefTypePurchase    = "purchase"
	RefTypeSignup      = "signup"
)

// LedgerEntry is an append-only record of one balance change. Amount is
// always positive; the sign comes from Kind.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	IdentityID   uuid.UUID  `json:"identity_id"`
	Kind         string     `json:"kind"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	RefType      string     `json:"ref_type"`
	RefID        *uuid.UUID `json:"ref_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LedgerDelta returns the signed balance change for an entry kind.
func LedgerDelta(kind string, amount int64) int64 {
	if kind == LedgerKindCapture {
		return -amount
	}
	return amount
}

// ValidLedgerKind reports whether kind is a known ledger entry kind.
func ValidLedgerKind(kind string) bool {
	switch kind {
	case LedgerKindGrant, LedgerKindCapture, LedgerKindRefund:
		return true
	}
	return false
}
