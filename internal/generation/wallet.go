package generation

import (
	"context"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

// Ledger is the wallet surface exposed to callers.
type Ledger interface {
	EnsureWallet(ctx context.Context, identityID uuid.UUID) error
	Summary(ctx context.Context, identityID uuid.UUID) (*models.WalletSummary, error)
	Entries(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Grant(ctx context.Context, identityID uuid.UUID, amount int64, refType string) (*models.LedgerEntry, error)
}

var grantRefTypes = map[string]bool{
	models.RefTypeAdmin:    true,
	models.RefTypePurchase: true,
	models.RefTypeSignup:   true,
}

// Wallets serves wallet views and credit grants.
type Wallets struct {
	ledger        Ledger
	signupCredits int64
}

func NewWallets(ledger Ledger, signupCredits int64) *Wallets {
	return &Wallets{ledger: ledger, signupCredits: signupCredits}
}

// Open creates the wallet of a new identity, granting the signup allowance
// when one is configured.
func (w *Wallets) Open(ctx context.Context, identityID uuid.UUID) (*models.WalletSummary, error) {
	if err := w.ledger.EnsureWallet(ctx, identityID); err != nil {
		return nil, err
	}
	if w.signupCredits > 0 {
		if _, err := w.ledger.Grant(ctx, identityID, w.signupCredits, models.RefTypeSignup); err != nil {
			return nil, err
		}
	}
	return w.ledger.Summary(ctx, identityID)
}

func (w *Wallets) Summary(ctx context.Context, caller Caller) (*models.WalletSummary, error) {
	return w.ledger.Summary(ctx, caller.IdentityID)
}

func (w *Wallets) Entries(ctx context.Context, caller Caller, limit int) ([]*models.LedgerEntry, error) {
	return w.ledger.Entries(ctx, caller.IdentityID, limit)
}

// Grant credits an identity's wallet. Admin only.
func (w *Wallets) Grant(ctx context.Context, caller Caller, identityID uuid.UUID, amount int64, refType string) (*models.LedgerEntry, error) {
	if !caller.Admin {
		return nil, apperr.New(apperr.CodeValidation, "granting credits requires the admin role")
	}
	if refType == "" {
		refType = models.RefTypeAdmin
	}
	if !grantRefTypes[refType] {
		return nil, apperr.New(apperr.CodeValidation, "unsupported ref_type %q", refType)
	}
	return w.ledger.Grant(ctx, identityID, amount, refType)
}
