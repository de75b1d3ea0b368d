package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/generation"
	"github.com/creditforge/backend/internal/models"
)

// WalletFacade is the wallet surface served by WalletHandler.
type WalletFacade interface {
	Open(ctx context.Context, identityID uuid.UUID) (*models.WalletSummary, error)
	Summary(ctx context.Context, caller generation.Caller) (*models.WalletSummary, error)
	Entries(ctx context.Context, caller generation.Caller, limit int) ([]*models.LedgerEntry, error)
}

// TokenIssuer mints access tokens for identities.
type TokenIssuer interface {
	IssueToken(identityID uuid.UUID, role string) (string, error)
}

// WalletHandler serves identity creation and the caller's wallet.
type WalletHandler struct {
	Wallets WalletFacade
	Tokens  TokenIssuer
	Logger  *slog.Logger
}

type identityResponse struct {
	IdentityID uuid.UUID             `json:"identity_id"`
	Token      string                `json:"token"`
	Wallet     *models.WalletSummary `json:"wallet"`
}

// CreateIdentity handles POST /v1/identities: a new anonymous identity with
// its wallet and a user token.
func (h *WalletHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	id := uuid.New()
	wallet, err := h.Wallets.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	token, err := h.Tokens.IssueToken(id, models.RoleUser)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	h.Logger.Info("Identity created", "identity_id", id)
	writeJSON(w, http.StatusCreated, identityResponse{IdentityID: id, Token: token, Wallet: wallet})
}

// GetWallet handles GET /v1/wallet.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	s, err := h.Wallets.Summary(r.Context(), c)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListEntries handles GET /v1/wallet/entries.
func (h *WalletHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	entries, err := h.Wallets.Entries(r.Context(), c, queryLimit(r))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
