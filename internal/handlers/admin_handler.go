package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/generation"
	"github.com/creditforge/backend/internal/guard"
	"github.com/creditforge/backend/internal/ledger"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/quotaqueue"
)

type Granter interface {
	Grant(ctx context.Context, caller generation.Caller, identityID uuid.UUID, amount int64, refType string) (*models.LedgerEntry, error)
}

// QuotaAdmin exposes the quota retry queue to operators.
type QuotaAdmin interface {
	ProcessNow(ctx context.Context) int
	Len() int
	Snapshot() []quotaqueue.Entry
}

// WalletAuditor reports and repairs wallet balance drift.
type WalletAuditor interface {
	FindDrift(ctx context.Context, limit int) ([]*models.WalletDrift, error)
	RepairWallet(ctx context.Context, identityID uuid.UUID, reason, trigger string) (*ledger.RepairResult, error)
}

type GuardStatus interface {
	Status(ctx context.Context) (guard.Status, error)
}

// AdminHandler serves /v1/admin endpoints. Routes are wrapped in
// middleware.RequireAdmin.
type AdminHandler struct {
	Wallets Granter
	Audit   WalletAuditor
	Quota   QuotaAdmin
	Guard   GuardStatus
	Logger  *slog.Logger
}

type grantRequest struct {
	Amount  int64  `json:"amount" validate:"gt=0"`
	RefType string `json:"ref_type" validate:"omitempty,oneof=admin purchase signup"`
}

// Grant handles POST /v1/admin/wallets/{identity}/grant.
func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	target, err := pathUUID(r, "identity")
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	var req grantRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	entry, err := h.Wallets.Grant(r.Context(), c, target, req.Amount, req.RefType)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	h.Logger.Info("Credits granted", "identity_id", target, "amount", req.Amount, "granted_by", c.IdentityID)
	writeJSON(w, http.StatusOK, entry)
}

// WalletDrift handles GET /v1/admin/wallets/drift.
func (h *AdminHandler) WalletDrift(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Audit.FindDrift(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if drifts == nil {
		drifts = []*models.WalletDrift{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(drifts), "drifts": drifts})
}

type repairRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

// RepairWallet handles POST /v1/admin/wallets/{identity}/repair.
func (h *AdminHandler) RepairWallet(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	target, err := pathUUID(r, "identity")
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	var req repairRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = models.RepairReasonManual
	}
	res, err := h.Audit.RepairWallet(r.Context(), target, req.Reason, "admin")
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	h.Logger.Info("Wallet repair requested", "identity_id", target, "repaired", res.Repaired, "requested_by", c.IdentityID)
	writeJSON(w, http.StatusOK, res)
}

type quotaQueueResponse struct {
	Depth   int                `json:"depth"`
	Entries []quotaqueue.Entry `json:"entries"`
}

// QuotaQueue handles GET /v1/admin/quota-queue.
func (h *AdminHandler) QuotaQueue(w http.ResponseWriter, r *http.Request) {
	entries := h.Quota.Snapshot()
	if entries == nil {
		entries = []quotaqueue.Entry{}
	}
	writeJSON(w, http.StatusOK, quotaQueueResponse{Depth: len(entries), Entries: entries})
}

// ProcessQuotaQueue handles POST /v1/admin/quota-queue/process.
func (h *AdminHandler) ProcessQuotaQueue(w http.ResponseWriter, r *http.Request) {
	processed := h.Quota.ProcessNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed, "remaining": h.Quota.Len()})
}

// GuardStatus handles GET /v1/admin/guard.
func (h *AdminHandler) GuardStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.Guard.Status(r.Context())
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
