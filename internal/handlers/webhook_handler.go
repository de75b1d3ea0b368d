package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/generation"
)

// WebhookSecretHeader carries the per-provider shared secret.
const WebhookSecretHeader = "X-Webhook-Secret"

type Completer interface {
	CompleteJobByUpstream(ctx context.Context, req generation.CompleteRequest) (*generation.CompleteResponse, error)
}

// WebhookHandler accepts completion callbacks from providers. Secrets maps
// provider name to its shared secret; providers without one cannot call in.
type WebhookHandler struct {
	Jobs    Completer
	Secrets map[string]string
	Logger  *slog.Logger
}

type webhookRequest struct {
	UpstreamID string `json:"upstream_id" validate:"required,max=256"`
	Success    bool   `json:"success"`
	Error      string `json:"error" validate:"max=2000"`
	ResultURL  string `json:"result_url" validate:"omitempty,url"`
}

// Complete handles POST /v1/webhooks/{provider}.
func (h *WebhookHandler) Complete(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	secret := h.Secrets[provider]
	if secret == "" {
		writeError(w, r, h.Logger, apperr.NotFound("webhook", provider))
		return
	}
	got := r.Header.Get(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		h.Logger.Warn("Webhook secret mismatch", "provider", provider)
		writeError(w, r, h.Logger, apperr.New(apperr.CodeUnauthorized, "invalid webhook secret"))
		return
	}

	var req webhookRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	resp, err := h.Jobs.CompleteJobByUpstream(r.Context(), generation.CompleteRequest{
		Provider:     provider,
		UpstreamID:   req.UpstreamID,
		Success:      req.Success,
		ErrorMessage: req.Error,
		ResultURL:    req.ResultURL,
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
