package router

import (
	"net/http"

	"github.com/creditforge/backend/internal/handlers"
	"github.com/creditforge/backend/internal/middleware"
)

// Handlers groups everything the route table dispatches to.
type Handlers struct {
	Jobs     *handlers.JobHandler
	Wallets  *handlers.WalletHandler
	Webhooks *handlers.WebhookHandler
	Admin    *handlers.AdminHandler
	// Assets serves persisted results under /assets/. Optional.
	Assets http.Handler
}

// New returns an http.Handler that serves the API under /v1.
func New(h Handlers, tokens middleware.TokenValidator) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.RequireIdentity(tokens)
	user := func(fn http.HandlerFunc) http.Handler { return authed(fn) }
	admin := func(fn http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(fn)) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/identities", h.Wallets.CreateIdentity)
	mux.Handle("GET /v1/wallet", user(h.Wallets.GetWallet))
	mux.Handle("GET /v1/wallet/entries", user(h.Wallets.ListEntries))

	mux.Handle("POST /v1/jobs", user(h.Jobs.CreateJob))
	mux.Handle("GET /v1/jobs", user(h.Jobs.ListJobs))
	mux.Handle("GET /v1/jobs/{id}", user(h.Jobs.GetJob))
	mux.Handle("POST /v1/jobs/{id}/cancel", user(h.Jobs.CancelJob))

	mux.HandleFunc("POST /v1/webhooks/{provider}", h.Webhooks.Complete)

	mux.Handle("POST /v1/admin/wallets/{identity}/grant", admin(h.Admin.Grant))
	mux.Handle("POST /v1/admin/wallets/{identity}/repair", admin(h.Admin.RepairWallet))
	mux.Handle("GET /v1/admin/wallets/drift", admin(h.Admin.WalletDrift))
	mux.Handle("GET /v1/admin/quota-queue", admin(h.Admin.QuotaQueue))
	mux.Handle("POST /v1/admin/quota-queue/process", admin(h.Admin.ProcessQuotaQueue))
	mux.Handle("GET /v1/admin/guard", admin(h.Admin.GuardStatus))

	if h.Assets != nil {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", h.Assets))
	}
	return mux
}
