// Package router assembles the /api/v1 route table.
package router

import (
	"net/http"

	"github.com/nimmit/backend/internal/account"
	"github.com/nimmit/backend/internal/applications"
	"github.com/nimmit/backend/internal/auth"
	"github.com/nimmit/backend/internal/jobs"
	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/payouts"
	"github.com/nimmit/backend/internal/realtime"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/workers"
)

// Handlers are the API's endpoint groups.
type Handlers struct {
	Auth         *auth.Handler
	Jobs         *jobs.Handler
	Applications *applications.Handler
	Workers      *workers.Handler
	Account      *account.Handler
	Payouts      *payouts.Handler
	Audit        *notify.Handler
	Stream       *realtime.StreamHandler
}

// New returns the API under /api/v1 plus /metrics and /healthz. Every
// /api/v1 route except register, login and application intake requires a
// bearer token; /api/v1/admin routes require the admin role.
func New(h Handlers, tokens middleware.TokenValidator, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.Authenticate(tokens)
	role := func(roles ...string) func(http.HandlerFunc) http.Handler {
		gate := middleware.RequireRole(roles...)
		return func(fn http.HandlerFunc) http.Handler { return authed(gate(fn)) }
	}
	anyone := func(fn http.HandlerFunc) http.Handler { return authed(fn) }
	client := role(models.RoleClient)
	worker := role(models.RoleWorker)
	admin := role(models.RoleAdmin)

	const base = "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.Handle("POST "+base+"/auth/password", middleware.AuthenticatePasswordChange(tokens)(http.HandlerFunc(h.Auth.ChangePassword)))
	mux.HandleFunc("POST "+base+"/applications", h.Applications.Submit)

	mux.Handle("GET "+base+"/account/me", anyone(h.Account.GetMe))
	mux.Handle("GET "+base+"/credit-ledger", client(h.Account.ListCreditLedger))

	mux.Handle("POST "+base+"/briefings", client(h.Jobs.CreateBriefing))
	mux.Handle("POST "+base+"/jobs", client(h.Jobs.CreateJob))
	mux.Handle("GET "+base+"/jobs", anyone(h.Jobs.ListJobs))
	mux.Handle("GET "+base+"/jobs/{id}", anyone(h.Jobs.GetJob))
	mux.Handle("PATCH "+base+"/jobs/{id}", anyone(h.Jobs.UpdateJob))

	mux.Handle("GET "+base+"/workers/me", worker(h.Workers.GetMe))
	mux.Handle("PATCH "+base+"/workers/me", worker(h.Workers.UpdateMe))

	mux.Handle("GET "+base+"/notifications/stream", authed(h.Stream))

	mux.Handle("GET "+base+"/admin/applications", admin(h.Applications.List))
	mux.Handle("POST "+base+"/admin/applications/{id}/approve", admin(h.Applications.Approve))
	mux.Handle("POST "+base+"/admin/applications/{id}/reject", admin(h.Applications.Reject))
	mux.Handle("GET "+base+"/admin/workers", admin(h.Workers.List))
	mux.Handle("POST "+base+"/admin/credits", admin(h.Account.GrantCredits))
	mux.Handle("GET "+base+"/admin/payouts", admin(h.Payouts.ListPending))
	mux.Handle("POST "+base+"/admin/payouts", admin(h.Payouts.Process))
	mux.Handle("POST "+base+"/admin/payouts/recover", admin(h.Payouts.Recover))
	mux.Handle("POST "+base+"/admin/payouts/reconcile", admin(h.Payouts.Reconcile))
	mux.Handle("GET "+base+"/admin/payouts/history", admin(h.Payouts.History))
	mux.Handle("GET "+base+"/admin/audit", admin(h.Audit.ListAudit))

	mux.HandleFunc(base+"/", func(w http.ResponseWriter, r *http.Request) {
		resp.Fail(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp.OK(w, map[string]string{"status": "ok"})
	})
	return mux
}
