package payouts

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/validation"
)

// Admin is what the admin payout endpoints call.
type Admin interface {
	ListPending(ctx context.Context) (*PendingReport, error)
	ProcessPayouts(ctx context.Context, workerIDs []uuid.UUID) (*BatchResult, error)
	Recover(ctx context.Context) (RecoverResult, error)
	History(ctx context.Context, workerID *uuid.UUID, limit int) ([]*models.Payout, error)
}

// Handler serves /api/v1/admin/payouts.
type Handler struct {
	payouts    Admin
	reconciler reconciler
	validator  *validation.Validator
	log        *slog.Logger
}

func NewHandler(p Admin, r *Reconciler, v *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{payouts: p, reconciler: r, validator: v, log: log}
}

// ListPending handles GET /api/v1/admin/payouts[?format=csv].
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	report, err := h.payouts.ListPending(r.Context())
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	if r.URL.Query().Get("format") != "csv" {
		resp.OK(w, report)
		return
	}
	name := "nimmit-payouts-" + time.Now().UTC().Format(time.DateOnly) + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := WriteCSV(w, report); err != nil {
		h.log.Error("write payouts csv", "error", err)
	}
}

type processRequest struct {
	WorkerIDs []uuid.UUID `json:"workerIds"`
}

// Process handles POST /api/v1/admin/payouts.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := h.validator.DecodeRequest(r, validation.ProcessPayouts, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	// The batch runs to the end even if the caller goes away.
	res, err := h.payouts.ProcessPayouts(context.WithoutCancel(r.Context()), req.WorkerIDs)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, res)
}

// Recover handles POST /api/v1/admin/payouts/recover.
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	res, err := h.payouts.Recover(r.Context())
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, res)
}

// Reconcile handles POST /api/v1/admin/payouts/reconcile[?fix=true].
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	fix := false
	if s := r.URL.Query().Get("fix"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			resp.Error(w, h.log, apperr.Invalid("fix", "must be true or false"))
			return
		}
		fix = v
	}
	report, err := h.reconciler.Run(r.Context(), fix)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, report)
}

// History handles GET /api/v1/admin/payouts/history[?workerId=&limit=].
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var worker *uuid.UUID
	if s := q.Get("workerId"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			resp.Error(w, h.log, apperr.Invalid("workerId", "must be a UUID"))
			return
		}
		worker = &id
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			resp.Error(w, h.log, apperr.Invalid("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}
	list, err := h.payouts.History(r.Context(), worker, limit)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, list)
}
