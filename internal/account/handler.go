// Package account serves the caller's own account and credit history, and
// the admin credit top-up.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/validation"
)

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Ledger interface {
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditEntry, error)
	Grant(ctx context.Context, userID uuid.UUID, credits, rollover int64) (*models.User, error)
}

type Handler struct {
	users     Users
	ledger    Ledger
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(users Users, ledger Ledger, v *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, ledger: ledger, validator: v, log: log}
}

// Me is the caller's account. AvailableCredits is only set for clients.
type Me struct {
	*models.User
	AvailableCredits *int64 `json:"availableCredits,omitempty"`
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	u, err := h.users.GetByID(r.Context(), actor.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		resp.Error(w, h.log, &apperr.NotFoundError{Resource: "user", ID: actor.ID.String()})
		return
	}
	if err != nil {
		resp.Error(w, h.log, apperr.Persistence("load user", err))
		return
	}
	me := Me{User: u}
	if u.Role == models.RoleClient {
		avail := u.AvailableCredits()
		me.AvailableCredits = &avail
	}
	resp.OK(w, me)
}

// GET /api/v1/credit-ledger?limit=
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			resp.Error(w, h.log, apperr.Invalid("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}
	entries, err := h.ledger.History(r.Context(), actor.ID, limit)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, entries)
}

type grantRequest struct {
	UserID          uuid.UUID `json:"userId"`
	Credits         int64     `json:"credits"`
	RolloverCredits int64     `json:"rolloverCredits"`
}

// POST /api/v1/admin/credits
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.validator.DecodeRequest(r, validation.GrantCredits, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	u, err := h.ledger.Grant(r.Context(), req.UserID, req.Credits, req.RolloverCredits)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, u)
}
