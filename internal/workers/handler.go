package workers

import (
	"log/slog"
	"net/http"

	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/validation"
)

type Handler struct {
	svc       *Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, v *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: v, log: log}
}

type updateProfileRequest struct {
	Availability      *string `json:"availability"`
	MaxConcurrentJobs *int    `json:"maxConcurrentJobs"`
	PayoutAccountID   *string `json:"payoutAccountId"`
}

// GetMe handles GET /api/v1/workers/me.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	u, err := h.svc.Me(r.Context(), actor)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, u)
}

// UpdateMe handles PATCH /api/v1/workers/me.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	var req updateProfileRequest
	if err := h.validator.DecodeRequest(r, validation.UpdateWorker, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	u, err := h.svc.UpdateProfile(r.Context(), actor, ProfileInput(req))
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, u)
}

// List handles GET /api/v1/admin/workers?availability=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), r.URL.Query().Get("availability"))
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, list)
}
