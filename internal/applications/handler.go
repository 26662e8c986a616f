package applications

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
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

type submitRequest struct {
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Skills       []string `json:"skills"`
	PortfolioURL string   `json:"portfolioUrl"`
}

// Submit handles POST /api/v1/applications. No authentication.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := h.validator.DecodeRequest(r, validation.SubmitApplication, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	a, err := h.svc.Submit(r.Context(), SubmitInput{
		Email: req.Email, Name: req.Name, Skills: req.Skills, PortfolioURL: req.PortfolioURL,
	})
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.Created(w, a, "Application received")
}

// List handles GET /api/v1/admin/applications?status=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, list)
}

// Approve handles POST /api/v1/admin/applications/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	out, err := h.svc.Approve(r.Context(), actor, id)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.Created(w, out, "Worker account created")
}

// Reject handles POST /api/v1/admin/applications/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := h.validator.DecodeRequest(r, validation.RejectApplication, &req); err != nil {
			resp.Error(w, h.log, err)
			return
		}
	}
	if err := h.svc.Reject(r.Context(), actor, id, req.Reason); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.JSON(w, http.StatusOK, resp.Envelope{Success: true, Message: "Application rejected"})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Invalid("id", "must be a UUID")
	}
	return id, nil
}
