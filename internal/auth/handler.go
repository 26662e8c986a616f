package auth

import (
	"log/slog"
	"net/http"

	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/validation"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type Handler struct {
	svc       Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, v *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: v, log: log}
}

// Register handles POST /api/v1/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.validator.DecodeRequest(r, validation.Register, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	u, err := h.svc.Register(r.Context(), RegisterInput{Email: req.Email, Password: req.Password, Name: req.Name})
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.Created(w, u, "Account created")
}

// Login handles POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := h.validator.DecodeRequest(r, validation.Login, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	sess, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, sess)
}

// ChangePassword handles POST /api/v1/auth/password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	var req ChangePasswordRequest
	if err := h.validator.DecodeRequest(r, validation.ChangePassword, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	sess, err := h.svc.ChangePassword(r.Context(), actor, req.CurrentPassword, req.NewPassword)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.JSON(w, http.StatusOK, resp.Envelope{Success: true, Data: sess, Message: "Password updated"})
}
