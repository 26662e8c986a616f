package notify

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/resp"
)

// AuditReader lists audit events.
type AuditReader interface {
	List(ctx context.Context, subjectID *uuid.UUID, kind string, limit int) ([]*models.AuditEvent, error)
}

type Handler struct {
	audit AuditReader
	log   *slog.Logger
}

func NewHandler(audit AuditReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{audit: audit, log: log}
}

// ListAudit handles GET /api/v1/admin/audit?subjectId=&kind=.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	var subject *uuid.UUID
	if s := r.URL.Query().Get("subjectId"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			resp.Error(w, h.log, apperr.Invalid("subjectId", "must be a UUID"))
			return
		}
		subject = &id
	}
	list, err := h.audit.List(r.Context(), subject, r.URL.Query().Get("kind"), 200)
	if err != nil {
		resp.Error(w, h.log, apperr.Persistence("list audit", err))
		return
	}
	if list == nil {
		list = []*models.AuditEvent{}
	}
	resp.OK(w, list)
}
