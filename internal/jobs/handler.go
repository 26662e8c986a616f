package jobs

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/resp"
	"github.com/nimmit/backend/internal/validation"
)

// Handler serves /api/v1/briefings and /api/v1/jobs.
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

type briefingRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	Priority       string   `json:"priority"`
	ReferenceFiles []string `json:"referenceFiles"`
}

func (b briefingRequest) input() BriefingInput {
	return BriefingInput{
		Title: b.Title, Description: b.Description, Category: b.Category,
		Priority: b.Priority, ReferenceFiles: b.ReferenceFiles,
	}
}

// CreateBriefing handles POST /api/v1/briefings.
func (h *Handler) CreateBriefing(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	var req briefingRequest
	if err := h.validator.DecodeRequest(r, validation.CreateBriefing, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	b, err := h.svc.CreateBriefing(r.Context(), actor, req.input())
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.Created(w, b, "Briefing saved")
}

type createJobRequest struct {
	BriefingID *uuid.UUID `json:"briefingId"`
	briefingRequest
}

type createJobResponse struct {
	JobID          uuid.UUID `json:"jobId"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	Priority       string    `json:"priority"`
	CreditsCharged int64     `json:"creditsCharged"`
}

// CreateJob handles POST /api/v1/jobs.
// Validate -> charge + insert (one tx) -> 201.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	var req createJobRequest
	if err := h.validator.DecodeRequest(r, validation.CreateJob, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}
	job, err := h.svc.CreateJob(r.Context(), actor, CreateInput{BriefingID: req.BriefingID, BriefingInput: req.input()})
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.Created(w, createJobResponse{
		JobID:          job.ID,
		Title:          job.Title,
		Category:       job.Category,
		Priority:       job.Priority,
		CreditsCharged: job.CreditsCharged,
	}, "Job created")
}

// ListJobs handles GET /api/v1/jobs?status=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	list, err := h.svc.List(r.Context(), actor, models.JobStatus(r.URL.Query().Get("status")))
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, list)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	job, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, job)
}

type updateJobRequest struct {
	Action       string     `json:"action"`
	Status       string     `json:"status"`
	WorkerID     *uuid.UUID `json:"workerId"`
	Rating       *int       `json:"rating"`
	Feedback     string     `json:"feedback"`
	Text         string     `json:"text"`
	Deliverables []string   `json:"deliverables"`
}

// UpdateJob handles PATCH /api/v1/jobs/{id}. The action selects a status
// change, a message, or completion with a rating.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFromCtx(r.Context())
	id, err := pathID(r)
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	var req updateJobRequest
	if err := h.validator.DecodeRequest(r, validation.UpdateJob, &req); err != nil {
		resp.Error(w, h.log, err)
		return
	}

	var job *models.Job
	switch req.Action {
	case "updateStatus":
		if req.Status == "" {
			resp.Error(w, h.log, apperr.Required("status"))
			return
		}
		to, perr := ParseStatus(req.Status)
		if perr != nil {
			resp.Error(w, h.log, perr)
			return
		}
		job, err = h.svc.Transition(r.Context(), actor, id, Change{
			To: to, WorkerID: req.WorkerID, Rating: req.Rating,
			Feedback: req.Feedback, Deliverables: req.Deliverables,
		})
	case "complete":
		job, err = h.svc.Transition(r.Context(), actor, id, Change{
			To: models.JobStatusCompleted, Rating: req.Rating, Feedback: req.Feedback,
		})
	case "addMessage":
		if _, err = h.svc.AddMessage(r.Context(), actor, id, req.Text); err == nil {
			job, err = h.svc.Get(r.Context(), actor, id)
		}
	default:
		err = apperr.Invalid("action", "is not supported")
	}
	if err != nil {
		resp.Error(w, h.log, err)
		return
	}
	resp.OK(w, job)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.Invalid("id", "must be a UUID")
	}
	return id, nil
}
