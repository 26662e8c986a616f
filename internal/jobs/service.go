// Package jobs runs the job lifecycle: submission (with its credit charge),
// assignment, work, review and settlement of a worker's earnings.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/ledger"
	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/pricing"
	"github.com/nimmit/backend/internal/repository"
)

// Store is the job persistence the service needs.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Update(ctx context.Context, tx pgx.Tx, j *models.Job, fromStatus models.JobStatus, fromVersion int64) error
	List(ctx context.Context, f Filter) ([]*models.Job, error)
	AddMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, jobID uuid.UUID) ([]models.Message, error)
	CreateBriefing(ctx context.Context, b *models.Briefing) error
	GetBriefingForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Briefing, error)
	MarkBriefingConverted(ctx context.Context, tx pgx.Tx, id, jobID uuid.UUID) error
}

// Charger debits and refunds client credits inside a transaction.
type Charger interface {
	ChargeForJob(ctx context.Context, tx pgx.Tx, clientID, jobID uuid.UUID, total int64) (ledger.Deduction, error)
	Refund(ctx context.Context, tx pgx.Tx, clientID, jobID uuid.UUID, amount int64) error
}

// Workers reads workers and adjusts their counters.
type Workers interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ApplyWorkerDelta(ctx context.Context, tx pgx.Tx, workerID uuid.UUID, d repository.WorkerDelta) error
}

// Matcher chooses a worker for a job.
type Matcher interface {
	FindBestWorker(ctx context.Context, job *models.Job) (*models.User, error)
}

// Notifier records and delivers events.
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event)
}

// Options are policy switches.
type Options struct {
	// RefundOnCancel returns a cancelled job's credits to the client.
	RefundOnCancel bool
}

type Service struct {
	db      database.TxBeginner
	store   Store
	charger Charger
	workers Workers
	matcher Matcher
	notify  Notifier
	metrics *metrics.Collector
	log     *slog.Logger
	opts    Options
	now     func() time.Time
}

func NewService(db database.TxBeginner, store Store, charger Charger, workers Workers, matcher Matcher, n Notifier, m *metrics.Collector, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db: db, store: store, charger: charger, workers: workers, matcher: matcher,
		notify: n, metrics: m, log: log, opts: opts, now: time.Now,
	}
}

// BriefingInput describes a briefing or a job submitted without one.
type BriefingInput struct {
	Title          string
	Description    string
	Category       string
	Priority       string
	ReferenceFiles []string
}

func (in *BriefingInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	fields := map[string]string{}
	if in.Title == "" {
		fields["title"] = "is required"
	}
	if in.Description == "" {
		fields["description"] = "is required"
	}
	if in.Category == "" {
		fields["category"] = "is required"
	}
	if len(fields) > 0 {
		return &apperr.ValidationError{Fields: fields}
	}
	if in.Priority == "" {
		in.Priority = models.PriorityStandard
	}
	if in.ReferenceFiles == nil {
		in.ReferenceFiles = []string{}
	}
	_, err := pricing.For(in.Category, in.Priority)
	return err
}

// CreateBriefing stores a draft briefing for a client.
func (s *Service) CreateBriefing(ctx context.Context, actor models.Actor, in BriefingInput) (*models.Briefing, error) {
	if actor.Role != models.RoleClient {
		return nil, &apperr.ForbiddenError{Reason: "only clients submit briefings"}
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	b := &models.Briefing{
		ID:             uuid.New(),
		ClientID:       actor.ID,
		Title:          in.Title,
		Description:    in.Description,
		Category:       in.Category,
		Priority:       in.Priority,
		ReferenceFiles: in.ReferenceFiles,
		Status:         models.BriefingStatusDraft,
	}
	if err := s.store.CreateBriefing(ctx, b); err != nil {
		return nil, apperr.Persistence("create briefing", err)
	}
	return b, nil
}

// CreateInput is a job submission: either a briefing to convert or the
// job's fields directly.
type CreateInput struct {
	BriefingID *uuid.UUID
	BriefingInput
}

// CreateJob charges the client and creates the job in one transaction, so a
// failure at any step leaves neither a debit nor a job behind.
func (s *Service) CreateJob(ctx context.Context, actor models.Actor, in CreateInput) (*models.Job, error) {
	if actor.Role != models.RoleClient {
		return nil, &apperr.ForbiddenError{Reason: "only clients submit jobs"}
	}
	if in.BriefingID == nil {
		if err := in.BriefingInput.normalize(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	job := &models.Job{
		ID:           uuid.New(),
		ClientID:     actor.ID,
		Status:       models.JobStatusPending,
		Deliverables: []string{},
	}
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		src := in.BriefingInput
		if in.BriefingID != nil {
			b, err := s.store.GetBriefingForUpdate(ctx, tx, *in.BriefingID)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && b.ClientID != actor.ID) {
				return &apperr.NotFoundError{Resource: "briefing", ID: in.BriefingID.String()}
			}
			if err != nil {
				return apperr.Persistence("load briefing", err)
			}
			if b.Status != models.BriefingStatusDraft {
				return &apperr.ConflictError{ErrCode: "BRIEFING_CONVERTED", Message: "briefing already has a job"}
			}
			src = BriefingInput{
				Title: b.Title, Description: b.Description, Category: b.Category,
				Priority: b.Priority, ReferenceFiles: b.ReferenceFiles,
			}
			if err := src.normalize(); err != nil {
				return err
			}
			job.BriefingID = &b.ID
		}
		quote, err := pricing.For(src.Category, src.Priority)
		if err != nil {
			return err
		}
		due := now.Add(quote.Turnaround)
		job.Title, job.Description = src.Title, src.Description
		job.Category, job.Priority = src.Category, src.Priority
		job.ReferenceFiles = src.ReferenceFiles
		job.CreditsCharged = quote.Cost.Total
		job.QuotedEarningsCents = quote.WorkerEarningsCents
		job.DueAt = &due

		if _, err := s.charger.ChargeForJob(ctx, tx, actor.ID, job.ID, quote.Cost.Total); err != nil {
			return err
		}
		if err := s.store.Create(ctx, tx, job); err != nil {
			return apperr.Persistence("insert job", err)
		}
		if job.BriefingID != nil {
			if err := s.store.MarkBriefingConverted(ctx, tx, *job.BriefingID, job.ID); err != nil {
				if errors.Is(err, repository.ErrConditionFailed) {
					return &apperr.ConflictError{ErrCode: "BRIEFING_CONVERTED", Message: "briefing already has a job"}
				}
				return apperr.Persistence("convert briefing", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("job created", "job_id", job.ID, "client_id", actor.ID, "credits", job.CreditsCharged)
	s.notify.Emit(ctx, notify.Event{
		Kind:       notify.KindJobCreated,
		ActorID:    &actor.ID,
		SubjectID:  &job.ID,
		Recipients: notify.To(actor.ID),
		Payload: map[string]any{
			"title": job.Title, "category": job.Category, "priority": job.Priority, "creditsCharged": job.CreditsCharged,
		},
	})
	return job, nil
}

// Get returns a job with its messages if actor takes part in it.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Job, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(job, actor) {
		return nil, &apperr.ForbiddenError{Reason: "not a participant in this job"}
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("list messages", err)
	}
	job.Messages = msgs
	if job.Messages == nil {
		job.Messages = []models.Message{}
	}
	return job, nil
}

// List returns the jobs visible to actor: a client's own, a worker's
// assigned, or every job for an admin.
func (s *Service) List(ctx context.Context, actor models.Actor, status models.JobStatus) ([]*models.Job, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Invalid("status", "is not a known status")
	}
	f := Filter{Status: status}
	switch actor.Role {
	case models.RoleClient:
		f.ClientID = &actor.ID
	case models.RoleWorker:
		f.WorkerID = &actor.ID
	case models.RoleAdmin:
	default:
		return nil, &apperr.ForbiddenError{}
	}
	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	if list == nil {
		list = []*models.Job{}
	}
	return list, nil
}

// Transition moves a job to ch.To. Failures are checked in order: missing
// job, actor not allowed, transition not in the lifecycle, bad input. A
// concurrent change to the same job surfaces as a ConflictError.
func (s *Service) Transition(ctx context.Context, actor models.Actor, id uuid.UUID, ch Change) (*models.Job, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.To == models.JobStatusAssigned && job.Status == models.JobStatusPending && actor.IsAdmin() {
		if err := s.resolveWorker(ctx, job, &ch); err != nil {
			return nil, err
		}
	}

	next := job.Clone()
	eff, err := Apply(next, actor, ch, s.now())
	if err != nil {
		return nil, err
	}

	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.store.Update(ctx, tx, next, job.Status, job.Version); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) {
				return &apperr.ConflictError{Message: "job was changed by someone else, reload and retry"}
			}
			return apperr.Persistence("update job", err)
		}
		if eff.Worker != uuid.Nil {
			if err := s.workers.ApplyWorkerDelta(ctx, tx, eff.Worker, eff.WorkerDelta); err != nil {
				return apperr.Persistence("update worker counters", err)
			}
		}
		if s.opts.RefundOnCancel && eff.CancelledCredits > 0 {
			if err := s.charger.Refund(ctx, tx, job.ClientID, job.ID, eff.CancelledCredits); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransition(string(job.Status), string(next.Status))
	s.log.Info("job transitioned", "job_id", id, "from", job.Status, "to", next.Status, "actor_id", actor.ID)
	payload := map[string]any{"title": next.Title, "status": string(next.Status)}
	switch next.Status {
	case models.JobStatusCompleted:
		payload["rating"] = *next.Rating
		payload["workerEarningsCents"] = next.WorkerEarningsCents
	case models.JobStatusRevision:
		payload["feedback"] = *next.RevisionNote
	}
	s.emitToParties(ctx, next, actor, notify.JobKind(next.Status), payload)
	return next, nil
}

// AddMessage appends a message to an open conversation.
func (s *Service) AddMessage(ctx context.Context, actor models.Actor, id uuid.UUID, text string) (*models.Message, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(job, actor, text, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, messagingClosed(job.Status)
		}
		return nil, apperr.Persistence("add message", err)
	}
	s.emitToParties(ctx, job, actor, notify.KindJobMessage, map[string]any{"title": job.Title, "from": actor.Role})
	return msg, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "job", ID: id.String()}
	}
	if err != nil {
		return nil, apperr.Persistence("load job", err)
	}
	return job, nil
}

// resolveWorker fills in or checks the worker for an assignment.
func (s *Service) resolveWorker(ctx context.Context, job *models.Job, ch *Change) error {
	if ch.WorkerID == nil {
		w, err := s.matcher.FindBestWorker(ctx, job)
		if err != nil {
			return apperr.Persistence("match worker", err)
		}
		if w == nil {
			return &apperr.ConflictError{ErrCode: "NO_WORKER_AVAILABLE", Message: "no worker has capacity for this job"}
		}
		ch.WorkerID = &w.ID
		return nil
	}
	w, err := s.workers.GetByID(ctx, *ch.WorkerID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && w.Role != models.RoleWorker) {
		return apperr.Invalid("workerId", "is not a worker")
	}
	if err != nil {
		return apperr.Persistence("load worker", err)
	}
	return nil
}

// emitToParties records one event and notifies the client and the worker,
// skipping the actor.
func (s *Service) emitToParties(ctx context.Context, job *models.Job, actor models.Actor, kind string, payload map[string]any) {
	var recipients []uuid.UUID
	if job.ClientID != actor.ID {
		recipients = append(recipients, job.ClientID)
	}
	if job.WorkerID != nil && *job.WorkerID != actor.ID {
		recipients = append(recipients, *job.WorkerID)
	}
	s.notify.Emit(ctx, notify.Event{
		Kind:       kind,
		ActorID:    &actor.ID,
		SubjectID:  &job.ID,
		Recipients: recipients,
		Payload:    payload,
	})
}

// ParseStatus maps an API status string to a JobStatus.
func ParseStatus(s string) (models.JobStatus, error) {
	st := models.JobStatus(s)
	if !st.Valid() {
		return "", apperr.Invalid("status", fmt.Sprintf("%q is not a known status", s))
	}
	return st, nil
}
