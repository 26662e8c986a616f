// Package applications handles worker applications: public intake, and
// admin review that either creates the worker account or rejects.
package applications

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
	"github.com/nimmit/backend/internal/auth"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/repository"
)

type Store interface {
	Create(ctx context.Context, a *models.Application) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error)
	List(ctx context.Context, status string) ([]*models.Application, error)
	Approve(ctx context.Context, tx pgx.Tx, id, userID, reviewer uuid.UUID, at time.Time) error
	Reject(ctx context.Context, id, reviewer uuid.UUID, reason string, at time.Time) error
}

type Users interface {
	Create(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	ListIDsByRole(ctx context.Context, role string) ([]uuid.UUID, error)
}

type Notifier interface {
	Emit(ctx context.Context, ev notify.Event)
}

type SubmitInput struct {
	Email        string
	Name         string
	Skills       []string
	PortfolioURL string
}

// Approval is the outcome of approving an application. It never carries a
// credential.
type Approval struct {
	Application *models.Application `json:"application"`
	Worker      *models.User        `json:"worker"`
}

type Service struct {
	db       database.TxBeginner
	store    Store
	users    Users
	notify   Notifier
	log      *slog.Logger
	now      func() time.Time
	password func() (string, error)
}

func NewService(db database.TxBeginner, store Store, users Users, n Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, store: store, users: users, notify: n, log: log, now: time.Now, password: auth.TemporaryPassword}
}

var errClosed = &apperr.ConflictError{ErrCode: "APPLICATION_CLOSED", Message: "application has already been reviewed"}

func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.Application, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, &apperr.ConflictError{ErrCode: "EMAIL_TAKEN", Message: "an account with this email already exists"}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Persistence("load user", err)
	}

	a := &models.Application{
		ID:           uuid.New(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		Skills:       normalizeSkills(in.Skills),
		PortfolioURL: strings.TrimSpace(in.PortfolioURL),
		Status:       models.ApplicationStatusPending,
	}
	if err := s.store.Create(ctx, a); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, &apperr.ConflictError{ErrCode: "APPLICATION_PENDING", Message: "an application for this email is already pending"}
		}
		return nil, apperr.Persistence("create application", err)
	}

	admins, err := s.users.ListIDsByRole(ctx, models.RoleAdmin)
	if err != nil {
		s.log.Warn("list admins failed", "error", err)
	}
	s.notify.Emit(ctx, notify.Event{
		Kind:       notify.KindApplicationReceived,
		SubjectID:  &a.ID,
		Recipients: admins,
		Payload:    map[string]any{"applicationId": a.ID, "name": a.Name, "email": a.Email, "skills": a.Skills},
	})
	return a, nil
}

func (s *Service) List(ctx context.Context, status string) ([]*models.Application, error) {
	switch status {
	case "", models.ApplicationStatusPending, models.ApplicationStatusApproved, models.ApplicationStatusRejected:
	default:
		return nil, apperr.Invalid("status", "must be pending, approved or rejected")
	}
	list, err := s.store.List(ctx, status)
	if err != nil {
		return nil, apperr.Persistence("list applications", err)
	}
	if list == nil {
		list = []*models.Application{}
	}
	return list, nil
}

// Approve creates the worker account and closes the application in one
// transaction. The account starts behind a random password nobody is told;
// the welcome delivery issues the temporary credential the worker signs in
// with, and must change.
func (s *Service) Approve(ctx context.Context, actor models.Actor, id uuid.UUID) (*Approval, error) {
	if !actor.IsAdmin() {
		return nil, &apperr.ForbiddenError{Reason: "only admins review applications"}
	}
	unusable, err := s.password()
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	hash, err := auth.HashPassword(unusable)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var out Approval
	err = database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		a, err := s.store.GetByIDForUpdate(ctx, tx, id)
		if IsNotFound(err) {
			return &apperr.NotFoundError{Resource: "application", ID: id.String()}
		}
		if err != nil {
			return apperr.Persistence("lock application", err)
		}
		if a.Status != models.ApplicationStatusPending {
			return errClosed
		}
		w := &models.User{
			ID:                 uuid.New(),
			Email:              a.Email,
			Name:               a.Name,
			Role:               models.RoleWorker,
			PasswordHash:       hash,
			MustChangePassword: true,
			Availability:       models.AvailabilityOffline,
			MaxConcurrentJobs:  models.DefaultConcurrentJobs,
			Skills:             a.Skills,
		}
		if err := s.users.Create(ctx, tx, w); err != nil {
			if repository.IsUniqueViolation(err) {
				return &apperr.ConflictError{ErrCode: "EMAIL_TAKEN", Message: "an account with this email already exists"}
			}
			return apperr.Persistence("create worker", err)
		}
		now := s.now()
		if err := s.store.Approve(ctx, tx, a.ID, w.ID, actor.ID, now); err != nil {
			if errors.Is(err, repository.ErrConditionFailed) {
				return errClosed
			}
			return apperr.Persistence("approve application", err)
		}
		a.Status = models.ApplicationStatusApproved
		a.UserID, a.ReviewedBy, a.ReviewedAt = &w.ID, &actor.ID, &now
		out = Approval{Application: a, Worker: w}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("application approved", "application_id", id, "worker_id", out.Worker.ID)
	s.notify.Emit(ctx, notify.Event{
		Kind:       notify.KindWorkerWelcome,
		ActorID:    &actor.ID,
		SubjectID:  &out.Worker.ID,
		Recipients: notify.To(out.Worker.ID),
		Payload:    map[string]any{"applicationId": id, "email": out.Worker.Email},
	})
	return &out, nil
}

// Reject closes a pending application. Rejection is terminal.
func (s *Service) Reject(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) error {
	if !actor.IsAdmin() {
		return &apperr.ForbiddenError{Reason: "only admins review applications"}
	}
	reason = strings.TrimSpace(reason)
	err := s.store.Reject(ctx, id, actor.ID, reason, s.now())
	if errors.Is(err, repository.ErrConditionFailed) {
		// Either missing or already reviewed; tell them apart.
		return s.closedOrMissing(ctx, id)
	}
	if err != nil {
		return apperr.Persistence("reject application", err)
	}
	s.notify.Emit(ctx, notify.Event{
		Kind:      notify.KindApplicationRejected,
		ActorID:   &actor.ID,
		SubjectID: &id,
		Payload:   map[string]any{"applicationId": id, "reason": reason},
	})
	return nil
}

func (s *Service) closedOrMissing(ctx context.Context, id uuid.UUID) error {
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		_, err := s.store.GetByIDForUpdate(ctx, tx, id)
		return err
	})
	if IsNotFound(err) {
		return &apperr.NotFoundError{Resource: "application", ID: id.String()}
	}
	if err != nil {
		return apperr.Persistence("load application", err)
	}
	return errClosed
}

func normalizeSkills(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
