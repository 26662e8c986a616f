// Package workers manages worker profiles: availability, capacity and the
// linked payout account.
package workers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/payments"
	"github.com/nimmit/backend/internal/repository"
)

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListWorkers(ctx context.Context, f repository.WorkerFilter) ([]*models.User, error)
	UpdateWorkerProfile(ctx context.Context, id uuid.UUID, p repository.WorkerProfile) (*models.User, error)
}

// Accounts checks a payout account with the processor before it is linked.
type Accounts interface {
	AccountStatus(ctx context.Context, accountID string) (payments.AccountStatus, error)
}

type ProfileInput struct {
	Availability      *string
	MaxConcurrentJobs *int
	PayoutAccountID   *string
}

type Service struct {
	users    Users
	accounts Accounts
	log      *slog.Logger
}

func NewService(users Users, accounts Accounts, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{users: users, accounts: accounts, log: log}
}

// UpdateProfile changes the caller's own worker settings. Lowering capacity
// below the current job count is allowed; it only stops new assignments.
func (s *Service) UpdateProfile(ctx context.Context, actor models.Actor, in ProfileInput) (*models.User, error) {
	if actor.Role != models.RoleWorker {
		return nil, &apperr.ForbiddenError{Reason: "only workers have a worker profile"}
	}
	if in.Availability == nil && in.MaxConcurrentJobs == nil && in.PayoutAccountID == nil {
		return nil, apperr.Invalid("body", "nothing to update")
	}
	if in.Availability != nil {
		switch *in.Availability {
		case models.AvailabilityAvailable, models.AvailabilityBusy, models.AvailabilityOffline:
		default:
			return nil, apperr.Invalid("availability", "must be available, busy or offline")
		}
	}
	if n := in.MaxConcurrentJobs; n != nil && (*n < models.MinConcurrentJobs || *n > models.MaxConcurrentJobs) {
		return nil, apperr.Invalid("maxConcurrentJobs", "must be between 1 and 10")
	}
	if in.PayoutAccountID != nil {
		if err := s.checkAccount(ctx, *in.PayoutAccountID); err != nil {
			return nil, err
		}
	}

	u, err := s.users.UpdateWorkerProfile(ctx, actor.ID, repository.WorkerProfile{
		Availability:      in.Availability,
		MaxConcurrentJobs: in.MaxConcurrentJobs,
		PayoutAccountID:   in.PayoutAccountID,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "worker", ID: actor.ID.String()}
	}
	if err != nil {
		return nil, apperr.Persistence("update worker profile", err)
	}
	s.log.Info("worker profile updated", "worker_id", actor.ID)
	return u, nil
}

// checkAccount refuses accounts the processor does not know. When no
// processor is configured the link is stored unchecked and the payout run
// verifies it later.
func (s *Service) checkAccount(ctx context.Context, accountID string) error {
	if s.accounts == nil {
		return nil
	}
	_, err := s.accounts.AccountStatus(ctx, accountID)
	switch {
	case err == nil, errors.Is(err, payments.ErrNotConfigured):
		return nil
	case payments.Declined(err):
		return apperr.Invalid("payoutAccountId", "is not a known payout account")
	default:
		return &apperr.ExternalServiceError{Service: "payments", Err: err}
	}
}

func (s *Service) Me(ctx context.Context, actor models.Actor) (*models.User, error) {
	if actor.Role != models.RoleWorker {
		return nil, &apperr.ForbiddenError{Reason: "only workers have a worker profile"}
	}
	u, err := s.users.GetByID(ctx, actor.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperr.NotFoundError{Resource: "worker", ID: actor.ID.String()}
	}
	if err != nil {
		return nil, apperr.Persistence("load worker", err)
	}
	return u, nil
}

// List returns every worker, optionally narrowed to one availability.
func (s *Service) List(ctx context.Context, availability string) ([]*models.User, error) {
	switch availability {
	case "", models.AvailabilityAvailable, models.AvailabilityBusy, models.AvailabilityOffline:
	default:
		return nil, apperr.Invalid("availability", "must be available, busy or offline")
	}
	list, err := s.users.ListWorkers(ctx, repository.WorkerFilter{Availability: availability})
	if err != nil {
		return nil, apperr.Persistence("list workers", err)
	}
	if list == nil {
		list = []*models.User{}
	}
	return list, nil
}
