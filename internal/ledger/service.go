// Package ledger debits and credits client credit balances. Rollover credits
// are always spent before purchased credits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

// Deduction is how a charge was split across the two balances.
type Deduction struct {
	Credits  int64 `json:"creditsToDeduct"`
	Rollover int64 `json:"rolloverToDeduct"`
}

// Total is the full amount deducted.
func (d Deduction) Total() int64 { return d.Credits + d.Rollover }

// Split decides how to charge total against the given balances. It fails
// with InsufficientCreditsError when the balances cannot cover total.
func Split(credits, rollover, total int64) (Deduction, error) {
	if total < 0 {
		return Deduction{}, apperr.Invalid("cost", "must not be negative")
	}
	available := credits + rollover
	if available < total {
		return Deduction{}, &apperr.InsufficientCreditsError{
			Required:  total,
			Available: available,
			Shortfall: total - available,
		}
	}
	fromRollover := min(rollover, total)
	return Deduction{Credits: total - fromRollover, Rollover: fromRollover}, nil
}

// AccountRepo is the minimal user repository the ledger needs.
type AccountRepo interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits, rollover int64) (creditsAfter, rolloverAfter int64, err error)
	AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits, rollover int64) (creditsAfter, rolloverAfter int64, err error)
}

// EntryRepo stores ledger entries.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditEntry) error
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditEntry, error)
}

type Service struct {
	db      database.TxBeginner
	users   AccountRepo
	entries EntryRepo
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewService(db database.TxBeginner, users AccountRepo, entries EntryRepo, m *metrics.Collector, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, users: users, entries: entries, metrics: m, log: log}
}

// ChargeForJob locks the client row, splits the cost and applies the debit
// as a single conditional update, then records one ledger entry per balance
// touched. Runs inside the caller's transaction; on error nothing the
// caller commits will have changed.
func (s *Service) ChargeForJob(ctx context.Context, tx pgx.Tx, clientID, jobID uuid.UUID, total int64) (Deduction, error) {
	u, err := s.users.GetByIDForUpdate(ctx, tx, clientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Deduction{}, &apperr.NotFoundError{Resource: "client", ID: clientID.String()}
	}
	if err != nil {
		return Deduction{}, apperr.Persistence("lock client", err)
	}
	d, err := Split(u.Credits, u.RolloverCredits, total)
	if err != nil {
		var ic *apperr.InsufficientCreditsError
		if errors.As(err, &ic) {
			s.metrics.RecordInsufficientCredits()
		}
		return Deduction{}, err
	}
	creditsAfter, rolloverAfter, err := s.users.DeductCredits(ctx, tx, clientID, d.Credits, d.Rollover)
	if errors.Is(err, repository.ErrConditionFailed) {
		return Deduction{}, &apperr.ConflictError{Message: "credit balance changed during charge"}
	}
	if err != nil {
		return Deduction{}, apperr.Persistence("debit credits", err)
	}

	if d.Rollover > 0 {
		if err := s.record(ctx, tx, clientID, &jobID, models.CreditEntryJobChargeRollover, -d.Rollover, creditsAfter, rolloverAfter); err != nil {
			return Deduction{}, err
		}
	}
	if d.Credits > 0 {
		if err := s.record(ctx, tx, clientID, &jobID, models.CreditEntryJobCharge, -d.Credits, creditsAfter, rolloverAfter); err != nil {
			return Deduction{}, err
		}
	}
	s.metrics.RecordCharge(total)
	return d, nil
}

// Refund returns amount to the client's purchased credits inside tx.
func (s *Service) Refund(ctx context.Context, tx pgx.Tx, clientID, jobID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	creditsAfter, rolloverAfter, err := s.users.AddCredits(ctx, tx, clientID, amount, 0)
	if err != nil {
		return apperr.Persistence("refund credits", err)
	}
	return s.record(ctx, tx, clientID, &jobID, models.CreditEntryRefund, amount, creditsAfter, rolloverAfter)
}

// Grant tops up a user's balances in its own transaction.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, credits, rollover int64) (*models.User, error) {
	if credits < 0 || rollover < 0 {
		return nil, apperr.Invalid("credits", "must not be negative")
	}
	if credits == 0 && rollover == 0 {
		return nil, apperr.Invalid("credits", "nothing to grant")
	}
	var out *models.User
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		u, err := s.users.GetByIDForUpdate(ctx, tx, userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return &apperr.NotFoundError{Resource: "user", ID: userID.String()}
		}
		if err != nil {
			return apperr.Persistence("lock user", err)
		}
		if u.Role != models.RoleClient {
			return apperr.Invalid("userId", "credits can only be granted to clients")
		}
		creditsAfter, rolloverAfter, err := s.users.AddCredits(ctx, tx, userID, credits, rollover)
		if err != nil {
			return apperr.Persistence("grant credits", err)
		}
		if credits > 0 {
			if err := s.record(ctx, tx, userID, nil, models.CreditEntryPurchase, credits, creditsAfter, rolloverAfter); err != nil {
				return err
			}
		}
		if rollover > 0 {
			if err := s.record(ctx, tx, userID, nil, models.CreditEntryRolloverGrant, rollover, creditsAfter, rolloverAfter); err != nil {
				return err
			}
		}
		u.Credits, u.RolloverCredits = creditsAfter, rolloverAfter
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("credits granted", "user_id", userID, "credits", credits, "rollover", rollover)
	return out, nil
}

// History returns the user's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	list, err := s.entries.ListByUserID(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Persistence("list credit ledger", err)
	}
	if list == nil {
		list = []*models.CreditEntry{}
	}
	return list, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, userID uuid.UUID, jobID *uuid.UUID, kind string, amount, creditsAfter, rolloverAfter int64) error {
	entry := &models.CreditEntry{
		ID:            uuid.New(),
		UserID:        userID,
		JobID:         jobID,
		EntryType:     kind,
		Amount:        amount,
		CreditsAfter:  creditsAfter,
		RolloverAfter: rolloverAfter,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return apperr.Persistence(fmt.Sprintf("insert %s entry", kind), err)
	}
	return nil
}
