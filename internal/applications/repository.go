package applications

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

const applicationColumns = `id, email, name, skills, portfolio_url, status, user_id, reviewed_by, reviewed_at,
	reject_reason, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Skills, &a.PortfolioURL, &a.Status, &a.UserID, &a.ReviewedBy,
		&a.ReviewedAt, &a.RejectReason, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) Create(ctx context.Context, a *models.Application) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO applications (id, email, name, skills, portfolio_url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, a.ID, a.Email, a.Name, a.Skills, a.PortfolioURL, a.Status).Scan(&a.CreatedAt)
}

func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error) {
	return scanApplication(tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
}

// List returns applications newest first, optionally narrowed to one status.
func (r *Repository) List(ctx context.Context, status string) ([]*models.Application, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT 500
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// Approve marks a pending application approved and links the worker account.
func (r *Repository) Approve(ctx context.Context, tx pgx.Tx, id, userID, reviewer uuid.UUID, at time.Time) error {
	return closeApplication(ctx, tx, `
		UPDATE applications
		SET status = 'approved', user_id = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, userID, reviewer, at)
}

// Reject marks a pending application rejected.
func (r *Repository) Reject(ctx context.Context, id, reviewer uuid.UUID, reason string, at time.Time) error {
	return closeApplication(ctx, r.pool, `
		UPDATE applications
		SET status = 'rejected', reject_reason = NULLIF($2, ''), reviewed_by = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, reason, reviewer, at)
}

func closeApplication(ctx context.Context, q repository.Querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

// IsNotFound reports whether err means the application row is missing.
func IsNotFound(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
