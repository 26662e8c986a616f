package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, job_id, entry_type, amount, credits_after, rollover_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, c.ID, c.UserID, c.JobID, c.EntryType, c.Amount, c.CreditsAfter, c.RolloverAfter).Scan(&c.CreatedAt)
}

// ListByUserID returns up to limit entries, newest first.
func (r *CreditRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, job_id, entry_type, amount, credits_after, rollover_after, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditEntry
	for rows.Next() {
		var c models.CreditEntry
		if err := rows.Scan(&c.ID, &c.UserID, &c.JobID, &c.EntryType, &c.Amount, &c.CreditsAfter, &c.RolloverAfter, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}
