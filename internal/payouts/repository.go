package payouts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

// Repository persists payouts and the job claims that back them.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const payoutColumns = `id, worker_id, amount_cents, currency, status, batch_label, destination_account,
	transfer_id, error, job_count, created_at, settled_at`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.WorkerID, &p.AmountCents, &p.Currency, &p.Status, &p.BatchLabel,
		&p.DestinationAccount, &p.TransferID, &p.Error, &p.JobCount, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayouts(rows pgx.Rows) ([]*models.Payout, error) {
	defer rows.Close()
	var list []*models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Claim records p as initiated and attaches every unpaid, unclaimed
// completed job of p.WorkerID to it. p.AmountCents and p.JobCount are set
// from the claimed jobs.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, p *models.Payout) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payouts (id, worker_id, amount_cents, currency, status, batch_label, destination_account)
		VALUES ($1, $2, 0, $3, 'initiated', $4, $5)
	`, p.ID, p.WorkerID, p.Currency, p.BatchLabel, p.DestinationAccount)
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE jobs SET payout_id = $2
			WHERE worker_id = $1 AND status = 'completed' AND worker_paid_at IS NULL
			  AND payout_id IS NULL AND worker_earnings_cents > 0
			RETURNING worker_earnings_cents
		)
		SELECT COALESCE(SUM(worker_earnings_cents), 0)::bigint, COUNT(*) FROM claimed
	`, p.WorkerID, p.ID).Scan(&p.AmountCents, &p.JobCount)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		UPDATE payouts SET amount_cents = $2, job_count = $3 WHERE id = $1 RETURNING status, created_at
	`, p.ID, p.AmountCents, p.JobCount).Scan(&p.Status, &p.CreatedAt)
}

// Settle marks an initiated payout settled and its jobs paid at paidAt.
// It returns the number of jobs marked.
func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, transferID string, paidAt time.Time) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'settled', transfer_id = $2, settled_at = $3
		WHERE id = $1 AND status = 'initiated'
	`, payoutID, transferID, paidAt)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, repository.ErrConditionFailed
	}
	tag, err = tx.Exec(ctx, `
		UPDATE jobs SET worker_paid_at = $2, updated_at = now()
		WHERE payout_id = $1 AND worker_paid_at IS NULL
	`, payoutID, paidAt)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Fail marks an initiated payout failed and releases its jobs for the next batch.
func (r *Repository) Fail(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payouts SET status = 'failed', error = $2 WHERE id = $1 AND status = 'initiated'
	`, payoutID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConditionFailed
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET payout_id = NULL WHERE payout_id = $1 AND worker_paid_at IS NULL
	`, payoutID)
	return err
}

// ListStale returns payouts still initiated that were created before cutoff.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Payout, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'initiated' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanPayouts(rows)
}

// History returns recent payouts, newest first, optionally for one worker.
func (r *Repository) History(ctx context.Context, workerID *uuid.UUID, limit int) ([]*models.Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE ($1::uuid IS NULL OR worker_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, workerID, limit)
	if err != nil {
		return nil, err
	}
	return scanPayouts(rows)
}

// Unpaid is the sum over a worker's completed jobs whose earnings have not
// been paid out.
type Unpaid struct {
	Cents int64
	Jobs  int
}

// UnpaidByWorker recomputes unpaid earnings from job records. Jobs claimed
// by an in-flight payout still count: they are unpaid until it settles.
func (r *Repository) UnpaidByWorker(ctx context.Context) (map[uuid.UUID]Unpaid, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT worker_id, SUM(worker_earnings_cents)::bigint, COUNT(*)
		FROM jobs
		WHERE status = 'completed' AND worker_paid_at IS NULL AND worker_id IS NOT NULL
		GROUP BY worker_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]Unpaid)
	for rows.Next() {
		var id uuid.UUID
		var u Unpaid
		if err := rows.Scan(&id, &u.Cents, &u.Jobs); err != nil {
			return nil, err
		}
		out[id] = u
	}
	return out, rows.Err()
}
