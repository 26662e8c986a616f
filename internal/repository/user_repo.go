package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
)

// ErrConditionFailed is returned when a guarded UPDATE matched no rows: the
// row exists but no longer satisfies the WHERE clause.
var ErrConditionFailed = errors.New("conditional update matched no rows")

const userColumns = `id, email, name, role, password_hash, must_change_password,
	credits, rollover_credits, total_jobs, total_spent,
	availability, current_job_count, max_concurrent_jobs, pending_earnings_cents,
	total_earnings_cents, completed_jobs, skills, payout_account_id, created_at, updated_at`

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.MustChangePassword,
		&u.Credits, &u.RolloverCredits, &u.TotalJobs, &u.TotalSpent,
		&u.Availability, &u.CurrentJobCount, &u.MaxConcurrentJobs, &u.PendingEarningsCents,
		&u.Stats.TotalEarningsCents, &u.Stats.CompletedJobs, &u.Skills, &u.PayoutAccountID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUsers(rows pgx.Rows) ([]*models.User, error) {
	defer rows.Close()
	var list []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

// Create inserts u. Inside tx when tx is non-nil.
func (r *UserRepo) Create(ctx context.Context, tx pgx.Tx, u *models.User) error {
	if u.Skills == nil {
		u.Skills = []string{}
	}
	if u.Availability == "" {
		u.Availability = models.AvailabilityOffline
	}
	if u.MaxConcurrentJobs == 0 {
		u.MaxConcurrentJobs = models.DefaultConcurrentJobs
	}
	q := querier(r.pool, tx)
	return q.QueryRow(ctx, `
		INSERT INTO users (id, email, name, role, password_hash, must_change_password, credits, rollover_credits,
			availability, max_concurrent_jobs, skills)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.MustChangePassword, u.Credits, u.RolloverCredits,
		u.Availability, u.MaxConcurrentJobs, u.Skills).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// GetByIDForUpdate locks the user row for the rest of tx.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	return scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// DeductCredits takes credits and rollover from the user in one statement and
// bumps the spending counters. It refuses to drive either balance negative.
func (r *UserRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits, rollover int64) (creditsAfter, rolloverAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET credits = credits - $2,
		    rollover_credits = rollover_credits - $3,
		    total_jobs = total_jobs + 1,
		    total_spent = total_spent + $2 + $3,
		    updated_at = now()
		WHERE id = $1 AND credits >= $2 AND rollover_credits >= $3
		RETURNING credits, rollover_credits
	`, id, credits, rollover).Scan(&creditsAfter, &rolloverAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrConditionFailed
	}
	return creditsAfter, rolloverAfter, err
}

// AddCredits increases both balances.
func (r *UserRepo) AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits, rollover int64) (creditsAfter, rolloverAfter int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET credits = credits + $2, rollover_credits = rollover_credits + $3, updated_at = now()
		WHERE id = $1
		RETURNING credits, rollover_credits
	`, id, credits, rollover).Scan(&creditsAfter, &rolloverAfter)
	return creditsAfter, rolloverAfter, err
}

// WorkerDelta is a change to a worker's counters.
type WorkerDelta struct {
	JobCount      int
	PendingCents  int64
	CompletedJobs int
}

// ApplyWorkerDelta adjusts the worker's counters inside tx. Job count is
// floored at zero.
func (r *UserRepo) ApplyWorkerDelta(ctx context.Context, tx pgx.Tx, workerID uuid.UUID, d WorkerDelta) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET current_job_count = GREATEST(current_job_count + $2, 0),
		    pending_earnings_cents = pending_earnings_cents + $3,
		    completed_jobs = completed_jobs + $4,
		    updated_at = now()
		WHERE id = $1 AND role = 'worker'
	`, workerID, d.JobCount, d.PendingCents, d.CompletedJobs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SettleEarnings moves amount from pending to lifetime earnings. Pending is
// floored at zero so a drifted balance never goes negative.
func (r *UserRepo) SettleEarnings(ctx context.Context, tx pgx.Tx, workerID uuid.UUID, amountCents int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET pending_earnings_cents = GREATEST(pending_earnings_cents - $2, 0),
		    total_earnings_cents = total_earnings_cents + $2,
		    updated_at = now()
		WHERE id = $1
	`, workerID, amountCents)
	return err
}

// CompareAndSetPending rewrites pending earnings only if it still equals expected.
func (r *UserRepo) CompareAndSetPending(ctx context.Context, workerID uuid.UUID, expected, actual int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET pending_earnings_cents = $3, updated_at = now()
		WHERE id = $1 AND pending_earnings_cents = $2
	`, workerID, expected, actual)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

// WorkerFilter narrows ListWorkers.
type WorkerFilter struct {
	Availability string
	// PayableOnly keeps workers with pending earnings above zero.
	PayableOnly bool
	IDs         []uuid.UUID
}

func (r *UserRepo) ListWorkers(ctx context.Context, f WorkerFilter) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = 'worker'
		  AND ($1 = '' OR availability = $1)
		  AND (NOT $2 OR pending_earnings_cents > 0)
		  AND (cardinality($3::uuid[]) = 0 OR id = ANY($3))
		ORDER BY created_at
	`, f.Availability, f.PayableOnly, uuidSlice(f.IDs))
	if err != nil {
		return nil, err
	}
	return scanUsers(rows)
}

// WorkerProfile holds the worker-editable settings. Nil fields are left alone.
type WorkerProfile struct {
	Availability      *string
	MaxConcurrentJobs *int
	PayoutAccountID   *string
}

func (r *UserRepo) UpdateWorkerProfile(ctx context.Context, id uuid.UUID, p WorkerProfile) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		UPDATE users
		SET availability = COALESCE($2, availability),
		    max_concurrent_jobs = COALESCE($3, max_concurrent_jobs),
		    payout_account_id = COALESCE($4, payout_account_id),
		    updated_at = now()
		WHERE id = $1 AND role = 'worker'
		RETURNING `+userColumns, id, p.Availability, p.MaxConcurrentJobs, p.PayoutAccountID))
}

func (r *UserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, must_change_password = false, updated_at = now() WHERE id = $1
	`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetTemporaryPassword replaces the password of an account that has not
// chosen its own yet. It returns pgx.ErrNoRows when there is no such account.
func (r *UserRepo) SetTemporaryPassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1 AND must_change_password
	`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListIDsByRole returns the ids of every user with role.
func (r *UserRepo) ListIDsByRole(ctx context.Context, role string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY created_at`, role)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func uuidSlice(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
