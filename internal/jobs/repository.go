package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

const jobColumns = `id, client_id, worker_id, briefing_id, title, description, category, priority, status,
	credits_charged, quoted_earnings_cents, worker_earnings_cents, rating, feedback, revision_note, revision_count,
	reference_files, deliverables, due_at, created_at, assigned_at, started_at, submitted_at, completed_at,
	cancelled_at, worker_paid_at, payout_id, version, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var rating *int16
	err := row.Scan(&j.ID, &j.ClientID, &j.WorkerID, &j.BriefingID, &j.Title, &j.Description, &j.Category, &j.Priority, &j.Status,
		&j.CreditsCharged, &j.QuotedEarningsCents, &j.WorkerEarningsCents, &rating, &j.Feedback, &j.RevisionNote, &j.RevisionCount,
		&j.ReferenceFiles, &j.Deliverables, &j.DueAt, &j.CreatedAt, &j.AssignedAt, &j.StartedAt, &j.SubmittedAt, &j.CompletedAt,
		&j.CancelledAt, &j.WorkerPaidAt, &j.PayoutID, &j.Version, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rating != nil {
		r := int(*rating)
		j.Rating = &r
	}
	return &j, nil
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, client_id, briefing_id, title, description, category, priority, status,
			credits_charged, quoted_earnings_cents, reference_files, deliverables, due_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '{}', $12, 1)
		RETURNING created_at, updated_at, version
	`, j.ID, j.ClientID, j.BriefingID, j.Title, j.Description, j.Category, j.Priority, j.Status,
		j.CreditsCharged, j.QuotedEarningsCents, j.ReferenceFiles, j.DueAt).Scan(&j.CreatedAt, &j.UpdatedAt, &j.Version)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// Update writes j only if the stored row is still at fromStatus and
// fromVersion, then bumps the version. A lost race returns
// repository.ErrConditionFailed.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, j *models.Job, fromStatus models.JobStatus, fromVersion int64) error {
	var rating *int16
	if j.Rating != nil {
		v := int16(*j.Rating)
		rating = &v
	}
	err := tx.QueryRow(ctx, `
		UPDATE jobs
		SET worker_id = $4, status = $5, worker_earnings_cents = $6, rating = $7, feedback = $8,
		    revision_note = $9, revision_count = $10, deliverables = $11,
		    assigned_at = $12, started_at = $13, submitted_at = $14, completed_at = $15, cancelled_at = $16,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING version, updated_at
	`, j.ID, fromStatus, fromVersion, j.WorkerID, j.Status, j.WorkerEarningsCents, rating, j.Feedback,
		j.RevisionNote, j.RevisionCount, j.Deliverables,
		j.AssignedAt, j.StartedAt, j.SubmittedAt, j.CompletedAt, j.CancelledAt).Scan(&j.Version, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrConditionFailed
	}
	return err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	ClientID *uuid.UUID
	WorkerID *uuid.UUID
	Status   models.JobStatus
	Limit    int
}

func (r *Repository) List(ctx context.Context, f Filter) ([]*models.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::uuid IS NULL OR client_id = $1)
		  AND ($2::uuid IS NULL OR worker_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.ClientID, f.WorkerID, string(f.Status), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// AddMessage stores m only while the job's conversation is open.
func (r *Repository) AddMessage(ctx context.Context, m *models.Message) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO job_messages (id, job_id, sender_id, sender_role, text, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (
			SELECT 1 FROM jobs WHERE id = $2 AND status IN ('assigned', 'in_progress', 'review', 'revision')
		)
	`, m.ID, m.JobID, m.SenderID, m.SenderRole, m.Text, m.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}

func (r *Repository) ListMessages(ctx context.Context, jobID uuid.UUID) ([]models.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, sender_id, sender_role, text, created_at
		FROM job_messages WHERE job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.JobID, &m.SenderID, &m.SenderRole, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (r *Repository) CreateBriefing(ctx context.Context, b *models.Briefing) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO briefings (id, client_id, title, description, category, priority, reference_files, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, b.ID, b.ClientID, b.Title, b.Description, b.Category, b.Priority, b.ReferenceFiles, b.Status).Scan(&b.CreatedAt)
}

// GetBriefingForUpdate locks the briefing for the rest of tx.
func (r *Repository) GetBriefingForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Briefing, error) {
	var b models.Briefing
	err := tx.QueryRow(ctx, `
		SELECT id, client_id, title, description, category, priority, reference_files, status, job_id, created_at
		FROM briefings WHERE id = $1 FOR UPDATE
	`, id).Scan(&b.ID, &b.ClientID, &b.Title, &b.Description, &b.Category, &b.Priority, &b.ReferenceFiles, &b.Status, &b.JobID, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) MarkBriefingConverted(ctx context.Context, tx pgx.Tx, id, jobID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE briefings SET status = 'converted', job_id = $2 WHERE id = $1 AND status = 'draft'
	`, id, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConditionFailed
	}
	return nil
}
