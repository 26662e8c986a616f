package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimmit/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Append(ctx context.Context, e *models.AuditEvent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_events (id, kind, actor_id, subject_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.Kind, e.ActorID, e.SubjectID, e.Payload).Scan(&e.CreatedAt)
}

// List returns audit events, newest first. subjectID and kind are optional.
func (r *Repository) List(ctx context.Context, subjectID *uuid.UUID, kind string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, actor_id, subject_id, payload, created_at
		FROM audit_events
		WHERE ($1::uuid IS NULL OR subject_id = $1) AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, subjectID, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.ActorID, &e.SubjectID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
