package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent records a state change for later review.
type AuditEvent struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	ActorID   *uuid.UUID      `json:"actorId,omitempty"`
	SubjectID *uuid.UUID      `json:"subjectId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}
