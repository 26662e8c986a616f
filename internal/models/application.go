package models

import (
	"time"

	"github.com/google/uuid"
)

// Application statuses. Approved and rejected are terminal.
const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusApproved = "approved"
	ApplicationStatusRejected = "rejected"
)

// Application is a prospective worker's intake record.
type Application struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Skills       []string   `json:"skills"`
	PortfolioURL string     `json:"portfolioUrl,omitempty"`
	Status       string     `json:"status"`
	UserID       *uuid.UUID `json:"userId,omitempty"`
	ReviewedBy   *uuid.UUID `json:"reviewedBy,omitempty"`
	ReviewedAt   *time.Time `json:"reviewedAt,omitempty"`
	RejectReason *string    `json:"rejectReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
