package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Worker availability values.
const (
	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityOffline   = "offline"
)

// Soft cap bounds for a worker's concurrent jobs.
const (
	MinConcurrentJobs     = 1
	MaxConcurrentJobs     = 10
	DefaultConcurrentJobs = 3
)

// User carries both the client facet (credit balances) and the worker facet
// (availability, earnings). Which facet is meaningful depends on Role.
type User struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Role               string    `json:"role"`
	PasswordHash       string    `json:"-"`
	MustChangePassword bool      `json:"mustChangePassword"`

	Credits         int64 `json:"credits"`
	RolloverCredits int64 `json:"rolloverCredits"`
	TotalJobs       int   `json:"totalJobs"`
	TotalSpent      int64 `json:"totalSpent"`

	Availability         string      `json:"availability,omitempty"`
	CurrentJobCount      int         `json:"currentJobCount"`
	MaxConcurrentJobs    int         `json:"maxConcurrentJobs"`
	PendingEarningsCents int64       `json:"pendingEarningsCents"`
	Stats                WorkerStats `json:"stats"`
	Skills               []string    `json:"skills,omitempty"`
	PayoutAccountID      *string     `json:"payoutAccountId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkerStats are lifetime counters for a worker.
type WorkerStats struct {
	CompletedJobs      int   `json:"completedJobs"`
	TotalEarningsCents int64 `json:"totalEarningsCents"`
}

// AvailableCredits is what a client can spend right now.
func (u *User) AvailableCredits() int64 {
	return u.Credits + u.RolloverCredits
}

// HasPayoutAccount reports whether the worker linked an external payout account.
func (u *User) HasPayoutAccount() bool {
	return u.PayoutAccountID != nil && *u.PayoutAccountID != ""
}

// Actor is the authenticated caller of an operation. PasswordChangeRequired
// callers may only change their password.
type Actor struct {
	ID                     uuid.UUID
	Role                   string
	PasswordChangeRequired bool
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
