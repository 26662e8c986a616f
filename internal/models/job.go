package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobStatus is a position in the job lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusAssigned   JobStatus = "assigned"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusReview     JobStatus = "review"
	JobStatusRevision   JobStatus = "revision"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusAssigned, JobStatusInProgress, JobStatusReview,
		JobStatusRevision, JobStatusCompleted, JobStatusCancelled:
		return true
	}
	return false
}

// Job categories.
const (
	CategoryDesign      = "design"
	CategoryWriting     = "writing"
	CategoryResearch    = "research"
	CategoryDataEntry   = "data_entry"
	CategorySocialMedia = "social_media"
	CategoryVideo       = "video"
	CategoryOther       = "other"
)

// Job priorities.
const (
	PriorityStandard = "standard"
	PriorityPriority = "priority"
	PriorityRush     = "rush"
)

type Job struct {
	ID         uuid.UUID  `json:"id"`
	ClientID   uuid.UUID  `json:"clientId"`
	WorkerID   *uuid.UUID `json:"workerId,omitempty"`
	BriefingID *uuid.UUID `json:"briefingId,omitempty"`

	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Priority    string    `json:"priority"`
	Status      JobStatus `json:"status"`

	CreditsCharged      int64   `json:"creditsCharged"`
	QuotedEarningsCents int64   `json:"-"`
	WorkerEarningsCents int64   `json:"workerEarningsCents"`
	Rating              *int    `json:"rating,omitempty"`
	Feedback            *string `json:"feedback,omitempty"`
	RevisionNote        *string `json:"revisionNote,omitempty"`
	RevisionCount       int     `json:"revisionCount"`

	ReferenceFiles []string  `json:"referenceFiles"`
	Deliverables   []string  `json:"deliverables"`
	Messages       []Message `json:"messages,omitempty"`

	DueAt        *time.Time `json:"dueAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	AssignedAt   *time.Time `json:"assignedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	WorkerPaidAt *time.Time `json:"workerPaidAt,omitempty"`
	PayoutID     *uuid.UUID `json:"-"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy that shares no slices or pointers with j.
func (j *Job) Clone() *Job {
	cp := *j
	cp.ReferenceFiles = slices.Clone(j.ReferenceFiles)
	cp.Deliverables = slices.Clone(j.Deliverables)
	cp.Messages = slices.Clone(j.Messages)
	return &cp
}

// Message is one entry in a job's conversation.
type Message struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"jobId"`
	SenderID   uuid.UUID `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Briefing statuses.
const (
	BriefingStatusDraft     = "draft"
	BriefingStatusConverted = "converted"
)

// Briefing is a client's structured request, usually extracted from a chat,
// that becomes exactly one job.
type Briefing struct {
	ID             uuid.UUID  `json:"id"`
	ClientID       uuid.UUID  `json:"clientId"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Category       string     `json:"category"`
	Priority       string     `json:"priority"`
	ReferenceFiles []string   `json:"referenceFiles"`
	Status         string     `json:"status"`
	JobID          *uuid.UUID `json:"jobId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
