package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/repository"
)

// party is who, besides an admin, may request a transition.
type party int

const (
	adminOnly party = iota
	owner             // the job's client
	assignee          // the job's worker
)

// transitions is the complete lifecycle. Anything not listed is rejected.
var transitions = map[models.JobStatus]map[models.JobStatus]party{
	models.JobStatusPending: {
		models.JobStatusAssigned:  adminOnly,
		models.JobStatusCancelled: owner,
	},
	models.JobStatusAssigned: {
		models.JobStatusInProgress: assignee,
		models.JobStatusCancelled:  owner,
	},
	models.JobStatusInProgress: {
		models.JobStatusReview: assignee,
	},
	models.JobStatusReview: {
		models.JobStatusCompleted: owner,
		models.JobStatusRevision:  owner,
	},
	models.JobStatusRevision: {
		models.JobStatusReview: assignee,
	},
}

// CanTransition reports whether from -> to is in the lifecycle.
func CanTransition(from, to models.JobStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// messagingOpen lists the statuses in which the conversation accepts messages.
var messagingOpen = map[models.JobStatus]bool{
	models.JobStatusAssigned:   true,
	models.JobStatusInProgress: true,
	models.JobStatusReview:     true,
	models.JobStatusRevision:   true,
}

// Change is a requested transition plus the inputs it needs.
type Change struct {
	To           models.JobStatus
	WorkerID     *uuid.UUID
	Rating       *int
	Feedback     string
	Deliverables []string
}

// Effects are the writes a transition implies outside the job row.
type Effects struct {
	// Worker is the worker whose counters change, uuid.Nil when none do.
	Worker      uuid.UUID
	WorkerDelta repository.WorkerDelta
	// CancelledCredits is what the client paid for a job that was cancelled.
	CancelledCredits int64
}

// isParticipant reports whether actor may see and act on job at all.
func isParticipant(job *models.Job, actor models.Actor) bool {
	switch {
	case actor.IsAdmin():
		return true
	case actor.Role == models.RoleClient:
		return job.ClientID == actor.ID
	case actor.Role == models.RoleWorker:
		return job.WorkerID != nil && *job.WorkerID == actor.ID
	}
	return false
}

// authorize is the single capability check in front of every transition.
// Admins may request any listed transition; everyone else must be the
// party the transition names.
func authorize(job *models.Job, actor models.Actor, to models.JobStatus) error {
	if !isParticipant(job, actor) {
		return &apperr.ForbiddenError{Reason: "not a participant in this job"}
	}
	who, ok := transitions[job.Status][to]
	if !ok {
		return &apperr.InvalidTransitionError{Current: string(job.Status), Requested: string(to)}
	}
	if actor.IsAdmin() {
		return nil
	}
	switch {
	case who == owner && actor.Role == models.RoleClient:
		return nil
	case who == assignee && actor.Role == models.RoleWorker:
		return nil
	}
	return &apperr.ForbiddenError{Reason: actor.Role + " cannot move a job to " + string(to)}
}

// Apply checks ch against job and actor and, when allowed, mutates job in
// place. On error job is untouched. Callers pass a clone when they need the
// prior state.
func Apply(job *models.Job, actor models.Actor, ch Change, now time.Time) (Effects, error) {
	if err := authorize(job, actor, ch.To); err != nil {
		return Effects{}, err
	}
	var eff Effects
	switch ch.To {
	case models.JobStatusAssigned:
		if ch.WorkerID == nil || *ch.WorkerID == uuid.Nil {
			return Effects{}, apperr.Required("workerId")
		}
		job.WorkerID = ch.WorkerID
		job.AssignedAt = &now
		eff.Worker = *ch.WorkerID
		eff.WorkerDelta.JobCount = 1

	case models.JobStatusInProgress:
		job.StartedAt = &now

	case models.JobStatusReview:
		deliverables := appendNew(job.Deliverables, ch.Deliverables)
		if len(deliverables) == 0 {
			return Effects{}, apperr.Required("deliverables")
		}
		job.Deliverables = deliverables
		job.SubmittedAt = &now

	case models.JobStatusRevision:
		feedback := strings.TrimSpace(ch.Feedback)
		if feedback == "" {
			return Effects{}, apperr.Required("feedback")
		}
		job.RevisionNote = &feedback
		job.RevisionCount++

	case models.JobStatusCompleted:
		if ch.Rating == nil {
			return Effects{}, apperr.Required("rating")
		}
		if *ch.Rating < 1 || *ch.Rating > 5 {
			return Effects{}, apperr.Invalid("rating", "must be between 1 and 5")
		}
		rating := *ch.Rating
		job.Rating = &rating
		if fb := strings.TrimSpace(ch.Feedback); fb != "" {
			job.Feedback = &fb
		}
		job.CompletedAt = &now
		job.WorkerEarningsCents = job.QuotedEarningsCents
		if job.WorkerID != nil {
			eff.Worker = *job.WorkerID
			eff.WorkerDelta = repository.WorkerDelta{
				JobCount:      -1,
				PendingCents:  job.WorkerEarningsCents,
				CompletedJobs: 1,
			}
		}

	case models.JobStatusCancelled:
		if job.Status == models.JobStatusAssigned && job.WorkerID != nil {
			eff.Worker = *job.WorkerID
			eff.WorkerDelta.JobCount = -1
		}
		job.CancelledAt = &now
		eff.CancelledCredits = job.CreditsCharged
	}
	job.Status = ch.To
	job.UpdatedAt = now
	return eff, nil
}

// NewMessage validates a message from actor on job. It does not append it.
func NewMessage(job *models.Job, actor models.Actor, text string, now time.Time) (*models.Message, error) {
	if !isParticipant(job, actor) {
		return nil, &apperr.ForbiddenError{Reason: "not a participant in this job"}
	}
	if !messagingOpen[job.Status] {
		return nil, messagingClosed(job.Status)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Required("text")
	}
	return &models.Message{
		ID:         uuid.New(),
		JobID:      job.ID,
		SenderID:   actor.ID,
		SenderRole: actor.Role,
		Text:       text,
		CreatedAt:  now,
	}, nil
}

func messagingClosed(status models.JobStatus) error {
	msg := "conversation is closed"
	if status == models.JobStatusPending {
		msg = "no worker is assigned yet"
	}
	return &apperr.ConflictError{ErrCode: "MESSAGING_CLOSED", Message: msg}
}

func appendNew(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	out := append([]string(nil), have...)
	for _, f := range have {
		seen[f] = true
	}
	for _, f := range add {
		if f = strings.TrimSpace(f); f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
