package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
)

// DeliverArgs is the River job that carries one notification to one user.
type DeliverArgs struct {
	EventKind   string          `json:"kind"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	AuditID     uuid.UUID       `json:"audit_id"`
	Payload     json.RawMessage `json:"payload"`
}

func (DeliverArgs) Kind() string { return "notification_deliver" }

// InsertOpts caps retries for a failing mail provider.
func (DeliverArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// RecipientLookup resolves who a notification goes to.
type RecipientLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Credentials issues the sign-in credential sent with a worker's welcome.
// It returns "" once the worker has chosen a password of their own.
type Credentials interface {
	IssueTemporaryPassword(ctx context.Context, userID uuid.UUID) (string, error)
}

// Publisher pushes a notification to a user's live stream.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, payload []byte) error
}

// Live is the message pushed to a user's stream.
type Live struct {
	ID      uuid.UUID       `json:"id"`
	Kind    string          `json:"kind"`
	Title   string          `json:"title"`
	Payload json.RawMessage `json:"payload"`
}

type DeliverWorker struct {
	river.WorkerDefaults[DeliverArgs]
	users     RecipientLookup
	creds     Credentials
	mailer    Mailer
	publisher Publisher
	metrics   *metrics.Collector
	log       *slog.Logger
}

// NewDeliverWorker builds the worker. publisher may be nil when live
// streaming is disabled.
func NewDeliverWorker(users RecipientLookup, creds Credentials, mailer Mailer, publisher Publisher, m *metrics.Collector, log *slog.Logger) *DeliverWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DeliverWorker{users: users, creds: creds, mailer: mailer, publisher: publisher, metrics: m, log: log}
}

func (w *DeliverWorker) Work(ctx context.Context, job *river.Job[DeliverArgs]) error {
	args := job.Args
	u, err := w.users.GetByID(ctx, args.RecipientID)
	if errors.Is(err, pgx.ErrNoRows) {
		w.log.Warn("notification recipient gone", "recipient_id", args.RecipientID, "kind", args.EventKind)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}

	var payload map[string]any
	_ = json.Unmarshal(args.Payload, &payload)
	// The welcome credential is minted here, never stored in job args. A
	// retry replaces it, since the earlier one was never delivered.
	var credential string
	if args.EventKind == KindWorkerWelcome && w.creds != nil {
		credential, err = w.creds.IssueTemporaryPassword(ctx, u.ID)
		if err != nil {
			return fmt.Errorf("issue temporary password: %w", err)
		}
	}
	subject, body := Render(args.EventKind, u.Name, payload, credential)

	// Only the first attempt publishes; retries exist for the mail provider.
	if w.publisher != nil && job.Attempt <= 1 {
		live, _ := json.Marshal(Live{ID: args.AuditID, Kind: args.EventKind, Title: subject, Payload: args.Payload})
		if err := w.publisher.Publish(ctx, u.ID, live); err != nil {
			w.metrics.RecordNotifyFailure("publish")
			w.log.Warn("live publish failed", "error", err, "recipient_id", u.ID)
		}
	}

	if err := w.mailer.Send(ctx, Mail{To: u.Email, ToName: u.Name, Subject: subject, Text: body}); err != nil {
		w.metrics.RecordNotifyFailure("mail")
		w.log.Warn("mail delivery failed", "error", err, "recipient_id", u.ID, "attempt", job.Attempt)
		return err
	}
	return nil
}

var subjects = map[string]string{
	KindJobCreated:                      "Your job was submitted",
	JobKind(models.JobStatusAssigned):   "A job was assigned",
	JobKind(models.JobStatusInProgress): "Work has started on your job",
	JobKind(models.JobStatusReview):     "Your job is ready for review",
	JobKind(models.JobStatusRevision):   "Revision requested",
	JobKind(models.JobStatusCompleted):  "Job completed",
	JobKind(models.JobStatusCancelled):  "Job cancelled",
	KindJobMessage:                      "New message on your job",
	KindPayoutProcessed:                 "Your payout is on its way",
	KindPayoutFailed:                    "Your payout could not be sent",
	KindWorkerWelcome:                   "Welcome to Nimmit",
	KindApplicationReceived:             "We received your application",
	KindApplicationRejected:             "About your Nimmit application",
	KindEarningsDrift:                   "Earnings balance corrected",
}

// Render produces the subject and plain-text body for a notification.
// A non-empty credential is appended as the recipient's temporary password.
func Render(kind, name string, payload map[string]any, credential string) (string, string) {
	subject, ok := subjects[kind]
	if !ok {
		subject = "Nimmit notification"
	}
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", name)
	}
	b.WriteString(subject + ".\n")
	if title, ok := payload["title"].(string); ok && title != "" {
		fmt.Fprintf(&b, "\nJob: %s\n", title)
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k != "title" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, payload[k])
	}
	if credential != "" {
		fmt.Fprintf(&b, "\nYour temporary password is %s\nYou will be asked to change it when you first sign in.\n", credential)
	}
	return subject, b.String()
}
