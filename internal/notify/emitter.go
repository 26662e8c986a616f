// Package notify records audit events and delivers notifications to users.
// Emitting never fails the caller: every error is logged, counted and
// dropped.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
)

// Event kinds.
const (
	KindJobCreated          = "job.created"
	KindJobMessage          = "job.message"
	KindPayoutProcessed     = "payout.processed"
	KindPayoutFailed        = "payout.failed"
	KindWorkerWelcome       = "worker.welcome"
	KindApplicationReceived = "application.received"
	KindApplicationRejected = "application.rejected"
	KindEarningsDrift       = "earnings.drift"
)

// JobKind is the event kind for a job entering status.
func JobKind(status models.JobStatus) string { return "job." + string(status) }

// Event is one thing worth recording. Payload is written to the audit log
// and copied into each delivery job, so it must never hold a secret.
type Event struct {
	Kind       string
	ActorID    *uuid.UUID
	SubjectID  *uuid.UUID
	Recipients []uuid.UUID
	Payload    map[string]any
}

// AuditStore appends audit events.
type AuditStore interface {
	Append(ctx context.Context, e *models.AuditEvent) error
}

// InsertFunc enqueues a delivery job.
type InsertFunc func(ctx context.Context, args DeliverArgs) error

type Emitter struct {
	audit   AuditStore
	metrics *metrics.Collector
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	insert InsertFunc
}

func NewEmitter(audit AuditStore, m *metrics.Collector, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{audit: audit, metrics: m, log: log, timeout: 5 * time.Second}
}

// SetInserter wires the queue once it exists. Until then events are
// audited but not delivered.
func (e *Emitter) SetInserter(fn InsertFunc) {
	e.mu.Lock()
	e.insert = fn
	e.mu.Unlock()
}

// Emit appends ev to the audit log once and enqueues one delivery per
// recipient. It outlives cancellation of ctx so a client disconnect does
// not drop the record.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	payload, err := json.Marshal(ev.Payload)
	if err != nil || ev.Payload == nil {
		payload = []byte("{}")
	}
	rec := &models.AuditEvent{
		ID:        uuid.New(),
		Kind:      ev.Kind,
		ActorID:   ev.ActorID,
		SubjectID: ev.SubjectID,
		Payload:   payload,
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.metrics.RecordNotifyFailure("audit")
		e.log.Error("audit append failed", "error", err, "kind", ev.Kind)
	}

	if len(ev.Recipients) == 0 {
		return
	}
	e.mu.RLock()
	insert := e.insert
	e.mu.RUnlock()
	if insert == nil {
		e.log.Warn("notification dropped, queue not wired", "kind", ev.Kind)
		return
	}
	for _, to := range ev.Recipients {
		args := DeliverArgs{
			EventKind:   ev.Kind,
			RecipientID: to,
			AuditID:     rec.ID,
			Payload:     payload,
		}
		if err := insert(ctx, args); err != nil {
			e.metrics.RecordNotifyFailure("enqueue")
			e.log.Error("notification enqueue failed", "error", err, "kind", ev.Kind, "recipient_id", to)
		}
	}
}

// To is shorthand for a recipient list.
func To(ids ...uuid.UUID) []uuid.UUID { return ids }
