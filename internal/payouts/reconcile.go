package payouts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/repository"
)

// Drift is a worker whose recorded pending earnings disagree with the sum
// of their unpaid completed jobs.
type Drift struct {
	WorkerID      uuid.UUID `json:"workerId"`
	RecordedCents int64     `json:"recordedCents"`
	ActualCents   int64     `json:"actualCents"`
	Corrected     bool      `json:"corrected"`
}

type ReconcileReport struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts"`
}

// Reconciler recomputes pending earnings from job records.
type Reconciler struct {
	store   Store
	workers Workers
	notify  Notifier
	metrics *metrics.Collector
	log     *slog.Logger
}

func NewReconciler(store Store, workers Workers, n Notifier, m *metrics.Collector, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, workers: workers, notify: n, metrics: m, log: log}
}

// Run compares every worker's pending earnings with their unpaid jobs. With
// fix set, each drifted balance is rewritten unless it changed since it was
// read.
func (r *Reconciler) Run(ctx context.Context, fix bool) (*ReconcileReport, error) {
	workers, err := r.workers.ListWorkers(ctx, repository.WorkerFilter{})
	if err != nil {
		return nil, apperr.Persistence("list workers", err)
	}
	unpaid, err := r.store.UnpaidByWorker(ctx)
	if err != nil {
		return nil, apperr.Persistence("sum unpaid jobs", err)
	}

	out := &ReconcileReport{Checked: len(workers), Drifts: []Drift{}}
	for _, w := range workers {
		actual := unpaid[w.ID].Cents
		if actual == w.PendingEarningsCents {
			continue
		}
		d := Drift{WorkerID: w.ID, RecordedCents: w.PendingEarningsCents, ActualCents: actual}
		if fix {
			err := r.workers.CompareAndSetPending(ctx, w.ID, w.PendingEarningsCents, actual)
			switch {
			case err == nil:
				d.Corrected = true
			case errors.Is(err, repository.ErrConditionFailed):
				r.log.Info("pending earnings changed during reconcile, skipped", "worker_id", w.ID)
			default:
				r.log.Error("correct pending earnings", "error", err, "worker_id", w.ID)
			}
		}
		r.metrics.RecordDrift(d.Corrected)
		r.log.Warn("pending earnings drift",
			"worker_id", w.ID, "recorded_cents", d.RecordedCents, "actual_cents", d.ActualCents, "corrected", d.Corrected)
		r.notify.Emit(ctx, notify.Event{
			Kind:      notify.KindEarningsDrift,
			SubjectID: &d.WorkerID,
			Payload: map[string]any{
				"workerId": w.ID.String(), "recordedCents": d.RecordedCents,
				"actualCents": d.ActualCents, "corrected": d.Corrected,
			},
		})
		out.Drifts = append(out.Drifts, d)
	}
	return out, nil
}
