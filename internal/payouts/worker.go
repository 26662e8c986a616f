package payouts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// BatchArgs runs a payout batch in the background.
type BatchArgs struct {
	WorkerIDs []uuid.UUID `json:"worker_ids,omitempty"`
}

func (BatchArgs) Kind() string { return "payout_batch" }

// InsertOpts disables retries: a rerun is the next scheduled batch.
func (BatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// RecoverArgs resolves payouts stuck in initiated.
type RecoverArgs struct{}

func (RecoverArgs) Kind() string { return "payout_recover" }

// ReconcileArgs recomputes pending earnings.
type ReconcileArgs struct {
	Fix bool `json:"fix"`
}

func (ReconcileArgs) Kind() string { return "earnings_reconcile" }

type batchRunner interface {
	ProcessPayouts(ctx context.Context, workerIDs []uuid.UUID) (*BatchResult, error)
}

type BatchWorker struct {
	river.WorkerDefaults[BatchArgs]
	payouts batchRunner
	log     *slog.Logger
}

func NewBatchWorker(p batchRunner, log *slog.Logger) *BatchWorker {
	if log == nil {
		log = slog.Default()
	}
	return &BatchWorker{payouts: p, log: log}
}

// Timeout is disabled: a batch pays every selected worker before it
// returns, however long the processor takes.
func (*BatchWorker) Timeout(*river.Job[BatchArgs]) time.Duration { return -1 }

func (w *BatchWorker) Work(ctx context.Context, job *river.Job[BatchArgs]) error {
	res, err := w.payouts.ProcessPayouts(ctx, job.Args.WorkerIDs)
	if err != nil {
		return fmt.Errorf("payout batch: %w", err)
	}
	w.log.Info("scheduled payout batch done", "job_id", job.ID,
		"success", res.Summary.SuccessCount, "failed", res.Summary.FailCount)
	return nil
}

type recoverer interface {
	Recover(ctx context.Context) (RecoverResult, error)
}

type RecoverWorker struct {
	river.WorkerDefaults[RecoverArgs]
	payouts recoverer
}

func NewRecoverWorker(p recoverer) *RecoverWorker {
	return &RecoverWorker{payouts: p}
}

// Timeout is disabled so a recovery pass resolves every stale payout.
func (*RecoverWorker) Timeout(*river.Job[RecoverArgs]) time.Duration { return -1 }

func (w *RecoverWorker) Work(ctx context.Context, _ *river.Job[RecoverArgs]) error {
	_, err := w.payouts.Recover(ctx)
	return err
}

type reconciler interface {
	Run(ctx context.Context, fix bool) (*ReconcileReport, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler reconciler
}

func NewReconcileWorker(r reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	_, err := w.reconciler.Run(ctx, job.Args.Fix)
	return err
}
