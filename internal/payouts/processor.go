// Package payouts turns workers' pending earnings into transfers at the
// payment processor and settles the jobs behind them.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/payments"
	"github.com/nimmit/backend/internal/repository"
)

// Failure messages reported per worker.
const (
	MsgAccountNotReady = "Connect account not ready for payouts"
	MsgNoAccount       = "No payout account linked"
	MsgNotWorker       = "Not a worker"
)

// Store is the payout persistence the processor needs.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, p *models.Payout) error
	Settle(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, transferID string, paidAt time.Time) (int, error)
	Fail(ctx context.Context, tx pgx.Tx, payoutID uuid.UUID, reason string) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Payout, error)
	History(ctx context.Context, workerID *uuid.UUID, limit int) ([]*models.Payout, error)
	UnpaidByWorker(ctx context.Context) (map[uuid.UUID]Unpaid, error)
}

// Workers reads workers and moves their earnings.
type Workers interface {
	ListWorkers(ctx context.Context, f repository.WorkerFilter) ([]*models.User, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	SettleEarnings(ctx context.Context, tx pgx.Tx, workerID uuid.UUID, amountCents int64) error
	CompareAndSetPending(ctx context.Context, workerID uuid.UUID, expected, actual int64) error
}

// Notifier records and delivers events.
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event)
}

// Result is the outcome for one worker in a batch.
type Result struct {
	WorkerID    uuid.UUID  `json:"workerId"`
	WorkerEmail string     `json:"workerEmail"`
	Amount      float64    `json:"amount"`
	AmountCents int64      `json:"amountCents"`
	Success     bool       `json:"success"`
	TransferID  string     `json:"transferId,omitempty"`
	PayoutID    *uuid.UUID `json:"payoutId,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Summary totals a batch.
type Summary struct {
	TotalPaid      float64   `json:"totalPaid"`
	TotalPaidCents int64     `json:"totalPaidCents"`
	SuccessCount   int       `json:"successCount"`
	FailCount      int       `json:"failCount"`
	ProcessedAt    time.Time `json:"processedAt"`
}

// BatchResult is what ProcessPayouts reports.
type BatchResult struct {
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}

type Options struct {
	Currency string
	// RecoverAfter is how old an initiated payout must be before Recover
	// asks the processor about it.
	RecoverAfter time.Duration
}

type Processor struct {
	db      database.TxBeginner
	store   Store
	workers Workers
	gateway payments.Gateway
	notify  Notifier
	metrics *metrics.Collector
	log     *slog.Logger
	opts    Options
	now     func() time.Time
}

func NewProcessor(db database.TxBeginner, store Store, workers Workers, gw payments.Gateway, n Notifier, m *metrics.Collector, log *slog.Logger, opts Options) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.RecoverAfter == 0 {
		opts.RecoverAfter = 10 * time.Minute
	}
	return &Processor{
		db: db, store: store, workers: workers, gateway: gw, notify: n,
		metrics: m, log: log, opts: opts, now: time.Now,
	}
}

// errNothingToPay rolls back an intent that claimed no jobs.
var errNothingToPay = errors.New("nothing to pay")

// ProcessPayouts pays each selected worker in turn. With no ids it selects
// every worker with pending earnings and a linked payout account. A failure
// for one worker never stops or undoes another.
func (p *Processor) ProcessPayouts(ctx context.Context, workerIDs []uuid.UUID) (*BatchResult, error) {
	explicit := len(workerIDs) > 0
	filter := repository.WorkerFilter{IDs: workerIDs}
	if !explicit {
		filter.PayableOnly = true
	}
	workers, err := p.workers.ListWorkers(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence("list workers", err)
	}

	processedAt := p.now().UTC()
	label := "Nimmit payout " + processedAt.Format(time.DateOnly)
	out := &BatchResult{Results: []Result{}, Summary: Summary{ProcessedAt: processedAt}}

	found := make(map[uuid.UUID]bool, len(workers))
	for _, w := range workers {
		found[w.ID] = true
		if !explicit && !w.HasPayoutAccount() {
			continue
		}
		res := p.payWorker(ctx, w, label)
		out.add(res)
	}
	for _, id := range workerIDs {
		if !found[id] {
			out.add(Result{WorkerID: id, Error: MsgNotWorker})
		}
	}

	p.log.Info("payout batch finished",
		"success", out.Summary.SuccessCount, "failed", out.Summary.FailCount, "total_cents", out.Summary.TotalPaidCents)
	return out, nil
}

func (b *BatchResult) add(r Result) {
	b.Results = append(b.Results, r)
	if r.Success {
		b.Summary.SuccessCount++
		b.Summary.TotalPaidCents += r.AmountCents
		b.Summary.TotalPaid = dollars(b.Summary.TotalPaidCents)
		return
	}
	b.Summary.FailCount++
}

func (p *Processor) payWorker(ctx context.Context, w *models.User, label string) Result {
	res := Result{WorkerID: w.ID, WorkerEmail: w.Email}
	fail := func(msg string) Result {
		res.Error = msg
		p.metrics.RecordPayout("failed", 0)
		p.log.Warn("payout failed", "worker_id", w.ID, "error", msg)
		return res
	}

	if !w.HasPayoutAccount() {
		return fail(MsgNoAccount)
	}
	status, err := p.gateway.AccountStatus(ctx, *w.PayoutAccountID)
	if err != nil {
		return fail(providerMessage(err))
	}
	if !status.PayoutsEnabled {
		return fail(MsgAccountNotReady)
	}

	payout := &models.Payout{
		ID:                 uuid.New(),
		WorkerID:           w.ID,
		Currency:           p.opts.Currency,
		BatchLabel:         label,
		DestinationAccount: *w.PayoutAccountID,
	}
	err = database.InTx(ctx, p.db, func(tx pgx.Tx) error {
		locked, err := p.workers.GetByIDForUpdate(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if err := p.store.Claim(ctx, tx, payout); err != nil {
			return err
		}
		if payout.AmountCents != locked.PendingEarningsCents {
			p.metrics.RecordDrift(false)
			p.log.Warn("pending earnings drift",
				"worker_id", w.ID, "recorded_cents", locked.PendingEarningsCents, "unpaid_jobs_cents", payout.AmountCents)
		}
		if payout.JobCount == 0 {
			return errNothingToPay
		}
		return nil
	})
	if errors.Is(err, errNothingToPay) {
		res.Success = true
		p.metrics.RecordPayout("skipped", 0)
		return res
	}
	if err != nil {
		p.log.Error("claim payout jobs", "error", err, "worker_id", w.ID)
		return fail("could not record payout")
	}
	res.PayoutID = &payout.ID

	tr, err := p.gateway.Transfer(ctx, payments.TransferRequest{
		Destination:    payout.DestinationAccount,
		AmountCents:    payout.AmountCents,
		Currency:       payout.Currency,
		IdempotencyKey: payout.ID.String(),
		TransferGroup:  payout.ID.String(),
		Description:    label,
	})
	if err != nil {
		msg := providerMessage(err)
		if payments.Declined(err) || errors.Is(err, payments.ErrUnavailable) || errors.Is(err, payments.ErrNotConfigured) {
			p.release(ctx, payout, msg)
		} else {
			// The transfer may have gone through; Recover settles or
			// releases it once the processor can be asked.
			msg += " (outcome unknown, pending recovery)"
		}
		return fail(msg)
	}

	res.Success = true
	res.TransferID = tr.ID
	res.AmountCents = payout.AmountCents
	res.Amount = dollars(payout.AmountCents)
	if err := p.settle(ctx, payout, tr.ID); err != nil {
		// Money has moved; Recover finishes the bookkeeping.
		p.log.Error("settle payout", "error", err, "payout_id", payout.ID, "transfer_id", tr.ID)
	}
	return res
}

// settle records a successful transfer: payout settled, jobs paid, pending
// earnings moved to lifetime earnings.
func (p *Processor) settle(ctx context.Context, payout *models.Payout, transferID string) error {
	paidAt := p.now().UTC()
	var jobs int
	err := database.InTx(ctx, p.db, func(tx pgx.Tx) error {
		n, err := p.store.Settle(ctx, tx, payout.ID, transferID, paidAt)
		if err != nil {
			return err
		}
		jobs = n
		return p.workers.SettleEarnings(ctx, tx, payout.WorkerID, payout.AmountCents)
	})
	if err != nil {
		return err
	}
	p.metrics.RecordPayout("settled", payout.AmountCents)
	p.log.Info("payout settled", "payout_id", payout.ID, "worker_id", payout.WorkerID,
		"amount_cents", payout.AmountCents, "transfer_id", transferID, "jobs", jobs)
	p.notify.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutProcessed,
		SubjectID:  &payout.ID,
		Recipients: notify.To(payout.WorkerID),
		Payload: map[string]any{
			"workerId":    payout.WorkerID.String(),
			"amount":      dollars(payout.AmountCents),
			"amountCents": payout.AmountCents,
			"transferId":  transferID,
			"jobCount":    jobs,
		},
	})
	return nil
}

func (p *Processor) release(ctx context.Context, payout *models.Payout, reason string) {
	err := database.InTx(ctx, p.db, func(tx pgx.Tx) error {
		return p.store.Fail(ctx, tx, payout.ID, reason)
	})
	if err != nil {
		p.log.Error("release payout", "error", err, "payout_id", payout.ID)
		return
	}
	p.notify.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutFailed,
		SubjectID:  &payout.ID,
		Recipients: notify.To(payout.WorkerID),
		Payload:    map[string]any{"workerId": payout.WorkerID.String(), "amount": dollars(payout.AmountCents), "reason": reason},
	})
}

// RecoverResult counts what Recover resolved.
type RecoverResult struct {
	Settled    int `json:"settled"`
	Released   int `json:"released"`
	Unresolved int `json:"unresolved"`
}

// Recover resolves payouts left initiated by a crash or an ambiguous
// processor error. A transfer found in the payout's group is settled;
// when the processor has none the payout is failed and its jobs released.
func (p *Processor) Recover(ctx context.Context) (RecoverResult, error) {
	var out RecoverResult
	stale, err := p.store.ListStale(ctx, p.now().Add(-p.opts.RecoverAfter))
	if err != nil {
		return out, apperr.Persistence("list stale payouts", err)
	}
	for _, payout := range stale {
		tr, err := p.gateway.FindTransfer(ctx, payout.ID.String())
		switch {
		case errors.Is(err, payments.ErrTransferNotFound):
			p.release(ctx, payout, "transfer not found at processor")
			out.Released++
		case err != nil:
			p.log.Warn("payout recovery lookup failed", "error", err, "payout_id", payout.ID)
			out.Unresolved++
		default:
			if err := p.settle(ctx, payout, tr.ID); err != nil {
				p.log.Error("recover settle", "error", err, "payout_id", payout.ID)
				out.Unresolved++
				continue
			}
			out.Settled++
		}
	}
	if len(stale) > 0 {
		p.log.Info("payout recovery finished", "settled", out.Settled, "released", out.Released, "unresolved", out.Unresolved)
	}
	return out, nil
}

// History lists recent payouts.
func (p *Processor) History(ctx context.Context, workerID *uuid.UUID, limit int) ([]*models.Payout, error) {
	list, err := p.store.History(ctx, workerID, limit)
	if err != nil {
		return nil, apperr.Persistence("payout history", err)
	}
	if list == nil {
		list = []*models.Payout{}
	}
	return list, nil
}

func providerMessage(err error) string {
	var pe *payments.ProviderError
	if errors.As(err, &pe) {
		return pe.Message
	}
	switch {
	case errors.Is(err, payments.ErrUnavailable):
		return "payment processor unavailable"
	case errors.Is(err, payments.ErrNotConfigured):
		return "payment processor not configured"
	}
	return fmt.Sprintf("payment processor error: %v", err)
}

func dollars(cents int64) float64 {
	return float64(cents) / 100
}
