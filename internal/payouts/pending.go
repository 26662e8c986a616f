package payouts

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/repository"
)

// PendingWorker is one worker owed money.
type PendingWorker struct {
	WorkerID             uuid.UUID `json:"workerId"`
	Email                string    `json:"email"`
	Name                 string    `json:"name"`
	PendingEarnings      float64   `json:"pendingEarnings"`
	PendingEarningsCents int64     `json:"pendingEarningsCents"`
	JobCount             int       `json:"jobCount"`
	PayoutAccountID      string    `json:"payoutAccountId,omitempty"`
}

// PlatformBalance is the processor-side balance in dollars.
type PlatformBalance struct {
	Available   float64 `json:"available"`
	Pending     float64 `json:"pending"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

// PendingReport is the admin's view before running a batch.
type PendingReport struct {
	PlatformBalance     PlatformBalance `json:"platformBalance"`
	PendingPayouts      []PendingWorker `json:"pendingPayouts"`
	TotalPendingAmount  float64         `json:"totalPendingAmount"`
	WorkersNeedingSetup []PendingWorker `json:"workersNeedingSetup"`
}

// ListPending reports who would be paid and how much. An unreachable
// processor only blanks the platform balance.
func (p *Processor) ListPending(ctx context.Context) (*PendingReport, error) {
	workers, err := p.workers.ListWorkers(ctx, repository.WorkerFilter{PayableOnly: true})
	if err != nil {
		return nil, apperr.Persistence("list workers", err)
	}
	unpaid, err := p.store.UnpaidByWorker(ctx)
	if err != nil {
		return nil, apperr.Persistence("sum unpaid jobs", err)
	}

	out := &PendingReport{PendingPayouts: []PendingWorker{}, WorkersNeedingSetup: []PendingWorker{}}
	var total int64
	for _, w := range workers {
		pw := PendingWorker{
			WorkerID:             w.ID,
			Email:                w.Email,
			Name:                 w.Name,
			PendingEarnings:      dollars(w.PendingEarningsCents),
			PendingEarningsCents: w.PendingEarningsCents,
			JobCount:             unpaid[w.ID].Jobs,
		}
		if !w.HasPayoutAccount() {
			out.WorkersNeedingSetup = append(out.WorkersNeedingSetup, pw)
			continue
		}
		pw.PayoutAccountID = *w.PayoutAccountID
		out.PendingPayouts = append(out.PendingPayouts, pw)
		total += w.PendingEarningsCents
	}
	out.TotalPendingAmount = dollars(total)

	bal, err := p.gateway.Balance(ctx)
	if err != nil {
		p.log.Warn("platform balance unavailable", "error", err)
		out.PlatformBalance.Unavailable = true
	} else {
		out.PlatformBalance.Available = dollars(bal.AvailableCents)
		out.PlatformBalance.Pending = dollars(bal.PendingCents)
	}
	return out, nil
}

// WriteCSV renders the payable workers with a trailing TOTAL row.
func WriteCSV(w io.Writer, r *PendingReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Worker ID", "Email", "Name", "Pending Earnings (USD)", "Job Count"}); err != nil {
		return err
	}
	jobs := 0
	var cents int64
	for _, pw := range r.PendingPayouts {
		jobs += pw.JobCount
		cents += pw.PendingEarningsCents
		if err := cw.Write([]string{
			pw.WorkerID.String(), pw.Email, pw.Name, formatCents(pw.PendingEarningsCents), strconv.Itoa(pw.JobCount),
		}); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"TOTAL", "", "", formatCents(cents), strconv.Itoa(jobs)}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func formatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}
