package payouts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimmit/backend/internal/database/dbtest"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/payments"
	"github.com/nimmit/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory mocks
// ---------------------------------------------------------------------------

type memJob struct {
	workerID uuid.UUID
	cents    int64
	paidAt   *time.Time
	payoutID *uuid.UUID
}

type memStore struct {
	mu      sync.Mutex
	jobs    []*memJob
	payouts map[uuid.UUID]*models.Payout
}

func newMemStore() *memStore {
	return &memStore{payouts: make(map[uuid.UUID]*models.Payout)}
}

func (s *memStore) addCompleted(worker uuid.UUID, cents ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cents {
		s.jobs = append(s.jobs, &memJob{workerID: worker, cents: c})
	}
}

// Claim is all-or-nothing like the transaction it runs in: a rolled-back
// transaction in the processor is modelled by undo below.
func (s *memStore) Claim(_ context.Context, _ pgx.Tx, p *models.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = models.PayoutStatusInitiated
	p.CreatedAt = time.Now()
	for _, j := range s.jobs {
		if j.workerID == p.WorkerID && j.paidAt == nil && j.payoutID == nil {
			id := p.ID
			j.payoutID = &id
			p.AmountCents += j.cents
			p.JobCount++
		}
	}
	if p.JobCount > 0 {
		cp := *p
		s.payouts[p.ID] = &cp
	}
	return nil
}

func (s *memStore) Settle(_ context.Context, _ pgx.Tx, payoutID uuid.UUID, transferID string, paidAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payouts[payoutID]
	if p == nil || p.Status != models.PayoutStatusInitiated {
		return 0, repository.ErrConditionFailed
	}
	p.Status = models.PayoutStatusSettled
	p.TransferID = &transferID
	p.SettledAt = &paidAt
	n := 0
	for _, j := range s.jobs {
		if j.payoutID != nil && *j.payoutID == payoutID && j.paidAt == nil {
			t := paidAt
			j.paidAt = &t
			n++
		}
	}
	return n, nil
}

func (s *memStore) Fail(_ context.Context, _ pgx.Tx, payoutID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payouts[payoutID]
	if p == nil || p.Status != models.PayoutStatusInitiated {
		return repository.ErrConditionFailed
	}
	p.Status = models.PayoutStatusFailed
	p.Error = &reason
	for _, j := range s.jobs {
		if j.payoutID != nil && *j.payoutID == payoutID && j.paidAt == nil {
			j.payoutID = nil
		}
	}
	return nil
}

func (s *memStore) ListStale(_ context.Context, cutoff time.Time) ([]*models.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Payout
	for _, p := range s.payouts {
		if p.Status == models.PayoutStatusInitiated && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) History(_ context.Context, _ *uuid.UUID, _ int) ([]*models.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Payout
	for _, p := range s.payouts {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UnpaidByWorker(context.Context) (map[uuid.UUID]Unpaid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]Unpaid)
	for _, j := range s.jobs {
		if j.paidAt == nil {
			u := out[j.workerID]
			u.Cents += j.cents
			u.Jobs++
			out[j.workerID] = u
		}
	}
	return out, nil
}

func (s *memStore) paidAts(worker uuid.UUID) []*time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*time.Time
	for _, j := range s.jobs {
		if j.workerID == worker {
			out = append(out, j.paidAt)
		}
	}
	return out
}

func (s *memStore) payout(id uuid.UUID) models.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payouts[id]
}

type memWorkers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
	order []uuid.UUID
}

func (m *memWorkers) add(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = make(map[uuid.UUID]*models.User)
	}
	u.Role = models.RoleWorker
	m.users[u.ID] = u
	m.order = append(m.order, u.ID)
}

func (m *memWorkers) ListWorkers(_ context.Context, f repository.WorkerFilter) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool)
	for _, id := range f.IDs {
		want[id] = true
	}
	var out []*models.User
	for _, id := range m.order {
		u := m.users[id]
		if f.PayableOnly && u.PendingEarningsCents <= 0 {
			continue
		}
		if len(want) > 0 && !want[id] {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memWorkers) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *memWorkers) SettleEarnings(_ context.Context, _ pgx.Tx, id uuid.UUID, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.PendingEarningsCents = max(0, u.PendingEarningsCents-cents)
	u.Stats.TotalEarningsCents += cents
	return nil
}

func (m *memWorkers) CompareAndSetPending(_ context.Context, id uuid.UUID, expected, actual int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u.PendingEarningsCents != expected {
		return repository.ErrConditionFailed
	}
	u.PendingEarningsCents = actual
	return nil
}

func (m *memWorkers) get(id uuid.UUID) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

// fakeGateway answers per destination account.
type fakeGateway struct {
	mu          sync.Mutex
	disabled    map[string]bool
	transferErr map[string]error
	transfers   map[string]payments.Transfer // by group
	calls       int
	balanceErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		disabled:    map[string]bool{},
		transferErr: map[string]error{},
		transfers:   map[string]payments.Transfer{},
	}
}

func (g *fakeGateway) AccountStatus(_ context.Context, id string) (payments.AccountStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return payments.AccountStatus{ID: id, PayoutsEnabled: !g.disabled[id]}, nil
}

func (g *fakeGateway) Transfer(_ context.Context, req payments.TransferRequest) (payments.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err := g.transferErr[req.Destination]; err != nil {
		return payments.Transfer{}, err
	}
	if tr, ok := g.transfers[req.TransferGroup]; ok {
		return tr, nil
	}
	tr := payments.Transfer{ID: "tr_" + req.IdempotencyKey[:8], AmountCents: req.AmountCents, Group: req.TransferGroup}
	g.transfers[req.TransferGroup] = tr
	return tr, nil
}

func (g *fakeGateway) FindTransfer(_ context.Context, group string) (payments.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tr, ok := g.transfers[group]
	if !ok {
		return payments.Transfer{}, payments.ErrTransferNotFound
	}
	return tr, nil
}

func (g *fakeGateway) Balance(context.Context) (payments.Balance, error) {
	if g.balanceErr != nil {
		return payments.Balance{}, g.balanceErr
	}
	return payments.Balance{AvailableCents: 100000, PendingCents: 2500}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Emit(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	proc    *Processor
	store   *memStore
	workers *memWorkers
	gw      *fakeGateway
	events  *recordingNotifier
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), workers: &memWorkers{}, gw: newFakeGateway(), events: &recordingNotifier{}}
	f.proc = NewProcessor(&dbtest.Beginner{}, f.store, f.workers, f.gw, f.events, nil, nil, Options{})
	f.proc.now = func() time.Time { return time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC) }
	return f
}

func (f *fixture) worker(account string, jobs ...int64) uuid.UUID {
	id := uuid.New()
	var total int64
	for _, c := range jobs {
		total += c
	}
	u := &models.User{ID: id, Email: account + "@example.com", Name: account, PendingEarningsCents: total}
	if account != "" {
		acct := "acct_" + account
		u.PayoutAccountID = &acct
	}
	f.workers.add(u)
	f.store.addCompleted(id, jobs...)
	return id
}

func resultFor(t *testing.T, res *BatchResult, id uuid.UUID) Result {
	t.Helper()
	for _, r := range res.Results {
		if r.WorkerID == id {
			return r
		}
	}
	t.Fatalf("no result for %s", id)
	return Result{}
}

// ---------------------------------------------------------------------------
// ProcessPayouts
// ---------------------------------------------------------------------------

func TestProcessPayouts_SettlesWorker(t *testing.T) {
	// Scenario D.
	f := newFixture()
	id := f.worker("alice", 4000, 5000, 3000)

	res, err := f.proc.ProcessPayouts(context.Background(), nil)

	require.NoError(t, err)
	r := resultFor(t, res, id)
	assert.True(t, r.Success)
	assert.Equal(t, int64(12000), r.AmountCents)
	assert.Equal(t, 120.0, r.Amount)
	assert.NotEmpty(t, r.TransferID)

	w := f.workers.get(id)
	assert.Zero(t, w.PendingEarningsCents)
	assert.Equal(t, int64(12000), w.Stats.TotalEarningsCents)

	paid := f.store.paidAts(id)
	require.Len(t, paid, 3)
	for _, at := range paid {
		require.NotNil(t, at)
		assert.Equal(t, *paid[0], *at)
	}

	assert.Equal(t, 1, res.Summary.SuccessCount)
	assert.Equal(t, 120.0, res.Summary.TotalPaid)
	assert.Equal(t, []string{notify.KindPayoutProcessed}, f.events.kinds())
	ev := f.events.events[0]
	assert.Equal(t, int64(12000), ev.Payload["amountCents"])
	assert.Equal(t, r.TransferID, ev.Payload["transferId"])
}

func TestProcessPayouts_AccountNotReady(t *testing.T) {
	// Scenario E.
	f := newFixture()
	blocked := f.worker("bob", 2500)
	ok := f.worker("carol", 1000)
	f.gw.disabled["acct_bob"] = true

	res, err := f.proc.ProcessPayouts(context.Background(), nil)

	require.NoError(t, err)
	rb := resultFor(t, res, blocked)
	assert.False(t, rb.Success)
	assert.Equal(t, "Connect account not ready for payouts", rb.Error)
	assert.Equal(t, int64(2500), f.workers.get(blocked).PendingEarningsCents)
	assert.Nil(t, f.store.paidAts(blocked)[0])

	assert.True(t, resultFor(t, res, ok).Success)
	assert.Equal(t, 1, res.Summary.SuccessCount)
	assert.Equal(t, 1, res.Summary.FailCount)
}

func TestProcessPayouts_SecondRunPaysNothing(t *testing.T) {
	f := newFixture()
	id := f.worker("dana", 1500)

	_, err := f.proc.ProcessPayouts(context.Background(), nil)
	require.NoError(t, err)
	res, err := f.proc.ProcessPayouts(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)

	r := resultFor(t, res, id)
	assert.True(t, r.Success)
	assert.Zero(t, r.AmountCents)
	assert.Equal(t, 1, f.gw.calls)
	assert.Equal(t, int64(1500), f.workers.get(id).Stats.TotalEarningsCents)
}

func TestProcessPayouts_DeclineReleasesJobs(t *testing.T) {
	f := newFixture()
	id := f.worker("erin", 800)
	f.gw.transferErr["acct_erin"] = &payments.ProviderError{Message: "insufficient platform balance", Declined: true}

	res, err := f.proc.ProcessPayouts(context.Background(), nil)

	require.NoError(t, err)
	r := resultFor(t, res, id)
	assert.False(t, r.Success)
	assert.Equal(t, "insufficient platform balance", r.Error)
	require.NotNil(t, r.PayoutID)
	assert.Equal(t, models.PayoutStatusFailed, f.store.payout(*r.PayoutID).Status)
	assert.Equal(t, int64(800), f.workers.get(id).PendingEarningsCents)
	assert.Equal(t, []string{notify.KindPayoutFailed}, f.events.kinds())

	// Released jobs are picked up by the next batch.
	delete(f.gw.transferErr, "acct_erin")
	res, err = f.proc.ProcessPayouts(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(800), resultFor(t, res, id).AmountCents)
}

func TestProcessPayouts_FailureIsolation(t *testing.T) {
	f := newFixture()
	a := f.worker("first", 100)
	b := f.worker("second", 200)
	c := f.worker("third", 300)
	f.gw.transferErr["acct_second"] = &payments.ProviderError{Message: "account closed", Declined: true}

	res, err := f.proc.ProcessPayouts(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.True(t, resultFor(t, res, a).Success)
	assert.False(t, resultFor(t, res, b).Success)
	assert.True(t, resultFor(t, res, c).Success)
	assert.Equal(t, int64(400), res.Summary.TotalPaidCents)
}

func TestProcessPayouts_AmbiguousFailureAwaitsRecovery(t *testing.T) {
	f := newFixture()
	id := f.worker("fay", 900)
	f.gw.transferErr["acct_fay"] = &payments.ProviderError{Message: "connection reset"}

	res, err := f.proc.ProcessPayouts(context.Background(), nil)
	require.NoError(t, err)
	r := resultFor(t, res, id)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "pending recovery")
	require.NotNil(t, r.PayoutID)
	assert.Equal(t, models.PayoutStatusInitiated, f.store.payout(*r.PayoutID).Status)

	// Claimed jobs are not paid twice by a new batch.
	delete(f.gw.transferErr, "acct_fay")
	res, err = f.proc.ProcessPayouts(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	assert.Zero(t, resultFor(t, res, id).AmountCents)
}

func TestProcessPayouts_ExplicitSelection(t *testing.T) {
	f := newFixture()
	picked := f.worker("gus", 100)
	f.worker("hal", 200)
	noAccount := f.worker("", 300)
	stranger := uuid.New()

	res, err := f.proc.ProcessPayouts(context.Background(), []uuid.UUID{picked, noAccount, stranger})

	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.True(t, resultFor(t, res, picked).Success)
	assert.Equal(t, MsgNoAccount, resultFor(t, res, noAccount).Error)
	assert.Equal(t, MsgNotWorker, resultFor(t, res, stranger).Error)
}

func TestProcessPayouts_SkipsWorkersWithoutAccountWhenImplicit(t *testing.T) {
	f := newFixture()
	f.worker("", 300)

	res, err := f.proc.ProcessPayouts(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestProcessPayouts_TransferCarriesIdempotencyKey(t *testing.T) {
	f := newFixture()
	id := f.worker("ivy", 700)

	res, err := f.proc.ProcessPayouts(context.Background(), nil)
	require.NoError(t, err)

	r := resultFor(t, res, id)
	tr, ok := f.gw.transfers[r.PayoutID.String()]
	require.True(t, ok)
	assert.Equal(t, "tr_"+r.PayoutID.String()[:8], tr.ID)
	assert.Equal(t, "Nimmit payout 2026-05-04", f.store.payout(*r.PayoutID).BatchLabel)
}

// ---------------------------------------------------------------------------
// Recover
// ---------------------------------------------------------------------------

func TestRecover_SettlesTransferFoundAtProcessor(t *testing.T) {
	f := newFixture()
	id := f.worker("jo", 1100)
	payout := &models.Payout{ID: uuid.New(), WorkerID: id, DestinationAccount: "acct_jo"}
	require.NoError(t, f.store.Claim(context.Background(), nil, payout))
	f.store.payouts[payout.ID].CreatedAt = time.Now().Add(-time.Hour)
	f.gw.transfers[payout.ID.String()] = payments.Transfer{ID: "tr_found", AmountCents: 1100}
	f.proc.now = time.Now

	res, err := f.proc.Recover(context.Background())

	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Settled: 1}, res)
	assert.Equal(t, models.PayoutStatusSettled, f.store.payout(payout.ID).Status)
	assert.Zero(t, f.workers.get(id).PendingEarningsCents)
	assert.NotNil(t, f.store.paidAts(id)[0])
}

func TestRecover_ReleasesWhenNoTransfer(t *testing.T) {
	f := newFixture()
	id := f.worker("kim", 500)
	payout := &models.Payout{ID: uuid.New(), WorkerID: id}
	require.NoError(t, f.store.Claim(context.Background(), nil, payout))
	f.store.payouts[payout.ID].CreatedAt = time.Now().Add(-time.Hour)
	f.proc.now = time.Now

	res, err := f.proc.Recover(context.Background())

	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Released: 1}, res)
	assert.Equal(t, models.PayoutStatusFailed, f.store.payout(payout.ID).Status)
	assert.Equal(t, int64(500), f.workers.get(id).PendingEarningsCents)
}

func TestRecover_LeavesFreshPayoutsAlone(t *testing.T) {
	f := newFixture()
	id := f.worker("lee", 500)
	payout := &models.Payout{ID: uuid.New(), WorkerID: id}
	require.NoError(t, f.store.Claim(context.Background(), nil, payout))
	f.proc.now = time.Now

	res, err := f.proc.Recover(context.Background())

	require.NoError(t, err)
	assert.Equal(t, RecoverResult{}, res)
}

// ---------------------------------------------------------------------------
// Reconciler
// ---------------------------------------------------------------------------

func TestReconciler_FixesDrift(t *testing.T) {
	f := newFixture()
	id := f.worker("max", 1000, 500)
	f.workers.users[id].PendingEarningsCents = 900
	clean := f.worker("ned", 300)
	rec := NewReconciler(f.store, f.workers, f.events, nil, nil)

	report, err := rec.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, Drift{WorkerID: id, RecordedCents: 900, ActualCents: 1500}, report.Drifts[0])
	assert.Equal(t, int64(900), f.workers.get(id).PendingEarningsCents)

	report, err = rec.Run(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.True(t, report.Drifts[0].Corrected)
	assert.Equal(t, int64(1500), f.workers.get(id).PendingEarningsCents)
	assert.Equal(t, int64(300), f.workers.get(clean).PendingEarningsCents)
	assert.Equal(t, []string{notify.KindEarningsDrift, notify.KindEarningsDrift}, f.events.kinds())

	report, err = rec.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}

// ---------------------------------------------------------------------------
// ListPending
// ---------------------------------------------------------------------------

func TestListPending(t *testing.T) {
	f := newFixture()
	ready := f.worker("olive", 1250, 250)
	needsSetup := f.worker("", 400)
	f.worker("pat")

	report, err := f.proc.ListPending(context.Background())

	require.NoError(t, err)
	require.Len(t, report.PendingPayouts, 1)
	assert.Equal(t, ready, report.PendingPayouts[0].WorkerID)
	assert.Equal(t, 15.0, report.PendingPayouts[0].PendingEarnings)
	assert.Equal(t, 2, report.PendingPayouts[0].JobCount)
	require.Len(t, report.WorkersNeedingSetup, 1)
	assert.Equal(t, needsSetup, report.WorkersNeedingSetup[0].WorkerID)
	assert.Equal(t, 15.0, report.TotalPendingAmount)
	assert.Equal(t, 1000.0, report.PlatformBalance.Available)
	assert.Equal(t, 25.0, report.PlatformBalance.Pending)
}

func TestListPending_BalanceUnavailable(t *testing.T) {
	f := newFixture()
	f.worker("quinn", 100)
	f.gw.balanceErr = errors.New("timeout")

	report, err := f.proc.ListPending(context.Background())

	require.NoError(t, err)
	assert.True(t, report.PlatformBalance.Unavailable)
	assert.Len(t, report.PendingPayouts, 1)
}
