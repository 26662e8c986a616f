package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/models"
)

type memAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
}

func (m *memAudit) Append(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	args []DeliverArgs
	err  error
}

func (q *recordingQueue) insert(_ context.Context, a DeliverArgs) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.args = append(q.args, a)
	return nil
}

func TestEmitAuditsAndEnqueues(t *testing.T) {
	audit := &memAudit{}
	q := &recordingQueue{}
	e := NewEmitter(audit, nil, nil)
	e.SetInserter(q.insert)

	worker := uuid.New()
	payout := uuid.New()
	e.Emit(context.Background(), Event{
		Kind:       KindPayoutProcessed,
		SubjectID:  &payout,
		Recipients: To(worker),
		Payload:    map[string]any{"workerId": worker, "amountCents": 12000, "transferId": "tr_1"},
	})

	require.Len(t, audit.events, 1)
	assert.Equal(t, KindPayoutProcessed, audit.events[0].Kind)
	assert.JSONEq(t, `{"workerId":"`+worker.String()+`","amountCents":12000,"transferId":"tr_1"}`, string(audit.events[0].Payload))

	require.Len(t, q.args, 1)
	assert.Equal(t, worker, q.args[0].RecipientID)
	assert.Equal(t, audit.events[0].ID, q.args[0].AuditID)
	assert.Equal(t, KindPayoutProcessed, q.args[0].EventKind)

	raw, err := json.Marshal(q.args[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"payout.processed"`)
}

func TestEmitAuditsOnceForManyRecipients(t *testing.T) {
	audit := &memAudit{}
	q := &recordingQueue{}
	e := NewEmitter(audit, nil, nil)
	e.SetInserter(q.insert)

	a, b := uuid.New(), uuid.New()
	e.Emit(context.Background(), Event{Kind: JobKind(models.JobStatusAssigned), Recipients: To(a, b)})
	assert.Len(t, audit.events, 1)
	require.Len(t, q.args, 2)
	assert.Equal(t, a, q.args[0].RecipientID)
	assert.Equal(t, b, q.args[1].RecipientID)
	assert.Equal(t, q.args[0].AuditID, q.args[1].AuditID)
}

func TestEmitWithoutRecipientOnlyAudits(t *testing.T) {
	audit := &memAudit{}
	q := &recordingQueue{}
	e := NewEmitter(audit, nil, nil)
	e.SetInserter(q.insert)

	e.Emit(context.Background(), Event{Kind: KindEarningsDrift})
	assert.Len(t, audit.events, 1)
	assert.JSONEq(t, `{}`, string(audit.events[0].Payload))
	assert.Empty(t, q.args)
}

func TestEmitSwallowsFailures(t *testing.T) {
	m := metrics.NewCollector()
	audit := &memAudit{err: errors.New("db down")}
	q := &recordingQueue{err: errors.New("queue down")}
	e := NewEmitter(audit, m, nil)
	e.SetInserter(q.insert)

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), Event{Kind: KindWorkerWelcome, Recipients: To(uuid.New())})
	})
	reg := m.Registry()
	n, err := testutil.GatherAndCount(reg, "nimmit_notification_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmitBeforeQueueIsWired(t *testing.T) {
	audit := &memAudit{}
	e := NewEmitter(audit, nil, nil)
	e.Emit(context.Background(), Event{Kind: KindWorkerWelcome, Recipients: To(uuid.New())})
	assert.Len(t, audit.events, 1)
}

func TestEmitSurvivesCancelledContext(t *testing.T) {
	audit := &memAudit{}
	e := NewEmitter(audit, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Event{Kind: KindJobCreated})
	assert.Len(t, audit.events, 1)
}

// ---------------------------------------------------------------------------

type memUsers map[uuid.UUID]*models.User

func (m memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

type fakeMailer struct {
	sent []Mail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, m Mail) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type fakePublisher struct {
	got map[uuid.UUID][][]byte
	err error
}

func (f *fakePublisher) Publish(_ context.Context, id uuid.UUID, p []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.got == nil {
		f.got = map[uuid.UUID][][]byte{}
	}
	f.got[id] = append(f.got[id], p)
	return nil
}

type fakeCredentials struct {
	issued []string
	err    error
}

func (f *fakeCredentials) IssueTemporaryPassword(_ context.Context, _ uuid.UUID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	pw := "s3cret-temp-" + string(rune('a'+len(f.issued)))
	f.issued = append(f.issued, pw)
	return pw, nil
}

func deliverJob(args DeliverArgs, attempt int) *river.Job[DeliverArgs] {
	return &river.Job[DeliverArgs]{JobRow: &rivertype.JobRow{Attempt: attempt}, Args: args}
}

func TestDeliverWorkerMailsAndPublishes(t *testing.T) {
	u := &models.User{ID: uuid.New(), Email: "w@example.com", Name: "Wren"}
	mailer := &fakeMailer{}
	pub := &fakePublisher{}
	creds := &fakeCredentials{}
	w := NewDeliverWorker(memUsers{u.ID: u}, creds, mailer, pub, nil, nil)

	args := DeliverArgs{
		EventKind:   KindWorkerWelcome,
		RecipientID: u.ID,
		AuditID:     uuid.New(),
		Payload:     json.RawMessage(`{"email":"w@example.com"}`),
	}
	require.NoError(t, w.Work(context.Background(), deliverJob(args, 1)))

	require.Len(t, creds.issued, 1)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "w@example.com", mailer.sent[0].To)
	assert.Equal(t, "Welcome to Nimmit", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Text, creds.issued[0])

	require.Len(t, pub.got[u.ID], 1)
	var live Live
	require.NoError(t, json.Unmarshal(pub.got[u.ID][0], &live))
	assert.Equal(t, KindWorkerWelcome, live.Kind)
	assert.NotContains(t, string(pub.got[u.ID][0]), creds.issued[0])

	raw, err := json.Marshal(args)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
}

func TestDeliverWorkerWelcomeRetryReissuesCredential(t *testing.T) {
	u := &models.User{ID: uuid.New(), Email: "w@example.com"}
	mailer := &fakeMailer{err: errors.New("503")}
	creds := &fakeCredentials{}
	w := NewDeliverWorker(memUsers{u.ID: u}, creds, mailer, nil, nil, nil)
	args := DeliverArgs{EventKind: KindWorkerWelcome, RecipientID: u.ID, Payload: json.RawMessage(`{}`)}

	assert.Error(t, w.Work(context.Background(), deliverJob(args, 1)))
	mailer.err = nil
	require.NoError(t, w.Work(context.Background(), deliverJob(args, 2)))

	require.Len(t, creds.issued, 2)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].Text, creds.issued[1])
	assert.NotContains(t, mailer.sent[0].Text, creds.issued[0])
}

func TestDeliverWorkerWelcomeCredentialFailureRetries(t *testing.T) {
	u := &models.User{ID: uuid.New(), Email: "w@example.com"}
	mailer := &fakeMailer{}
	w := NewDeliverWorker(memUsers{u.ID: u}, &fakeCredentials{err: errors.New("db down")}, mailer, nil, nil, nil)
	args := DeliverArgs{EventKind: KindWorkerWelcome, RecipientID: u.ID, Payload: json.RawMessage(`{}`)}

	assert.Error(t, w.Work(context.Background(), deliverJob(args, 1)))
	assert.Empty(t, mailer.sent)
}

func TestDeliverWorkerRetriesMailOnly(t *testing.T) {
	u := &models.User{ID: uuid.New(), Email: "c@example.com"}
	mailer := &fakeMailer{err: errors.New("503")}
	pub := &fakePublisher{}
	w := NewDeliverWorker(memUsers{u.ID: u}, nil, mailer, pub, nil, nil)
	args := DeliverArgs{EventKind: KindJobCreated, RecipientID: u.ID, Payload: json.RawMessage(`{}`)}

	assert.Error(t, w.Work(context.Background(), deliverJob(args, 1)))
	assert.Error(t, w.Work(context.Background(), deliverJob(args, 2)))
	assert.Len(t, pub.got[u.ID], 1)
}

func TestDeliverWorkerPublishFailureDoesNotBlockMail(t *testing.T) {
	u := &models.User{ID: uuid.New(), Email: "c@example.com"}
	mailer := &fakeMailer{}
	w := NewDeliverWorker(memUsers{u.ID: u}, &fakeCredentials{}, mailer, &fakePublisher{err: errors.New("redis down")}, nil, nil)
	args := DeliverArgs{EventKind: KindJobCreated, RecipientID: u.ID, Payload: json.RawMessage(`{}`)}

	require.NoError(t, w.Work(context.Background(), deliverJob(args, 1)))
	assert.Len(t, mailer.sent, 1)
}

func TestDeliverWorkerMissingRecipientIsDropped(t *testing.T) {
	w := NewDeliverWorker(memUsers{}, nil, &fakeMailer{}, nil, nil, nil)
	args := DeliverArgs{EventKind: KindJobCreated, RecipientID: uuid.New()}
	assert.NoError(t, w.Work(context.Background(), deliverJob(args, 1)))
}

func TestRender(t *testing.T) {
	subject, body := Render(JobKind(models.JobStatusCompleted), "Ada", map[string]any{"title": "Logo", "rating": 5}, "")
	assert.Equal(t, "Job completed", subject)
	assert.Contains(t, body, "Hi Ada")
	assert.Contains(t, body, "Job: Logo")
	assert.Contains(t, body, "rating: 5")

	subject, _ = Render("unknown.kind", "", nil, "")
	assert.Equal(t, "Nimmit notification", subject)
}

func TestDeliverArgsInsertOpts(t *testing.T) {
	assert.Equal(t, "notification_deliver", DeliverArgs{}.Kind())
	assert.Equal(t, 5, DeliverArgs{}.InsertOpts().MaxAttempts)
}
