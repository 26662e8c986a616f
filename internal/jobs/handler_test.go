package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/validation"
)

func newTestMux(f *fixture) *http.ServeMux {
	h := NewHandler(f.svc, validation.MustNew(), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/briefings", h.CreateBriefing)
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("PATCH /api/v1/jobs/{id}", h.UpdateJob)
	return mux
}

func do(mux http.Handler, actor models.Actor, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(middleware.WithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestCreateJobHandler_Created(t *testing.T) {
	f := newFixture(50, 10, Options{})
	mux := newTestMux(f)

	rec := do(mux, client, http.MethodPost, "/api/v1/jobs",
		`{"title":"Logo","description":"A fox","category":"design"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.True(t, env.Success)
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "Logo", data["title"])
	assert.Equal(t, "design", data["category"])
	assert.Equal(t, "standard", data["priority"])
	assert.EqualValues(t, 40, data["creditsCharged"])
	assert.NotEmpty(t, data["jobId"])
}

func TestCreateJobHandler_InsufficientCredits(t *testing.T) {
	f := newFixture(5, 0, Options{})
	rec := do(newTestMux(f), client, http.MethodPost, "/api/v1/jobs",
		`{"title":"Logo","description":"A fox","category":"design"}`)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "INSUFFICIENT_CREDITS", env.Error.Code)
	assert.EqualValues(t, 35, env.Error.Details["shortfall"])
}

func TestCreateJobHandler_SchemaErrors(t *testing.T) {
	f := newFixture(100, 0, Options{})
	rec := do(newTestMux(f), client, http.MethodPost, "/api/v1/jobs",
		`{"title":"Logo","description":"A fox","category":"sculpture"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, rec).Error.Code)
}

func TestCreateBriefingHandler(t *testing.T) {
	f := newFixture(100, 0, Options{})
	rec := do(newTestMux(f), client, http.MethodPost, "/api/v1/briefings",
		`{"title":"Post","description":"Launch","category":"writing","referenceFiles":["a.pdf"]}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b models.Briefing
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &b))
	assert.Equal(t, models.BriefingStatusDraft, b.Status)
	assert.Equal(t, []string{"a.pdf"}, b.ReferenceFiles)
}

func TestUpdateJobHandler_Actions(t *testing.T) {
	f := newFixture(100, 0, Options{})
	mux := newTestMux(f)
	job := jobIn(models.JobStatusAssigned)
	f.store.put(job)
	path := "/api/v1/jobs/" + job.ID.String()

	rec := do(mux, worker, http.MethodPatch, path, `{"action":"updateStatus","status":"in_progress"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(mux, worker, http.MethodPatch, path, `{"action":"addMessage","text":"first draft soon"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.Job
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &got))
	require.Len(t, got.Messages, 1)

	rec = do(mux, worker, http.MethodPatch, path, `{"action":"updateStatus","status":"review","deliverables":["fox.svg"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(mux, client, http.MethodPatch, path, `{"action":"complete","rating":4,"feedback":"lovely"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &got))
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, int64(2400), got.WorkerEarningsCents)
}

func TestUpdateJobHandler_InvalidTransition(t *testing.T) {
	f := newFixture(100, 0, Options{})
	job := jobIn(models.JobStatusPending)
	f.store.put(job)

	rec := do(newTestMux(f), client, http.MethodPatch, "/api/v1/jobs/"+job.ID.String(),
		`{"action":"complete","rating":5}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	assert.Equal(t, "pending", env.Error.Details["current"])
}

func TestUpdateJobHandler_StatusRequired(t *testing.T) {
	f := newFixture(100, 0, Options{})
	job := jobIn(models.JobStatusPending)
	f.store.put(job)

	rec := do(newTestMux(f), client, http.MethodPatch, "/api/v1/jobs/"+job.ID.String(), `{"action":"updateStatus"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec).Error.Details, "status")
}

func TestGetJobHandler(t *testing.T) {
	f := newFixture(100, 0, Options{})
	mux := newTestMux(f)

	rec := do(mux, client, http.MethodGet, "/api/v1/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, client, http.MethodGet, "/api/v1/jobs/"+jobIn(models.JobStatusPending).ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandler(t *testing.T) {
	f := newFixture(100, 0, Options{})
	f.store.put(jobIn(models.JobStatusPending))

	rec := do(newTestMux(f), client, http.MethodGet, "/api/v1/jobs?status=pending", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Job
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	assert.Len(t, list, 1)
}
