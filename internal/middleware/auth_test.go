package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/nimmit/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubTokens struct {
	id      uuid.UUID
	role    string
	pending bool
	err     error
	got     string
}

func (s *stubTokens) ValidateToken(_ context.Context, token string) (models.Actor, error) {
	s.got = token
	if s.err != nil {
		return models.Actor{}, s.err
	}
	return models.Actor{ID: s.id, Role: s.role, PasswordChangeRequired: s.pending}, nil
}

// okHandler writes 200 and the actor role (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if a, ok := ActorFromCtx(r.Context()); ok {
		w.Write([]byte(a.Role))
	}
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuthenticate_ValidToken(t *testing.T) {
	tokens := &stubTokens{id: uuid.New(), role: models.RoleWorker}
	h := Authenticate(tokens)(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "worker", rec.Body.String())
	assert.Equal(t, "tok-123", tokens.got)
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	h := Authenticate(&stubTokens{})(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	h := Authenticate(&stubTokens{err: errors.New("expired")})(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "bearer old")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_QueryTokenOnlyForGET(t *testing.T) {
	tokens := &stubTokens{id: uuid.New(), role: models.RoleClient}
	h := Authenticate(tokens)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stream?access_token=q", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "q", tokens.got)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs?access_token=q", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_PendingPasswordChange(t *testing.T) {
	tokens := &stubTokens{id: uuid.New(), role: models.RoleWorker, pending: true}
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		r.Header.Set("Authorization", "Bearer temp")
		return r
	}

	rec := httptest.NewRecorder()
	Authenticate(tokens)(okHandler).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "password change required")

	rec = httptest.NewRecorder()
	AuthenticatePasswordChange(tokens)(okHandler).ServeHTTP(rec, req())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "worker", rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(models.RoleAdmin)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/payouts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithActor(req.Context(), models.Actor{ID: uuid.New(), Role: models.RoleAdmin})))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(WithActor(req.Context(), models.Actor{ID: uuid.New(), Role: models.RoleClient})))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, extractBearer(req), header)
	}
}
