package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimmit/backend/internal/middleware"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/validation"
)

func newTestMux(t *testing.T) (*http.ServeMux, *service) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, validation.MustNew(), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register", h.Register)
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)
	mux.Handle("POST /api/v1/auth/password", middleware.AuthenticatePasswordChange(svc)(http.HandlerFunc(h.ChangePassword)))
	mux.Handle("GET /api/v1/account/me", middleware.Authenticate(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	return mux, svc
}

func post(mux http.Handler, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RegisterLoginChangePassword(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := post(mux, "/api/v1/auth/register", `{"email":"e@example.com","password":"longenough","name":"Eve"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "longenough")

	rec = post(mux, "/api/v1/auth/login", `{"email":"e@example.com","password":"longenough"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Data struct {
			Token string      `json:"token"`
			User  models.User `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data.Token)
	assert.Equal(t, models.RoleClient, env.Data.User.Role)

	rec = post(mux, "/api/v1/auth/password", `{"currentPassword":"longenough","newPassword":"evenlonger"}`, env.Data.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post(mux, "/api/v1/auth/login", `{"email":"e@example.com","password":"evenlonger"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_TemporaryPasswordRestrictsToken(t *testing.T) {
	mux, svc := newTestMux(t)
	users := svc.users.(*memUsers)
	hash, err := HashPassword("temp-pass-123")
	require.NoError(t, err)
	w := &models.User{ID: uuid.New(), Email: "w@example.com", Role: models.RoleWorker, PasswordHash: hash, MustChangePassword: true}
	users.byID[w.ID] = w

	rec := post(mux, "/api/v1/auth/login", `{"email":"w@example.com","password":"temp-pass-123"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Data Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Data.MustChangePassword)

	assert.Equal(t, http.StatusForbidden, get(mux, "/api/v1/account/me", env.Data.Token).Code)

	rec = post(mux, "/api/v1/auth/password", `{"currentPassword":"temp-pass-123","newPassword":"my-own-password"}`, env.Data.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Data.MustChangePassword)

	assert.Equal(t, http.StatusOK, get(mux, "/api/v1/account/me", env.Data.Token).Code)
}

func get(mux http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RegisterValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := post(mux, "/api/v1/auth/register", `{"email":"e@example.com","password":"short","name":"Eve"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "password")

	rec = post(mux, "/api/v1/auth/register", `{"email":"e@example.com","password":"longenough","name":"Eve","role":"admin"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_LoginFailures(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := post(mux, "/api/v1/auth/login", `{"email":"x@example.com","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(mux, "/api/v1/auth/password", `{"currentPassword":"a","newPassword":"bbbbbbbb"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
