package membership

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/logger"
)

type stubService struct {
	Service
	patron *Patron
}

func (s *stubService) Authenticate(_ context.Context, username, password string) (*Patron, error) {
	if username == s.patron.Username && password == "wonderland" {
		return s.patron, nil
	}
	return nil, apperr.Unauthorized("incorrect username or password")
}

func (s *stubService) GetPatron(_ context.Context, p *auth.Principal, id uuid.UUID) (*Patron, error) {
	if err := auth.Authorize(p, auth.ActionPatronRead, id).Err(); err != nil {
		return nil, err
	}
	return s.patron, nil
}

func newTestHandler(t *testing.T) (*Handler, *auth.TokenService, *Patron) {
	t.Helper()
	patron := &Patron{ID: uuid.New(), Username: "alice", PasswordHash: "secret-hash", IsActive: true}
	tokens := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"), "library", time.Hour)
	return NewHandler(&stubService{patron: patron}, tokens, 100, logger.Discard()), tokens, patron
}

func TestHandleTokenForm(t *testing.T) {
	h, tokens, patron := newTestHandler(t)

	form := url.Values{"username": {"alice"}, "password": {"wonderland"}, "grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleToken(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body tokenResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bearer", body.TokenType)

	subject, err := tokens.Validate(body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, patron.ID, subject)
}

func TestHandleTokenJSON(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"username":"alice","password":"wonderland"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleToken(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTokenRejects(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"username":"alice","password":"nope"}`))
	rec := httptest.NewRecorder()
	h.HandleToken(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{"username":"alice"}`))
	rec = httptest.NewRecorder()
	h.HandleToken(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMeHidesPasswordHash(t *testing.T) {
	h, _, patron := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{PatronID: patron.ID, Role: auth.RoleMember}))
	rec := httptest.NewRecorder()
	h.HandleMe(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)
	assert.NotContains(t, rec.Body.String(), "secret-hash")
}
