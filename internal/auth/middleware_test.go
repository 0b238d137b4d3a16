package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/logger"
)

type fakeAccounts map[uuid.UUID]*Account

func (f fakeAccounts) LookupAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	a, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("patron not found")
	}
	return a, nil
}

func newTestAuthenticator(accounts fakeAccounts) (*Authenticator, *TokenService) {
	tokens := NewTokenService(testSecret, "library", time.Hour)
	return NewAuthenticator(tokens, accounts, logger.Discard()), tokens
}

func TestMiddlewareSetsPrincipal(t *testing.T) {
	admin := &Account{ID: uuid.New(), Username: "root", IsActive: true, IsSuperuser: true}
	authn, tokens := newTestAuthenticator(fakeAccounts{admin.ID: admin})
	token, _, err := tokens.Issue(admin.ID, 0)
	require.NoError(t, err)

	var got *Principal
	h := authn.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/books/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, admin.ID, got.PatronID)
	assert.Equal(t, RoleAdmin, got.Role)
	assert.True(t, got.IsAdmin())
}

func TestMiddlewareRejects(t *testing.T) {
	active := &Account{ID: uuid.New(), Username: "alice", IsActive: true}
	inactive := &Account{ID: uuid.New(), Username: "bob", IsActive: false}
	authn, tokens := newTestAuthenticator(fakeAccounts{active.ID: active, inactive.ID: inactive})

	inactiveToken, _, err := tokens.Issue(inactive.ID, 0)
	require.NoError(t, err)
	unknownToken, _, err := tokens.Issue(uuid.New(), 0)
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		status int
	}{
		"missing header":  {"", http.StatusUnauthorized},
		"wrong scheme":    {"Basic abc", http.StatusUnauthorized},
		"garbage token":   {"Bearer abc", http.StatusUnauthorized},
		"unknown subject": {"Bearer " + unknownToken, http.StatusUnauthorized},
		"inactive":        {"Bearer " + inactiveToken, http.StatusForbidden},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			called := false
			h := authn.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestPrincipalFromEmptyContext(t *testing.T) {
	assert.Nil(t, PrincipalFrom(context.Background()))
}
