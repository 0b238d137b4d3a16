package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/catalog"
	"github.com/jules-labs/library-backend/internal/circulation"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/database/dbtest"
	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/logger"
	"github.com/jules-labs/library-backend/internal/membership"
	"github.com/jules-labs/library-backend/internal/validation"
)

type stack struct {
	ts  *httptest.Server
	cfg *config.Config
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := dbtest.Open(t)
	log := logger.Discard()

	cfg := &config.Config{
		App: config.AppConfig{Name: "Library Management API", Version: "test"},
		Auth: config.AuthConfig{
			SecretKey:             []byte(strings.Repeat("s", 32)),
			Issuer:                "library-test",
			AccessTokenTTL:        time.Hour,
			LoginRatePerMinute:    100,
			RegisterRatePerMinute: 100,
		},
		Ledger: config.LedgerConfig{LoanPeriod: 14 * 24 * time.Hour, MaxPageSize: 100},
		Jobs:   config.JobsConfig{DueSoonWindow: 48 * time.Hour},
	}

	es := eventstore.New(db)
	v := validation.New()
	members := membership.NewService(db, es, v, cfg.Auth)
	books := catalog.NewService(db, es, v)
	ledger := circulation.NewService(circulation.NewPostgresStore(db, es), cfg.Ledger, log)
	tokens := auth.NewTokenService(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	_, err := members.CreateUser(context.Background(), &auth.Principal{Role: auth.RoleAdmin}, membership.CreateUserInput{
		RegisterInput: membership.RegisterInput{Name: "Admin", Email: "admin@example.com", Username: "admin", Password: "admin-pass-123"},
		IsSuperuser:   true,
	})
	require.NoError(t, err)

	srv := New(cfg, Deps{
		DB:            db,
		Authenticator: auth.NewAuthenticator(tokens, members, log),
		Catalog:       catalog.NewHandler(books, ledger, cfg.Ledger.MaxPageSize, log),
		Circulation:   circulation.NewHandler(ledger, cfg.Ledger.MaxPageSize, cfg.Jobs.DueSoonWindow, log),
		Membership:    membership.NewHandler(members, tokens, cfg.Ledger.MaxPageSize, log),
	}, log)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &stack{ts: ts, cfg: cfg}
}

func (s *stack) call(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// login uses the form encoding of the password grant.
func (s *stack) login(t *testing.T, username, password string) string {
	t.Helper()
	resp, err := s.ts.Client().PostForm(s.ts.URL+"/token", url.Values{"username": {username}, "password": {password}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, "bearer", tok.TokenType)
	return tok.AccessToken
}

func (s *stack) register(t *testing.T, username string) string {
	t.Helper()
	status := s.call(t, http.MethodPost, "/patrons/", "", map[string]string{
		"name": "Patron " + username, "email": username + "@example.com",
		"username": username, "password": "member-pass-123",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	return s.login(t, username, "member-pass-123")
}

func (s *stack) addBook(t *testing.T, admin, isbn string, copies int) catalog.Book {
	t.Helper()
	var book catalog.Book
	status := s.call(t, http.MethodPost, "/books/", admin, map[string]any{
		"title": "Pride and Prejudice", "author": "Jane Austen", "isbn": isbn, "quantity": copies,
	}, &book)
	require.Equal(t, http.StatusCreated, status)
	return book
}

func TestCheckoutFlowEndToEnd(t *testing.T) {
	s := newStack(t)
	admin := s.login(t, "admin", "admin-pass-123")
	member := s.register(t, "reader1")
	book := s.addBook(t, admin, "9780141439518", 5)

	var c circulation.Checkout
	require.Equal(t, http.StatusCreated, s.call(t, http.MethodPost, "/checkouts/", member, map[string]string{"book_id": book.ID.String()}, &c))

	var got catalog.Book
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/books/"+book.ID.String(), member, nil, &got))
	assert.Equal(t, 4, got.AvailableQuantity)

	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/checkouts/"+c.ID.String()+"/return", member, nil, &c))
	assert.True(t, c.IsReturned)
	assert.Equal(t, http.StatusBadRequest, s.call(t, http.MethodPost, "/checkouts/"+c.ID.String()+"/return", member, nil, nil))

	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/books/"+book.ID.String(), member, nil, &got))
	assert.Equal(t, 5, got.AvailableQuantity)

	var history []eventstore.Event
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/admin/checkouts/"+c.ID.String()+"/history", admin, nil, &history))
	if assert.Len(t, history, 2) {
		assert.Equal(t, circulation.EventCheckoutOpened, history[0].EventType)
		assert.Equal(t, circulation.EventCheckoutClosed, history[1].EventType)
	}
}

func TestConcurrentCheckoutPreventsDoubleBooking(t *testing.T) {
	s := newStack(t)
	admin := s.login(t, "admin", "admin-pass-123")
	book := s.addBook(t, admin, "9780743273565", 1)

	tokens := make([]string, 10)
	for i := range tokens {
		tokens[i] = s.register(t, fmt.Sprintf("member%d", i))
	}

	var wg sync.WaitGroup
	var created, refused atomic.Int32
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			switch s.call(t, http.MethodPost, "/checkouts/", tok, map[string]string{"book_id": book.ID.String()}, nil) {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusBadRequest:
				refused.Add(1)
			}
		}(tok)
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load(), "only one concurrent checkout may succeed")
	assert.EqualValues(t, 9, refused.Load())

	var got catalog.Book
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/books/"+book.ID.String(), admin, nil, &got))
	assert.Equal(t, 0, got.AvailableQuantity)
}
