// internal/auth/middleware.go
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/httpx"
)

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// Account is the subset of a patron record needed to authenticate.
type Account struct {
	ID          uuid.UUID
	Username    string
	IsActive    bool
	IsSuperuser bool
}

// AccountLookup resolves token subjects to accounts.
type AccountLookup interface {
	LookupAccount(ctx context.Context, id uuid.UUID) (*Account, error)
}

// PrincipalFor derives the principal of an account.
func PrincipalFor(a *Account) *Principal {
	role := RoleMember
	if a.IsSuperuser {
		role = RoleAdmin
	}
	return &Principal{PatronID: a.ID, Username: a.Username, Role: role}
}

// Authenticator verifies bearer tokens. It only establishes identity;
// permissions are decided by the services through Authorize.
type Authenticator struct {
	tokens   *TokenService
	accounts AccountLookup
	log      *slog.Logger
}

func NewAuthenticator(tokens *TokenService, accounts AccountLookup, log *slog.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, accounts: accounts, log: log}
}

// Middleware rejects requests without a valid token for an active account.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			httpx.Error(w, r, a.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Authenticate resolves the principal of r.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, apperr.Unauthorized("not authenticated")
	}

	id, err := a.tokens.Validate(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}

	acct, err := a.accounts.LookupAccount(r.Context(), id)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, apperr.ErrUnauthorized
		}
		return nil, err
	}
	if !acct.IsActive {
		return nil, apperr.Forbidden("inactive user")
	}
	return PrincipalFor(acct), nil
}
