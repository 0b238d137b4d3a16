// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/httpx"
)

// Service defines the interface for the membership service.
type Service interface {
	Register(ctx context.Context, in RegisterInput) (*Patron, error)
	CreateUser(ctx context.Context, p *auth.Principal, in CreateUserInput) (*Patron, error)
	Authenticate(ctx context.Context, username, password string) (*Patron, error)
	GetPatron(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Patron, error)
	ListPatrons(ctx context.Context, p *auth.Principal, page httpx.Page) ([]*Patron, error)
	UpdatePatron(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdatePatronInput) (*Patron, error)
	DeletePatron(ctx context.Context, p *auth.Principal, id uuid.UUID) error
	LookupAccount(ctx context.Context, id uuid.UUID) (*auth.Account, error)
}
