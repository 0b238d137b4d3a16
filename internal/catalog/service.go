// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/httpx"
)

// Service defines the interface for the catalog service.
type Service interface {
	CreateBook(ctx context.Context, p *auth.Principal, in CreateBookInput) (*Book, error)
	GetBook(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, p *auth.Principal, page httpx.Page) ([]*Book, error)
	SearchBooks(ctx context.Context, p *auth.Principal, query string, page httpx.Page) ([]*Book, error)
	UpdateBook(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateBookInput) (*Book, error)
	DeleteBook(ctx context.Context, p *auth.Principal, id uuid.UUID) error
}

// CheckoutSource supplies the loans shown on the book detail view.
type CheckoutSource interface {
	CheckoutsForBook(ctx context.Context, p *auth.Principal, bookID uuid.UUID) ([]BookCheckout, error)
}
