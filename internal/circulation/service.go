// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/catalog"
	"github.com/jules-labs/library-backend/internal/eventstore"
)

// Service defines the interface for the checkout ledger.
type Service interface {
	CreateCheckout(ctx context.Context, p *auth.Principal, in CreateCheckoutInput) (*Checkout, error)
	ReturnCheckout(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Checkout, error)
	GetCheckout(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Checkout, error)
	ListCheckouts(ctx context.Context, p *auth.Principal, in ListInput) ([]*Checkout, error)
	ListOverdue(ctx context.Context, p *auth.Principal, in ListInput) ([]*Checkout, error)
	ListDueSoon(ctx context.Context, p *auth.Principal, window time.Duration, in ListInput) ([]*Checkout, error)
	History(ctx context.Context, p *auth.Principal, id uuid.UUID) ([]eventstore.Event, error)

	catalog.CheckoutSource
}
