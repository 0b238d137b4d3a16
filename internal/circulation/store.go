// internal/circulation/store.go
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/httpx"
)

// ErrNoRecord is returned by stores when a looked-up row does not exist.
var ErrNoRecord = errors.New("circulation: no such record")

// Filter narrows a checkout listing. Zero values do not filter.
type Filter struct {
	PatronID  *uuid.UUID
	BookID    *uuid.UUID
	OpenOnly  bool
	DueFrom   *time.Time // due_date >= DueFrom
	DueBefore *time.Time // due_date < DueBefore
	Page      httpx.Page
}

// Store is the persistence the ledger runs on. Every mutation happens inside
// InTx; a non-nil error from fn rolls the whole unit back.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	GetCheckout(ctx context.Context, id uuid.UUID) (*Checkout, error)
	ListCheckouts(ctx context.Context, f Filter) ([]*Checkout, error)
	Events(ctx context.Context, checkoutID uuid.UUID) ([]eventstore.Event, error)
}

// Tx is a unit of work. The Lock methods hold their row until the unit ends.
type Tx interface {
	LockBook(ctx context.Context, id uuid.UUID) (*BookStock, error)
	Patron(ctx context.Context, id uuid.UUID) (*PatronStatus, error)
	SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error
	InsertCheckout(ctx context.Context, c *Checkout) error
	LockCheckout(ctx context.Context, id uuid.UUID) (*Checkout, error)
	MarkReturned(ctx context.Context, id uuid.UUID, at time.Time) error
	Record(ctx context.Context, checkoutID uuid.UUID, expectedVersion int, e eventstore.Event) error
}
