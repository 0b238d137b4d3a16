// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/httpx"
)

// Checkout is one loan of one copy of a book to a patron. Once returned it
// never changes again.
type Checkout struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	BookID       uuid.UUID  `json:"book_id" db:"book_id"`
	PatronID     uuid.UUID  `json:"patron_id" db:"patron_id"`
	CheckoutDate time.Time  `json:"checkout_date" db:"checkout_date"`
	DueDate      time.Time  `json:"due_date" db:"due_date"`
	ReturnDate   *time.Time `json:"return_date" db:"return_date"`
	IsReturned   bool       `json:"is_returned" db:"is_returned"`
}

// IsOverdue reports whether the loan is still open past its due date.
func (c *Checkout) IsOverdue(now time.Time) bool {
	return !c.IsReturned && c.DueDate.Before(now)
}

// CreateCheckoutInput opens a loan. A nil PatronID means the caller.
type CreateCheckoutInput struct {
	BookID   uuid.UUID  `json:"book_id"`
	PatronID *uuid.UUID `json:"patron_id,omitempty"`
	DueDate  *time.Time `json:"due_date,omitempty"`
}

// ListInput selects a page of checkouts. AllPatrons marks the
// administrative listings, which members may not use at all.
type ListInput struct {
	PatronID   *uuid.UUID
	AllPatrons bool
	Page       httpx.Page
}

// BookStock is the inventory row of a book as seen under its row lock.
type BookStock struct {
	ID                uuid.UUID `db:"id"`
	Quantity          int       `db:"quantity"`
	AvailableQuantity int       `db:"available_quantity"`
}

// PatronStatus is the part of a patron a checkout depends on.
type PatronStatus struct {
	ID       uuid.UUID `db:"id"`
	IsActive bool      `db:"is_active"`
}

// Ledger event types recorded for loans.
const (
	EventCheckoutOpened = "CheckoutOpened"
	EventCheckoutClosed = "CheckoutClosed"
)

type CheckoutOpenedEvent struct {
	CheckoutID uuid.UUID `json:"checkout_id"`
	BookID     uuid.UUID `json:"book_id"`
	PatronID   uuid.UUID `json:"patron_id"`
	DueDate    time.Time `json:"due_date"`
}

type CheckoutClosedEvent struct {
	CheckoutID uuid.UUID `json:"checkout_id"`
	BookID     uuid.UUID `json:"book_id"`
	PatronID   uuid.UUID `json:"patron_id"`
	ReturnDate time.Time `json:"return_date"`
	Overdue    bool      `json:"overdue"`
}
