// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Book is a catalog title together with its inventory counters.
type Book struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Title             string    `json:"title" db:"title"`
	Author            string    `json:"author" db:"author"`
	ISBN              string    `json:"isbn" db:"isbn"`
	Quantity          int       `json:"quantity" db:"quantity"`
	AvailableQuantity int       `json:"available_quantity" db:"available_quantity"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// OnLoan is the number of copies currently checked out.
func (b *Book) OnLoan() int {
	return b.Quantity - b.AvailableQuantity
}

// BookCheckout is a loan shown on the book detail view.
type BookCheckout struct {
	ID           uuid.UUID  `json:"id"`
	PatronID     uuid.UUID  `json:"patron_id"`
	CheckoutDate time.Time  `json:"checkout_date"`
	DueDate      time.Time  `json:"due_date"`
	ReturnDate   *time.Time `json:"return_date"`
	IsReturned   bool       `json:"is_returned"`
}

// BookDetail is a book with its loan history, visible to administrators.
type BookDetail struct {
	*Book
	Checkouts []BookCheckout `json:"checkouts,omitempty"`
}

type CreateBookInput struct {
	Title    string `json:"title" validate:"required,max=255"`
	Author   string `json:"author" validate:"required,max=255"`
	ISBN     string `json:"isbn" validate:"required,min=10,max=17"`
	Quantity *int   `json:"quantity,omitempty" validate:"omitempty,gte=0"`
}

// UpdateBookInput changes only the fields that are set.
type UpdateBookInput struct {
	Title    *string `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Author   *string `json:"author,omitempty" validate:"omitempty,min=1,max=255"`
	ISBN     *string `json:"isbn,omitempty" validate:"omitempty,min=10,max=17"`
	Quantity *int    `json:"quantity,omitempty" validate:"omitempty,gte=0"`
}

func (in UpdateBookInput) empty() bool {
	return in.Title == nil && in.Author == nil && in.ISBN == nil && in.Quantity == nil
}

// Ledger event types recorded for catalog changes.
const (
	EventBookAdded   = "BookAdded"
	EventBookUpdated = "BookUpdated"
	EventBookRemoved = "BookRemoved"
)

type BookAddedEvent struct {
	ID       uuid.UUID `json:"id"`
	ISBN     string    `json:"isbn"`
	Title    string    `json:"title"`
	Quantity int       `json:"quantity"`
}

type BookUpdatedEvent struct {
	ID                uuid.UUID `json:"id"`
	Quantity          int       `json:"quantity"`
	AvailableQuantity int       `json:"available_quantity"`
}

type BookRemovedEvent struct {
	ID uuid.UUID `json:"id"`
}
