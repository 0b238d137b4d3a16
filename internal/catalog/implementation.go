// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/httpx"
	"github.com/jules-labs/library-backend/internal/validation"
)

const (
	aggregateBook      = "book"
	defaultQuantity    = 1
	constraintInRange  = "books_available_in_range"
	constraintQuantity = "books_quantity_nonnegative"
)

var (
	dialect     = goqu.Dialect("postgres")
	bookColumns = []any{"id", "title", "author", "isbn", "quantity", "available_quantity", "created_at", "updated_at"}
)

// service implements the Service interface.
type service struct {
	db         *sqlx.DB
	eventStore *eventstore.EventStore
	validate   *validation.Validator
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB, es *eventstore.EventStore, v *validation.Validator) Service {
	return &service{
		db:         db,
		eventStore: es,
		validate:   v,
	}
}

// CreateBook adds a title with all copies available.
func (s *service) CreateBook(ctx context.Context, p *auth.Principal, in CreateBookInput) (*Book, error) {
	if err := auth.Authorize(p, auth.ActionBookWrite, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	quantity := defaultQuantity
	if in.Quantity != nil {
		quantity = *in.Quantity
	}

	book := &Book{}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, book, `
			INSERT INTO books (id, title, author, isbn, quantity, available_quantity)
			VALUES ($1, $2, $3, $4, $5, $5)
			RETURNING id, title, author, isbn, quantity, available_quantity, created_at, updated_at
		`, uuid.New(), strings.TrimSpace(in.Title), strings.TrimSpace(in.Author), strings.TrimSpace(in.ISBN), quantity)
		if err != nil {
			return database.MapError(err, "book with this ISBN")
		}
		return s.record(ctx, tx, book.ID, EventBookAdded, BookAddedEvent{
			ID: book.ID, ISBN: book.ISBN, Title: book.Title, Quantity: book.Quantity,
		}, p)
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Book, error) {
	if err := auth.Authorize(p, auth.ActionBookRead, uuid.Nil).Err(); err != nil {
		return nil, err
	}

	book := &Book{}
	err := s.db.GetContext(ctx, book, `
		SELECT id, title, author, isbn, quantity, available_quantity, created_at, updated_at
		FROM books
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("book not found")
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return book, nil
}

func (s *service) ListBooks(ctx context.Context, p *auth.Principal, page httpx.Page) ([]*Book, error) {
	if err := auth.Authorize(p, auth.ActionBookRead, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	return s.selectBooks(ctx, dialect.From("books"), page)
}

// SearchBooks matches query case-insensitively against title, author and ISBN.
func (s *service) SearchBooks(ctx context.Context, p *auth.Principal, query string, page httpx.Page) ([]*Book, error) {
	if err := auth.Authorize(p, auth.ActionBookRead, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Invalid("missing search query")
	}

	pattern := "%" + escapeLike(query) + "%"
	ds := dialect.From("books").Where(goqu.Or(
		goqu.C("title").ILike(pattern),
		goqu.C("author").ILike(pattern),
		goqu.C("isbn").ILike(pattern),
	))
	return s.selectBooks(ctx, ds, page)
}

func (s *service) selectBooks(ctx context.Context, ds *goqu.SelectDataset, page httpx.Page) ([]*Book, error) {
	if err := page.Validate(); err != nil {
		return nil, err
	}
	query, args, err := ds.
		Select(bookColumns...).
		Order(goqu.C("title").Asc(), goqu.C("id").Asc()).
		Offset(uint(page.Skip)).
		Limit(uint(page.Limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}

	books := []*Book{}
	if err := s.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

// UpdateBook applies the set fields. A quantity change moves
// available_quantity by the same delta so the copies on loan are unchanged;
// shrinking below the copies on loan is rejected.
func (s *service) UpdateBook(ctx context.Context, p *auth.Principal, id uuid.UUID, in UpdateBookInput) (*Book, error) {
	if err := auth.Authorize(p, auth.ActionBookWrite, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	if in.empty() {
		return s.GetBook(ctx, p, id)
	}

	rec := goqu.Record{"updated_at": goqu.L("NOW()")}
	if in.Title != nil {
		rec["title"] = strings.TrimSpace(*in.Title)
	}
	if in.Author != nil {
		rec["author"] = strings.TrimSpace(*in.Author)
	}
	if in.ISBN != nil {
		rec["isbn"] = strings.TrimSpace(*in.ISBN)
	}
	if in.Quantity != nil {
		rec["quantity"] = *in.Quantity
		rec["available_quantity"] = goqu.L("available_quantity + (? - quantity)", *in.Quantity)
	}

	query, args, err := dialect.Update("books").
		Set(rec).
		Where(goqu.C("id").Eq(id.String())).
		Returning(bookColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book update: %w", err)
	}

	book := &Book{}
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, book, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("book not found")
			}
			switch database.Constraint(err) {
			case constraintInRange, constraintQuantity:
				return apperr.Invalid("quantity cannot be lower than the copies currently on loan")
			}
			return database.MapError(err, "book with this ISBN")
		}
		return s.record(ctx, tx, id, EventBookUpdated, BookUpdatedEvent{
			ID: id, Quantity: book.Quantity, AvailableQuantity: book.AvailableQuantity,
		}, p)
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

// DeleteBook removes a title that has never been checked out.
func (s *service) DeleteBook(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.Authorize(p, auth.ActionBookWrite, uuid.Nil).Err(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var locked uuid.UUID
		if err := tx.GetContext(ctx, &locked, `SELECT id FROM books WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("book not found")
			}
			return fmt.Errorf("failed to lock book: %w", err)
		}

		var history bool
		if err := tx.GetContext(ctx, &history, `SELECT EXISTS (SELECT 1 FROM checkouts WHERE book_id = $1)`, id); err != nil {
			return fmt.Errorf("failed to check checkout history: %w", err)
		}
		if history {
			return apperr.Conflict("book has checkout history and cannot be deleted")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id); err != nil {
			return database.MapError(err, "book")
		}
		return s.record(ctx, tx, id, EventBookRemoved, BookRemovedEvent{ID: id}, p)
	})
}

func (s *service) record(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, eventType string, data any, p *auth.Principal) error {
	e, err := eventstore.NewEvent(eventType, data, map[string]string{"actor": p.PatronID.String()})
	if err != nil {
		return err
	}
	if err := s.eventStore.Append(ctx, tx, id, aggregateBook, eventstore.AnyVersion, e); err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

func (s *service) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
