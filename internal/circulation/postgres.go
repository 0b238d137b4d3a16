// internal/circulation/postgres.go
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/eventstore"
)

const aggregateCheckout = "checkout"

var (
	dialect         = goqu.Dialect("postgres")
	checkoutColumns = []any{"id", "book_id", "patron_id", "checkout_date", "due_date", "return_date", "is_returned"}
)

// PostgresStore keeps the ledger in the checkouts table and its events in
// the shared event log.
type PostgresStore struct {
	db         *sqlx.DB
	eventStore *eventstore.EventStore
}

func NewPostgresStore(db *sqlx.DB, es *eventstore.EventStore) *PostgresStore {
	return &PostgresStore{db: db, eventStore: es}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx, eventStore: s.eventStore}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckout(ctx context.Context, id uuid.UUID) (*Checkout, error) {
	c := &Checkout{}
	err := s.db.GetContext(ctx, c, `
		SELECT id, book_id, patron_id, checkout_date, due_date, return_date, is_returned
		FROM checkouts
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to get checkout: %w", err)
	}
	return c, nil
}

// ListCheckouts returns open listings ordered by due date and everything
// else newest first.
func (s *PostgresStore) ListCheckouts(ctx context.Context, f Filter) ([]*Checkout, error) {
	ds := dialect.From("checkouts").Select(checkoutColumns...)
	if f.PatronID != nil {
		ds = ds.Where(goqu.C("patron_id").Eq(f.PatronID.String()))
	}
	if f.BookID != nil {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID.String()))
	}
	if f.OpenOnly {
		ds = ds.Where(goqu.C("is_returned").IsFalse())
	}
	if f.DueFrom != nil {
		ds = ds.Where(goqu.C("due_date").Gte(*f.DueFrom))
	}
	if f.DueBefore != nil {
		ds = ds.Where(goqu.C("due_date").Lt(*f.DueBefore))
	}
	if f.OpenOnly {
		ds = ds.Order(goqu.C("due_date").Asc(), goqu.C("id").Asc())
	} else {
		ds = ds.Order(goqu.C("checkout_date").Desc(), goqu.C("id").Asc())
	}
	if f.Page.Limit > 0 {
		ds = ds.Limit(uint(f.Page.Limit))
	}
	if f.Page.Skip > 0 {
		ds = ds.Offset(uint(f.Page.Skip))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkout query: %w", err)
	}

	checkouts := []*Checkout{}
	if err := s.db.SelectContext(ctx, &checkouts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list checkouts: %w", err)
	}
	return checkouts, nil
}

func (s *PostgresStore) Events(ctx context.Context, checkoutID uuid.UUID) ([]eventstore.Event, error) {
	return s.eventStore.Load(ctx, checkoutID)
}

type pgTx struct {
	tx         *sqlx.Tx
	eventStore *eventstore.EventStore
}

func (t *pgTx) LockBook(ctx context.Context, id uuid.UUID) (*BookStock, error) {
	b := &BookStock{}
	err := t.tx.GetContext(ctx, b, `
		SELECT id, quantity, available_quantity
		FROM books
		WHERE id = $1
		FOR UPDATE
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to lock book: %w", err)
	}
	return b, nil
}

func (t *pgTx) Patron(ctx context.Context, id uuid.UUID) (*PatronStatus, error) {
	p := &PatronStatus{}
	err := t.tx.GetContext(ctx, p, `SELECT id, is_active FROM patrons WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to get patron: %w", err)
	}
	return p, nil
}

func (t *pgTx) SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE books SET available_quantity = $2, updated_at = NOW()
		WHERE id = $1
	`, bookID, available)
	if err != nil {
		return database.MapError(err, "book")
	}
	return nil
}

func (t *pgTx) InsertCheckout(ctx context.Context, c *Checkout) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO checkouts (id, book_id, patron_id, checkout_date, due_date, return_date, is_returned)
		VALUES (:id, :book_id, :patron_id, :checkout_date, :due_date, :return_date, :is_returned)
	`, c)
	if err != nil {
		return database.MapError(err, "checkout")
	}
	return nil
}

func (t *pgTx) LockCheckout(ctx context.Context, id uuid.UUID) (*Checkout, error) {
	c := &Checkout{}
	err := t.tx.GetContext(ctx, c, `
		SELECT id, book_id, patron_id, checkout_date, due_date, return_date, is_returned
		FROM checkouts
		WHERE id = $1
		FOR UPDATE
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to lock checkout: %w", err)
	}
	return c, nil
}

func (t *pgTx) MarkReturned(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE checkouts SET is_returned = TRUE, return_date = $2
		WHERE id = $1 AND NOT is_returned
	`, id, at)
	if err != nil {
		return database.MapError(err, "checkout")
	}
	return nil
}

func (t *pgTx) Record(ctx context.Context, checkoutID uuid.UUID, expectedVersion int, e eventstore.Event) error {
	return t.eventStore.Append(ctx, t.tx, checkoutID, aggregateCheckout, expectedVersion, e)
}
