// internal/chaos/probes.go
package chaos

import (
	"context"
	"fmt"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/library-backend/internal/circulation"
)

// Inventory counts books whose counters break the stock invariant:
// 0 <= available <= quantity and available == quantity - open loans.
type Inventory interface {
	Inconsistencies(ctx context.Context) (int, error)
}

// Target is the book and the patrons an experiment works on.
type Target struct {
	BookID  uuid.UUID
	Copies  int
	Patrons []uuid.UUID
}

// Fixture provisions and removes experiment targets.
type Fixture interface {
	Seed(ctx context.Context, copies, patrons int) (Target, error)
	Cleanup(ctx context.Context, t Target) error
}

type PostgresInventory struct {
	db *sqlx.DB
}

func NewPostgresInventory(db *sqlx.DB) *PostgresInventory {
	return &PostgresInventory{db: db}
}

const inconsistentBooksSQL = `
	SELECT COUNT(*) FROM books b
	WHERE b.available_quantity < 0
	   OR b.available_quantity > b.quantity
	   OR b.available_quantity <> b.quantity - (
	        SELECT COUNT(*) FROM checkouts c WHERE c.book_id = b.id AND NOT c.is_returned)`

func (p *PostgresInventory) Inconsistencies(ctx context.Context) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n, inconsistentBooksSQL); err != nil {
		return 0, fmt.Errorf("count inconsistent books: %w", err)
	}
	return n, nil
}

// PostgresFixture seeds throwaway rows. Patrons get an unusable password
// hash so the seeded accounts can never log in.
type PostgresFixture struct {
	db *sqlx.DB
}

func NewPostgresFixture(db *sqlx.DB) *PostgresFixture {
	return &PostgresFixture{db: db}
}

func (f *PostgresFixture) Seed(ctx context.Context, copies, patrons int) (Target, error) {
	dialect := goqu.Dialect("postgres")
	t := Target{BookID: uuid.New(), Copies: copies}
	tag := t.BookID.String()[:8]

	rows := make([]any, 0, patrons)
	for i := 0; i < patrons; i++ {
		id := uuid.New()
		t.Patrons = append(t.Patrons, id)
		name := fmt.Sprintf("chaos-%s-%d", tag, i)
		rows = append(rows, goqu.Record{
			"id": id.String(), "name": name, "email": name + "@chaos.invalid",
			"username": name, "hashed_password": "!",
		})
	}

	err := inTx(ctx, f.db, func(tx *sqlx.Tx) error {
		query, args, err := dialect.Insert("books").Rows(goqu.Record{
			"id": t.BookID.String(), "title": "Chaos " + tag, "author": "libraryctl",
			"isbn": "chaos-" + tag, "quantity": copies, "available_quantity": copies,
		}).Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		query, args, err = dialect.Insert("patrons").Rows(rows...).Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert patrons: %w", err)
		}
		return nil
	})
	return t, err
}

// Cleanup deletes the seeded rows and their loans. Ledger events are kept.
func (f *PostgresFixture) Cleanup(ctx context.Context, t Target) error {
	dialect := goqu.Dialect("postgres")
	ids := make([]string, len(t.Patrons))
	for i, id := range t.Patrons {
		ids[i] = id.String()
	}

	return inTx(ctx, f.db, func(tx *sqlx.Tx) error {
		stmts := []*goqu.DeleteDataset{
			dialect.Delete("checkouts").Where(goqu.C("book_id").Eq(t.BookID.String())),
			dialect.Delete("books").Where(goqu.C("id").Eq(t.BookID.String())),
		}
		if len(ids) > 0 {
			stmts = append(stmts, dialect.Delete("patrons").Where(goqu.C("id").In(ids)))
		}
		for _, ds := range stmts {
			query, args, err := ds.Prepared(true).ToSQL()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
		}
		return nil
	})
}

func inTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MemoryInventory checks the books a MemoryFixture seeded.
type MemoryInventory struct {
	store *circulation.MemoryStore

	mu    sync.Mutex
	books []uuid.UUID
}

// MemoryFixture seeds an in-process store, for dry runs without a database.
type MemoryFixture struct {
	*MemoryInventory
}

func NewMemoryFixture(store *circulation.MemoryStore) *MemoryFixture {
	return &MemoryFixture{MemoryInventory: &MemoryInventory{store: store}}
}

func (f *MemoryFixture) Seed(_ context.Context, copies, patrons int) (Target, error) {
	t := Target{BookID: uuid.New(), Copies: copies}
	f.store.PutBook(t.BookID, copies)
	for i := 0; i < patrons; i++ {
		id := uuid.New()
		f.store.PutPatron(id, true)
		t.Patrons = append(t.Patrons, id)
	}
	f.mu.Lock()
	f.books = append(f.books, t.BookID)
	f.mu.Unlock()
	return t, nil
}

func (f *MemoryFixture) Cleanup(context.Context, Target) error { return nil }

func (m *MemoryInventory) Inconsistencies(context.Context) (int, error) {
	m.mu.Lock()
	books := append([]uuid.UUID(nil), m.books...)
	m.mu.Unlock()

	n := 0
	for _, id := range books {
		s, ok := m.store.Stock(id)
		if !ok {
			continue
		}
		if s.AvailableQuantity < 0 || s.AvailableQuantity > s.Quantity ||
			s.AvailableQuantity != s.Quantity-m.store.Outstanding(id) {
			n++
		}
	}
	return n, nil
}
