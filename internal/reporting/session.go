// internal/reporting/session.go
package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Loan is a checkout row as the jobs read it.
type Loan struct {
	ID           uuid.UUID  `db:"id"`
	BookID       uuid.UUID  `db:"book_id"`
	PatronID     uuid.UUID  `db:"patron_id"`
	CheckoutDate time.Time  `db:"checkout_date"`
	DueDate      time.Time  `db:"due_date"`
	ReturnDate   *time.Time `db:"return_date"`
	IsReturned   bool       `db:"is_returned"`
}

type Book struct {
	ID     uuid.UUID `db:"id"`
	Title  string    `db:"title"`
	Author string    `db:"author"`
}

type Patron struct {
	ID    uuid.UUID `db:"id"`
	Name  string    `db:"name"`
	Email string    `db:"email"`
}

// Window bounds due dates: From inclusive, Before exclusive. Nil bounds are
// open.
type Window struct {
	From   *time.Time
	Before *time.Time
}

// Session is a consistent read-only view of the ledger for one job run.
type Session interface {
	OpenLoans(ctx context.Context, w Window) ([]Loan, error)
	LoansSince(ctx context.Context, since time.Time) ([]Loan, error)
	Books(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Book, error)
	Patrons(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Patron, error)
	Close() error
}

// Opener starts sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

var (
	dialect     = goqu.Dialect("postgres")
	loanColumns = []any{"id", "book_id", "patron_id", "checkout_date", "due_date", "return_date", "is_returned"}
)

// PostgresOpener opens read-only transactions. They take no row locks and
// never block the request path.
type PostgresOpener struct {
	db *sqlx.DB
}

func NewPostgresOpener(db *sqlx.DB) *PostgresOpener {
	return &PostgresOpener{db: db}
}

func (o *PostgresOpener) Open(ctx context.Context) (Session, error) {
	tx, err := o.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to open report session: %w", err)
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct {
	tx *sqlx.Tx
}

func (s *pgSession) Close() error {
	return s.tx.Rollback()
}

func (s *pgSession) OpenLoans(ctx context.Context, w Window) ([]Loan, error) {
	ds := dialect.From("checkouts").Select(loanColumns...).Where(goqu.C("is_returned").IsFalse())
	if w.From != nil {
		ds = ds.Where(goqu.C("due_date").Gte(*w.From))
	}
	if w.Before != nil {
		ds = ds.Where(goqu.C("due_date").Lt(*w.Before))
	}
	return s.loans(ctx, ds.Order(goqu.C("patron_id").Asc(), goqu.C("due_date").Asc()))
}

func (s *pgSession) LoansSince(ctx context.Context, since time.Time) ([]Loan, error) {
	ds := dialect.From("checkouts").Select(loanColumns...).
		Where(goqu.C("checkout_date").Gte(since)).
		Order(goqu.C("checkout_date").Asc(), goqu.C("id").Asc())
	return s.loans(ctx, ds)
}

func (s *pgSession) loans(ctx context.Context, ds *goqu.SelectDataset) ([]Loan, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan query: %w", err)
	}
	loans := []Loan{}
	if err := s.tx.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	return loans, nil
}

func (s *pgSession) Books(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Book, error) {
	out := make(map[uuid.UUID]Book, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := dialect.From("books").
		Select("id", "title", "author").
		Where(goqu.C("id").In(uuidStrings(ids))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}

	var books []Book
	if err := s.tx.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	for _, b := range books {
		out[b.ID] = b
	}
	return out, nil
}

func (s *pgSession) Patrons(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Patron, error) {
	out := make(map[uuid.UUID]Patron, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := dialect.From("patrons").
		Select("id", "name", "email").
		Where(goqu.C("id").In(uuidStrings(ids))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build patron query: %w", err)
	}

	var patrons []Patron
	if err := s.tx.SelectContext(ctx, &patrons, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query patrons: %w", err)
	}
	for _, p := range patrons {
		out[p.ID] = p
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
