// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/catalog"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/eventstore"
)

// Aggregate versions of a loan in the event log.
const (
	versionNew    = 0
	versionOpened = 1
)

// Option configures the service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	store      Store
	loanPeriod time.Duration
	maxPage    int
	now        func() time.Time
	log        *slog.Logger
	tracer     trace.Tracer

	created  metric.Int64Counter
	returned metric.Int64Counter
	rejected metric.Int64Counter
}

// NewService creates a new checkout ledger on top of store.
func NewService(store Store, cfg config.LedgerConfig, log *slog.Logger, opts ...Option) Service {
	s := &service{
		store:      store,
		loanPeriod: cfg.LoanPeriod,
		maxPage:    cfg.MaxPageSize,
		now:        time.Now,
		log:        log,
		tracer:     otel.Tracer("library-backend/circulation"),
	}
	if s.loanPeriod <= 0 {
		s.loanPeriod = 14 * 24 * time.Hour
	}
	if s.maxPage <= 0 {
		s.maxPage = 100
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("library-backend/circulation")
	s.created = counter(meter, "library.checkouts.created", "Checkouts opened")
	s.returned = counter(meter, "library.checkouts.returned", "Checkouts closed")
	s.rejected = counter(meter, "library.checkouts.rejected", "Checkout and return attempts refused, by reason")
	return s
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// CreateCheckout lends one copy of a book. The book row stays locked from
// the availability check to the decrement, so concurrent checkouts of the
// last copy cannot both succeed.
func (s *service) CreateCheckout(ctx context.Context, p *auth.Principal, in CreateCheckoutInput) (_ *Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.CreateCheckout",
		trace.WithAttributes(attribute.String("book.id", in.BookID.String())))
	defer func() { s.finish(ctx, span, "create", err) }()

	target := uuid.Nil
	if p != nil {
		target = p.PatronID
	}
	if in.PatronID != nil {
		target = *in.PatronID
	}
	if err := auth.Authorize(p, auth.ActionCheckoutCreate, target).Err(); err != nil {
		return nil, err
	}
	if in.BookID == uuid.Nil {
		return nil, apperr.Invalid("book_id is required")
	}
	if target == uuid.Nil {
		return nil, apperr.Invalid("patron_id is required")
	}

	now := s.now().UTC()
	c := &Checkout{
		ID:           uuid.New(),
		BookID:       in.BookID,
		PatronID:     target,
		CheckoutDate: now,
		DueDate:      now.Add(s.loanPeriod),
	}
	if in.DueDate != nil {
		c.DueDate = in.DueDate.UTC()
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		book, err := tx.LockBook(ctx, c.BookID)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				return apperr.NotFound("book not found")
			}
			return err
		}

		patron, err := tx.Patron(ctx, c.PatronID)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				return apperr.NotFound("patron not found")
			}
			return err
		}
		if !patron.IsActive {
			return apperr.Forbidden("patron account is inactive")
		}

		if book.AvailableQuantity <= 0 {
			return apperr.Unavailable("book is not available")
		}
		if book.AvailableQuantity > book.Quantity {
			return apperr.Integrity(
				fmt.Errorf("available %d > quantity %d", book.AvailableQuantity, book.Quantity),
				"inventory of book %s is inconsistent", book.ID)
		}

		if err := tx.SetAvailable(ctx, book.ID, book.AvailableQuantity-1); err != nil {
			return err
		}
		if err := tx.InsertCheckout(ctx, c); err != nil {
			return err
		}
		return s.record(ctx, tx, c.ID, versionNew, EventCheckoutOpened, CheckoutOpenedEvent{
			CheckoutID: c.ID, BookID: c.BookID, PatronID: c.PatronID, DueDate: c.DueDate,
		}, p)
	})
	if err != nil {
		return nil, err
	}

	s.created.Add(ctx, 1)
	s.log.InfoContext(ctx, "checkout created",
		"checkout_id", c.ID, "book_id", c.BookID, "patron_id", c.PatronID, "due_date", c.DueDate)
	return c, nil
}

// ReturnCheckout closes a loan and puts the copy back on the shelf. A
// return that would push availability above the book's quantity is refused
// as an integrity failure and nothing is written.
func (s *service) ReturnCheckout(ctx context.Context, p *auth.Principal, id uuid.UUID) (_ *Checkout, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.ReturnCheckout",
		trace.WithAttributes(attribute.String("checkout.id", id.String())))
	defer func() { s.finish(ctx, span, "return", err) }()

	decision := auth.Authorize(p, auth.ActionCheckoutReturn, uuid.Nil)
	if err := decision.Err(); err != nil {
		return nil, err
	}

	var c *Checkout
	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		c, err = tx.LockCheckout(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				return apperr.NotFound("checkout not found")
			}
			return err
		}
		if decision.Restricts() && c.PatronID != p.PatronID {
			return apperr.NotFound("checkout not found")
		}
		if c.IsReturned {
			return apperr.AlreadyReturned("book already returned")
		}

		book, err := tx.LockBook(ctx, c.BookID)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				return apperr.Integrity(err, "book %s of checkout %s is missing", c.BookID, c.ID)
			}
			return err
		}
		if book.AvailableQuantity+1 > book.Quantity {
			return apperr.Integrity(
				fmt.Errorf("available %d + 1 > quantity %d", book.AvailableQuantity, book.Quantity),
				"returning checkout %s would exceed the quantity of book %s", c.ID, book.ID)
		}

		now := s.now().UTC()
		if err := tx.SetAvailable(ctx, book.ID, book.AvailableQuantity+1); err != nil {
			return err
		}
		if err := tx.MarkReturned(ctx, c.ID, now); err != nil {
			return err
		}
		c.IsReturned = true
		c.ReturnDate = &now

		return s.record(ctx, tx, c.ID, versionOpened, EventCheckoutClosed, CheckoutClosedEvent{
			CheckoutID: c.ID, BookID: c.BookID, PatronID: c.PatronID,
			ReturnDate: now, Overdue: c.DueDate.Before(now),
		}, p)
	})
	if err != nil {
		return nil, err
	}

	s.returned.Add(ctx, 1)
	s.log.InfoContext(ctx, "checkout returned", "checkout_id", c.ID, "book_id", c.BookID, "patron_id", c.PatronID)
	return c, nil
}

func (s *service) GetCheckout(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Checkout, error) {
	decision := auth.Authorize(p, auth.ActionCheckoutRead, uuid.Nil)
	if err := decision.Err(); err != nil {
		return nil, err
	}

	c, err := s.store.GetCheckout(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, apperr.NotFound("checkout not found")
		}
		return nil, err
	}
	if decision.Restricts() && c.PatronID != p.PatronID {
		return nil, apperr.NotFound("checkout not found")
	}
	return c, nil
}

func (s *service) ListCheckouts(ctx context.Context, p *auth.Principal, in ListInput) ([]*Checkout, error) {
	return s.list(ctx, p, in, Filter{})
}

// ListOverdue returns open loans whose due date has passed.
func (s *service) ListOverdue(ctx context.Context, p *auth.Principal, in ListInput) ([]*Checkout, error) {
	now := s.now().UTC()
	return s.list(ctx, p, in, Filter{OpenOnly: true, DueBefore: &now})
}

// ListDueSoon returns open loans due within window from now.
func (s *service) ListDueSoon(ctx context.Context, p *auth.Principal, window time.Duration, in ListInput) ([]*Checkout, error) {
	if window <= 0 {
		return nil, apperr.Invalid("window must be positive")
	}
	now := s.now().UTC()
	until := now.Add(window)
	return s.list(ctx, p, in, Filter{OpenOnly: true, DueFrom: &now, DueBefore: &until})
}

func (s *service) list(ctx context.Context, p *auth.Principal, in ListInput, f Filter) ([]*Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.List")
	defer span.End()

	action := auth.ActionCheckoutList
	if in.AllPatrons {
		action = auth.ActionCheckoutHistory
	}
	owner := uuid.Nil
	if in.PatronID != nil {
		owner = *in.PatronID
	}
	decision := auth.Authorize(p, action, owner)
	if err := decision.Err(); err != nil {
		return nil, err
	}
	if err := in.Page.Validate(); err != nil {
		return nil, err
	}

	switch {
	case decision.Restricts():
		f.PatronID = &p.PatronID
	case in.PatronID != nil:
		f.PatronID = in.PatronID
	}
	f.Page = in.Page.Clamp(s.maxPage)
	span.SetAttributes(attribute.String("scope", string(decision.Scope)), attribute.Bool("open_only", f.OpenOnly))

	return s.store.ListCheckouts(ctx, f)
}

// History returns the ledger events of one checkout, oldest first.
func (s *service) History(ctx context.Context, p *auth.Principal, id uuid.UUID) ([]eventstore.Event, error) {
	if err := auth.Authorize(p, auth.ActionCheckoutHistory, uuid.Nil).Err(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCheckout(ctx, id); err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, apperr.NotFound("checkout not found")
		}
		return nil, err
	}

	events, err := s.store.Events(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout history: %w", err)
	}
	return events, nil
}

// CheckoutsForBook lists every loan of a book, scoped like ListCheckouts.
func (s *service) CheckoutsForBook(ctx context.Context, p *auth.Principal, bookID uuid.UUID) ([]catalog.BookCheckout, error) {
	decision := auth.Authorize(p, auth.ActionCheckoutList, uuid.Nil)
	if err := decision.Err(); err != nil {
		return nil, err
	}

	f := Filter{BookID: &bookID}
	if decision.Restricts() {
		f.PatronID = &p.PatronID
	}
	checkouts, err := s.store.ListCheckouts(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]catalog.BookCheckout, 0, len(checkouts))
	for _, c := range checkouts {
		out = append(out, catalog.BookCheckout{
			ID:           c.ID,
			PatronID:     c.PatronID,
			CheckoutDate: c.CheckoutDate,
			DueDate:      c.DueDate,
			ReturnDate:   c.ReturnDate,
			IsReturned:   c.IsReturned,
		})
	}
	return out, nil
}

func (s *service) record(ctx context.Context, tx Tx, id uuid.UUID, version int, eventType string, data any, p *auth.Principal) error {
	e, err := eventstore.NewEvent(eventType, data, map[string]string{"actor": p.PatronID.String()})
	if err != nil {
		return err
	}
	if err := tx.Record(ctx, id, version, e); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return apperr.Integrity(err, "ledger of checkout %s is out of sequence", id)
		}
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

// finish closes a mutation span and counts refusals by error code.
func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}

	code := apperr.CodeOf(err)
	span.SetAttributes(attribute.String("error.code", string(code)))
	switch code {
	case apperr.CodeInternal, apperr.CodeIntegrity:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.ErrorContext(ctx, "checkout "+op+" failed", "error", err, "code", code)
	default:
		s.log.DebugContext(ctx, "checkout "+op+" refused", "error", err, "code", code)
	}
	s.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("reason", string(code)),
	))
}
