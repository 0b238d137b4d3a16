// internal/circulation/memory.go
package circulation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/eventstore"
)

// MemoryStore is an in-process Store for tests and dry runs. Units of work
// are serialised by one mutex and rolled back by restoring a snapshot.
type MemoryStore struct {
	mu        sync.Mutex
	books     map[uuid.UUID]BookStock
	patrons   map[uuid.UUID]PatronStatus
	checkouts map[uuid.UUID]Checkout
	events    map[uuid.UUID][]eventstore.Event
	seq       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:     map[uuid.UUID]BookStock{},
		patrons:   map[uuid.UUID]PatronStatus{},
		checkouts: map[uuid.UUID]Checkout{},
		events:    map[uuid.UUID][]eventstore.Event{},
	}
}

// PutBook adds or replaces a book with all copies available.
func (m *MemoryStore) PutBook(id uuid.UUID, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[id] = BookStock{ID: id, Quantity: quantity, AvailableQuantity: quantity}
}

// SetStock overwrites a book's counters without any checks.
func (m *MemoryStore) SetStock(id uuid.UUID, quantity, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[id] = BookStock{ID: id, Quantity: quantity, AvailableQuantity: available}
}

func (m *MemoryStore) PutPatron(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patrons[id] = PatronStatus{ID: id, IsActive: active}
}

// Stock returns the current counters of a book.
func (m *MemoryStore) Stock(id uuid.UUID) (BookStock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	return b, ok
}

// Outstanding counts the open loans of a book.
func (m *MemoryStore) Outstanding(bookID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.checkouts {
		if c.BookID == bookID && !c.IsReturned {
			n++
		}
	}
	return n
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := m.snapshot()
	if err := fn(memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemoryStore) GetCheckout(_ context.Context, id uuid.UUID) (*Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkouts[id]
	if !ok {
		return nil, ErrNoRecord
	}
	return &c, nil
}

func (m *MemoryStore) ListCheckouts(_ context.Context, f Filter) ([]*Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Checkout{}
	for _, c := range m.checkouts {
		switch {
		case f.PatronID != nil && c.PatronID != *f.PatronID,
			f.BookID != nil && c.BookID != *f.BookID,
			f.OpenOnly && c.IsReturned,
			f.DueFrom != nil && c.DueDate.Before(*f.DueFrom),
			f.DueBefore != nil && !c.DueDate.Before(*f.DueBefore):
			continue
		}
		c := c
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.OpenOnly {
			if !a.DueDate.Equal(b.DueDate) {
				return a.DueDate.Before(b.DueDate)
			}
		} else if !a.CheckoutDate.Equal(b.CheckoutDate) {
			return a.CheckoutDate.After(b.CheckoutDate)
		}
		return a.ID.String() < b.ID.String()
	})

	if f.Page.Skip >= len(out) {
		return []*Checkout{}, nil
	}
	out = out[f.Page.Skip:]
	if f.Page.Limit > 0 && f.Page.Limit < len(out) {
		out = out[:f.Page.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Events(_ context.Context, checkoutID uuid.UUID) ([]eventstore.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]eventstore.Event(nil), m.events[checkoutID]...), nil
}

type memSnapshot struct {
	books     map[uuid.UUID]BookStock
	checkouts map[uuid.UUID]Checkout
	events    map[uuid.UUID][]eventstore.Event
	seq       int64
}

func (m *MemoryStore) snapshot() memSnapshot {
	s := memSnapshot{
		books:     make(map[uuid.UUID]BookStock, len(m.books)),
		checkouts: make(map[uuid.UUID]Checkout, len(m.checkouts)),
		events:    make(map[uuid.UUID][]eventstore.Event, len(m.events)),
		seq:       m.seq,
	}
	for k, v := range m.books {
		s.books[k] = v
	}
	for k, v := range m.checkouts {
		s.checkouts[k] = v
	}
	for k, v := range m.events {
		s.events[k] = append([]eventstore.Event(nil), v...)
	}
	return s
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.books, m.checkouts, m.events, m.seq = s.books, s.checkouts, s.events, s.seq
}

// memTx runs with the store mutex already held.
type memTx struct{ m *MemoryStore }

func (t memTx) LockBook(_ context.Context, id uuid.UUID) (*BookStock, error) {
	b, ok := t.m.books[id]
	if !ok {
		return nil, ErrNoRecord
	}
	return &b, nil
}

func (t memTx) Patron(_ context.Context, id uuid.UUID) (*PatronStatus, error) {
	p, ok := t.m.patrons[id]
	if !ok {
		return nil, ErrNoRecord
	}
	return &p, nil
}

func (t memTx) SetAvailable(_ context.Context, bookID uuid.UUID, available int) error {
	b, ok := t.m.books[bookID]
	if !ok {
		return ErrNoRecord
	}
	b.AvailableQuantity = available
	t.m.books[bookID] = b
	return nil
}

func (t memTx) InsertCheckout(_ context.Context, c *Checkout) error {
	t.m.checkouts[c.ID] = *c
	return nil
}

func (t memTx) LockCheckout(_ context.Context, id uuid.UUID) (*Checkout, error) {
	c, ok := t.m.checkouts[id]
	if !ok {
		return nil, ErrNoRecord
	}
	return &c, nil
}

func (t memTx) MarkReturned(_ context.Context, id uuid.UUID, at time.Time) error {
	c, ok := t.m.checkouts[id]
	if !ok {
		return ErrNoRecord
	}
	c.IsReturned = true
	c.ReturnDate = &at
	t.m.checkouts[id] = c
	return nil
}

func (t memTx) Record(_ context.Context, checkoutID uuid.UUID, expectedVersion int, e eventstore.Event) error {
	current := len(t.m.events[checkoutID])
	if expectedVersion != eventstore.AnyVersion && current != expectedVersion {
		return eventstore.ErrConcurrencyConflict
	}
	t.m.seq++
	e.ID = t.m.seq
	e.AggregateID = checkoutID
	e.AggregateType = aggregateCheckout
	e.Version = current + 1
	e.CreatedAt = time.Now().UTC()
	t.m.events[checkoutID] = append(t.m.events[checkoutID], e)
	return nil
}
