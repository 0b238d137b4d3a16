package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/httpx"
	"github.com/jules-labs/library-backend/internal/logger"
)

var (
	epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	page  = httpx.Page{Limit: 100}
)

type fixture struct {
	store  *MemoryStore
	svc    Service
	now    time.Time
	admin  *auth.Principal
	alice  *auth.Principal
	bob    *auth.Principal
	bookID uuid.UUID
}

func newFixture(t *testing.T, quantity int) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		now:    epoch,
		admin:  &auth.Principal{PatronID: uuid.New(), Username: "admin", Role: auth.RoleAdmin},
		alice:  &auth.Principal{PatronID: uuid.New(), Username: "alice", Role: auth.RoleMember},
		bob:    &auth.Principal{PatronID: uuid.New(), Username: "bob", Role: auth.RoleMember},
		bookID: uuid.New(),
	}
	f.store.PutPatron(f.admin.PatronID, true)
	f.store.PutPatron(f.alice.PatronID, true)
	f.store.PutPatron(f.bob.PatronID, true)
	f.store.PutBook(f.bookID, quantity)

	cfg := config.LedgerConfig{LoanPeriod: 14 * 24 * time.Hour, MaxPageSize: 100}
	f.svc = NewService(f.store, cfg, logger.Discard(), WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) stock(t *testing.T) BookStock {
	t.Helper()
	b, ok := f.store.Stock(f.bookID)
	require.True(t, ok)
	return b
}

func TestCheckoutAndReturn(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	c, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)
	assert.Equal(t, f.alice.PatronID, c.PatronID)
	assert.False(t, c.IsReturned)
	assert.Nil(t, c.ReturnDate)
	assert.Equal(t, epoch, c.CheckoutDate)
	assert.Equal(t, epoch.Add(14*24*time.Hour), c.DueDate)
	assert.Equal(t, 1, f.stock(t).AvailableQuantity)

	f.now = epoch.Add(3 * 24 * time.Hour)
	returned, err := f.svc.ReturnCheckout(ctx, f.alice, c.ID)
	require.NoError(t, err)
	assert.True(t, returned.IsReturned)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, f.now, *returned.ReturnDate)
	assert.Equal(t, 2, f.stock(t).AvailableQuantity)

	_, err = f.svc.ReturnCheckout(ctx, f.alice, c.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyReturned)
	assert.Equal(t, 2, f.stock(t).AvailableQuantity)
}

func TestCheckoutExplicitDueDateInThePast(t *testing.T) {
	f := newFixture(t, 1)
	due := epoch.Add(-48 * time.Hour)

	c, err := f.svc.CreateCheckout(context.Background(), f.alice, CreateCheckoutInput{BookID: f.bookID, DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, due, c.DueDate)
	assert.True(t, c.IsOverdue(epoch))
}

func TestCheckoutLastCopyThenUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)

	_, err = f.svc.CreateCheckout(ctx, f.bob, CreateCheckoutInput{BookID: f.bookID})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, 0, f.stock(t).AvailableQuantity)
	assert.Equal(t, 1, f.store.Outstanding(f.bookID))
}

func TestCheckoutRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("member for another patron", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID, PatronID: &f.bob.PatronID})
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		assert.Equal(t, 1, f.stock(t).AvailableQuantity)
	})

	t.Run("admin for another patron", func(t *testing.T) {
		f := newFixture(t, 1)
		c, err := f.svc.CreateCheckout(ctx, f.admin, CreateCheckoutInput{BookID: f.bookID, PatronID: &f.bob.PatronID})
		require.NoError(t, err)
		assert.Equal(t, f.bob.PatronID, c.PatronID)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.svc.CreateCheckout(ctx, nil, CreateCheckoutInput{BookID: f.bookID})
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	})

	t.Run("unknown book", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: uuid.New()})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("missing book id", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{})
		assert.ErrorIs(t, err, apperr.ErrInvalid)
	})

	t.Run("unknown patron", func(t *testing.T) {
		f := newFixture(t, 1)
		ghost := uuid.New()
		_, err := f.svc.CreateCheckout(ctx, f.admin, CreateCheckoutInput{BookID: f.bookID, PatronID: &ghost})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Equal(t, 1, f.stock(t).AvailableQuantity)
	})

	t.Run("inactive patron", func(t *testing.T) {
		f := newFixture(t, 1)
		f.store.PutPatron(f.bob.PatronID, false)
		_, err := f.svc.CreateCheckout(ctx, f.admin, CreateCheckoutInput{BookID: f.bookID, PatronID: &f.bob.PatronID})
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		assert.Equal(t, 1, f.stock(t).AvailableQuantity)
	})
}

func TestReturnScoping(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	c, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)

	_, err = f.svc.ReturnCheckout(ctx, f.bob, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.ReturnCheckout(ctx, f.alice, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.ReturnCheckout(ctx, f.admin, c.ID)
	require.NoError(t, err)
}

func TestReturnAboveQuantityIsIntegrityFailure(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	c, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)

	// Someone restocked the shelf behind the ledger's back.
	f.store.SetStock(f.bookID, 2, 2)

	_, err = f.svc.ReturnCheckout(ctx, f.alice, c.ID)
	assert.ErrorIs(t, err, apperr.ErrIntegrity)

	assert.Equal(t, 2, f.stock(t).AvailableQuantity)
	got, err := f.svc.GetCheckout(ctx, f.alice, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsReturned)

	events, err := f.svc.History(ctx, f.admin, c.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetCheckoutScoping(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	c, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)

	_, err = f.svc.GetCheckout(ctx, f.alice, c.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetCheckout(ctx, f.admin, c.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetCheckout(ctx, f.bob, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListScoping(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for _, p := range []*auth.Principal{f.alice, f.alice, f.bob} {
		_, err := f.svc.CreateCheckout(ctx, p, CreateCheckoutInput{BookID: f.bookID})
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	own, err := f.svc.ListCheckouts(ctx, f.alice, ListInput{Page: page})
	require.NoError(t, err)
	assert.Len(t, own, 2)
	for _, c := range own {
		assert.Equal(t, f.alice.PatronID, c.PatronID)
	}
	assert.True(t, own[0].CheckoutDate.After(own[1].CheckoutDate), "newest first")

	_, err = f.svc.ListCheckouts(ctx, f.alice, ListInput{PatronID: &f.bob.PatronID, Page: page})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	all, err := f.svc.ListCheckouts(ctx, f.admin, ListInput{Page: page})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bobs, err := f.svc.ListCheckouts(ctx, f.admin, ListInput{PatronID: &f.bob.PatronID, Page: page})
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	_, err = f.svc.ListCheckouts(ctx, f.alice, ListInput{AllPatrons: true, Page: page})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	all, err = f.svc.ListCheckouts(ctx, f.admin, ListInput{AllPatrons: true, Page: page})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListPagination(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	got, err := f.svc.ListCheckouts(ctx, f.alice, ListInput{Page: httpx.Page{Skip: 3, Limit: 10}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.svc.ListCheckouts(ctx, f.alice, ListInput{Page: httpx.Page{Skip: 0, Limit: 2}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.svc.ListCheckouts(ctx, f.alice, ListInput{Page: httpx.Page{Skip: -1, Limit: 10}})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestOverdueAndDueSoon(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	due := func(d time.Duration) *time.Time { at := epoch.Add(d); return &at }
	overdue, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID, DueDate: due(-24 * time.Hour)})
	require.NoError(t, err)
	soon, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID, DueDate: due(24 * time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID, DueDate: due(7 * 24 * time.Hour)})
	require.NoError(t, err)
	returned, err := f.svc.CreateCheckout(ctx, f.bob, CreateCheckoutInput{BookID: f.bookID, DueDate: due(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.ReturnCheckout(ctx, f.bob, returned.ID)
	require.NoError(t, err)

	list, err := f.svc.ListOverdue(ctx, f.admin, ListInput{Page: page})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, overdue.ID, list[0].ID)

	list, err = f.svc.ListOverdue(ctx, f.bob, ListInput{Page: page})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = f.svc.ListDueSoon(ctx, f.alice, 48*time.Hour, ListInput{Page: page})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, soon.ID, list[0].ID)

	_, err = f.svc.ListDueSoon(ctx, f.alice, 0, ListInput{Page: page})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	c, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)
	_, err = f.svc.ReturnCheckout(ctx, f.alice, c.ID)
	require.NoError(t, err)

	_, err = f.svc.History(ctx, f.alice, c.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	events, err := f.svc.History(ctx, f.admin, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCheckoutOpened, events[0].EventType)
	assert.Equal(t, EventCheckoutClosed, events[1].EventType)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)
	assert.Equal(t, f.alice.PatronID.String(), events[1].Metadata["actor"])

	_, err = f.svc.History(ctx, f.admin, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCheckoutsForBook(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.svc.CreateCheckout(ctx, f.alice, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)
	_, err = f.svc.CreateCheckout(ctx, f.bob, CreateCheckoutInput{BookID: f.bookID})
	require.NoError(t, err)

	all, err := f.svc.CheckoutsForBook(ctx, f.admin, f.bookID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := f.svc.CheckoutsForBook(ctx, f.alice, f.bookID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, f.alice.PatronID, own[0].PatronID)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	const copies, patrons = 3, 20
	f := newFixture(t, copies)
	ctx := context.Background()

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, refused int
	)
	for i := 0; i < patrons; i++ {
		p := &auth.Principal{PatronID: uuid.New(), Role: auth.RoleMember}
		f.store.PutPatron(p.PatronID, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateCheckout(ctx, p, CreateCheckoutInput{BookID: f.bookID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, apperr.ErrUnavailable) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, copies, ok)
	assert.Equal(t, patrons-copies, refused)
	assert.Equal(t, 0, f.stock(t).AvailableQuantity)
}

// Any interleaving of checkouts and returns keeps every book's available
// count equal to its quantity minus its open loans.
func TestInventoryInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore()
		admin := &auth.Principal{PatronID: uuid.New(), Role: auth.RoleAdmin}
		svc := NewService(store, config.LedgerConfig{}, logger.Discard())
		ctx := context.Background()

		books := make([]uuid.UUID, rapid.IntRange(1, 3).Draw(rt, "books"))
		for i := range books {
			books[i] = uuid.New()
			store.PutBook(books[i], rapid.IntRange(0, 3).Draw(rt, "quantity"))
		}
		patrons := make([]uuid.UUID, rapid.IntRange(1, 3).Draw(rt, "patrons"))
		for i := range patrons {
			patrons[i] = uuid.New()
			store.PutPatron(patrons[i], true)
		}
		var open []uuid.UUID

		rt.Repeat(map[string]func(*rapid.T){
			"checkout": func(rt *rapid.T) {
				book := rapid.SampledFrom(books).Draw(rt, "book")
				patron := rapid.SampledFrom(patrons).Draw(rt, "patron")
				before, _ := store.Stock(book)

				c, err := svc.CreateCheckout(ctx, admin, CreateCheckoutInput{BookID: book, PatronID: &patron})
				if before.AvailableQuantity == 0 {
					if !apperr.ErrUnavailable.Is(err) {
						rt.Fatalf("expected unavailable, got %v", err)
					}
					return
				}
				if err != nil {
					rt.Fatalf("checkout: %v", err)
				}
				open = append(open, c.ID)
			},
			"return": func(rt *rapid.T) {
				if len(open) == 0 {
					rt.Skip("no open loans")
				}
				i := rapid.IntRange(0, len(open)-1).Draw(rt, "loan")
				if _, err := svc.ReturnCheckout(ctx, admin, open[i]); err != nil {
					rt.Fatalf("return: %v", err)
				}
				open = append(open[:i], open[i+1:]...)
			},
			"return twice": func(rt *rapid.T) {
				closed, _ := store.ListCheckouts(ctx, Filter{})
				for _, c := range closed {
					if c.IsReturned {
						_, err := svc.ReturnCheckout(ctx, admin, c.ID)
						if !apperr.ErrAlreadyReturned.Is(err) {
							rt.Fatalf("expected already returned, got %v", err)
						}
						return
					}
				}
			},
			"": func(rt *rapid.T) {
				for _, id := range books {
					b, _ := store.Stock(id)
					if b.AvailableQuantity < 0 || b.AvailableQuantity > b.Quantity {
						rt.Fatalf("book %s: available %d outside [0, %d]", id, b.AvailableQuantity, b.Quantity)
					}
					if want := b.Quantity - store.Outstanding(id); b.AvailableQuantity != want {
						rt.Fatalf("book %s: available %d, want %d", id, b.AvailableQuantity, want)
					}
				}
			},
		})
	})
}
