// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/library-backend/internal/apperr"
	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/circulation"
)

const (
	MetricInconsistencies = "inventory_inconsistencies"
	MetricOversold        = "oversold_copies"
	MetricDoubleReturns   = "duplicate_returns"
)

var operator = &auth.Principal{Username: "chaos", Role: auth.RoleAdmin}

func member(id uuid.UUID) *auth.Principal {
	return &auth.Principal{PatronID: id, Username: "chaos", Role: auth.RoleMember}
}

func integrityMetric(inv Inventory) Metric {
	return Metric{
		Name: MetricInconsistencies,
		Query: func(ctx context.Context) (float64, error) {
			n, err := inv.Inconsistencies(ctx)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// loans tracks the checkouts an experiment opened so rollback can close them.
type loans struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (l *loans) add(id uuid.UUID) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

func (l *loans) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *loans) returnAll(ctx context.Context, svc circulation.Service) error {
	l.mu.Lock()
	ids := l.ids
	l.ids = nil
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		_, err := svc.ReturnCheckout(ctx, operator, id)
		if err != nil && !errors.Is(err, apperr.ErrAlreadyReturned) {
			errs = append(errs, fmt.Errorf("return %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CheckoutRace has every patron of t try to borrow the same book at once.
// Only t.Copies checkouts may succeed and the stock counters must stay
// consistent.
func CheckoutRace(svc circulation.Service, inv Inventory, t Target) Experiment {
	opened := &loans{}
	return Experiment{
		Name:       "concurrent-checkout-race",
		Hypothesis: "Concurrent checkouts of one book never lend more copies than exist",
		SteadyState: []Metric{
			integrityMetric(inv),
			{
				Name: MetricOversold,
				Query: func(context.Context) (float64, error) {
					return float64(opened.count() - t.Copies), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "checkout-ledger",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				errs := make(chan error, len(t.Patrons))
				for _, patron := range t.Patrons {
					wg.Add(1)
					go func(patron uuid.UUID) {
						defer wg.Done()
						c, err := svc.CreateCheckout(ctx, member(patron), circulation.CreateCheckoutInput{BookID: t.BookID})
						switch {
						case err == nil:
							opened.add(c.ID)
						case errors.Is(err, apperr.ErrUnavailable):
						default:
							errs <- err
						}
					}(patron)
				}
				wg.Wait()
				close(errs)

				var all []error
				for err := range errs {
					all = append(all, err)
				}
				return errors.Join(all...)
			},
		}},
		Rollback: []Action{{
			Type:   "return-loans",
			Target: "checkout-ledger",
			Execute: func(ctx context.Context) error {
				return opened.returnAll(ctx, svc)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    MetricInconsistencies,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "stock counters must match the open loans",
			},
			{
				Metric:    MetricOversold,
				Condition: func(v float64) bool { return v <= 0 },
				Message:   "no more loans than copies",
			},
		},
		Duration: 3 * time.Second,
		Interval: time.Second,
	}
}

// ReturnRace opens one loan and then returns it from many goroutines at
// once. Exactly one return may succeed.
func ReturnRace(svc circulation.Service, inv Inventory, t Target, concurrency int) Experiment {
	var mu sync.Mutex
	returned := 0
	opened := &loans{}

	return Experiment{
		Name:       "concurrent-return-race",
		Hypothesis: "A loan is closed exactly once however many returns race",
		SteadyState: []Metric{
			integrityMetric(inv),
			{
				Name: MetricDoubleReturns,
				Query: func(context.Context) (float64, error) {
					mu.Lock()
					defer mu.Unlock()
					return float64(returned - 1), nil
				},
				Threshold: Threshold{Operator: "<=", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "checkout-ledger",
			Execute: func(ctx context.Context) error {
				if len(t.Patrons) == 0 {
					return errors.New("return race needs a patron")
				}
				c, err := svc.CreateCheckout(ctx, member(t.Patrons[0]), circulation.CreateCheckoutInput{BookID: t.BookID})
				if err != nil {
					return fmt.Errorf("open loan: %w", err)
				}
				opened.add(c.ID)

				var wg sync.WaitGroup
				errs := make(chan error, concurrency)
				for i := 0; i < concurrency; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := svc.ReturnCheckout(ctx, member(t.Patrons[0]), c.ID)
						switch {
						case err == nil:
							mu.Lock()
							returned++
							mu.Unlock()
						case errors.Is(err, apperr.ErrAlreadyReturned):
						default:
							errs <- err
						}
					}()
				}
				wg.Wait()
				close(errs)

				var all []error
				for err := range errs {
					all = append(all, err)
				}
				return errors.Join(all...)
			},
		}},
		Rollback: []Action{{
			Type:   "return-loans",
			Target: "checkout-ledger",
			Execute: func(ctx context.Context) error {
				return opened.returnAll(ctx, svc)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    MetricInconsistencies,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "stock counters must match the open loans",
			},
			{
				Metric:    MetricDoubleReturns,
				Condition: func(v float64) bool { return v == 0 },
				Message:   "exactly one return succeeds",
			},
		},
		Duration: 3 * time.Second,
		Interval: time.Second,
	}
}
