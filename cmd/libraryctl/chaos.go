// cmd/libraryctl/chaos.go
package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jules-labs/library-backend/internal/chaos"
	"github.com/jules-labs/library-backend/internal/circulation"
	"github.com/jules-labs/library-backend/internal/eventstore"
)

var errHypothesis = errors.New("hypothesis violated")

type chaosOptions struct {
	dryRun      bool
	copies      int
	patrons     int
	concurrency int
	duration    time.Duration
	keep        bool
}

func (a *app) chaosCmd() *cobra.Command {
	opts := &chaosOptions{}
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run consistency experiments against the checkout ledger",
	}
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "run against an in-memory ledger instead of the database")
	cmd.PersistentFlags().IntVar(&opts.copies, "copies", 3, "copies of the seeded book")
	cmd.PersistentFlags().DurationVar(&opts.duration, "observe", 3*time.Second, "how long to keep sampling after the injection")
	cmd.PersistentFlags().BoolVar(&opts.keep, "keep", false, "leave the seeded rows in the database")

	race := &cobra.Command{
		Use:   "checkout-race",
		Short: "Many patrons borrow the same book at once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExperiment(cmd, opts, opts.patrons, func(svc circulation.Service, inv chaos.Inventory, t chaos.Target) chaos.Experiment {
				return chaos.CheckoutRace(svc, inv, t)
			})
		},
	}
	race.Flags().IntVar(&opts.patrons, "patrons", 20, "patrons racing for the book")

	returns := &cobra.Command{
		Use:   "return-race",
		Short: "One loan is returned from many goroutines at once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExperiment(cmd, opts, 1, func(svc circulation.Service, inv chaos.Inventory, t chaos.Target) chaos.Experiment {
				return chaos.ReturnRace(svc, inv, t, opts.concurrency)
			})
		},
	}
	returns.Flags().IntVar(&opts.concurrency, "concurrency", 10, "simultaneous return attempts")

	cmd.AddCommand(race, returns)
	return cmd
}

type experimentFunc func(circulation.Service, chaos.Inventory, chaos.Target) chaos.Experiment

func (a *app) runExperiment(cmd *cobra.Command, opts *chaosOptions, patrons int, build experimentFunc) error {
	ctx := cmd.Context()

	var (
		store   circulation.Store
		inv     chaos.Inventory
		fixture chaos.Fixture
	)
	if opts.dryRun {
		mem := circulation.NewMemoryStore()
		fx := chaos.NewMemoryFixture(mem)
		store, inv, fixture = mem, fx, fx
	} else {
		db, err := a.open(ctx)
		if err != nil {
			return err
		}
		store = circulation.NewPostgresStore(db, eventstore.New(db))
		inv = chaos.NewPostgresInventory(db)
		fixture = chaos.NewPostgresFixture(db)
	}

	target, err := fixture.Seed(ctx, opts.copies, patrons)
	if err != nil {
		return err
	}
	a.log.Info("fixture seeded", "book_id", target.BookID, "copies", target.Copies, "patrons", len(target.Patrons))
	if !opts.keep {
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fixture.Cleanup(cleanupCtx, target); err != nil {
				a.log.Warn("fixture cleanup failed", "book_id", target.BookID, "error", err)
			}
		}()
	}

	svc := circulation.NewService(store, a.cfg.Ledger, a.log.With("component", "circulation"))
	exp := build(svc, inv, target)
	exp.Duration = opts.duration

	res, err := chaos.NewEngine(a.log).Run(ctx, exp)
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !res.HypothesisHeld {
		return errHypothesis
	}
	return nil
}
