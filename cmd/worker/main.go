// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/logger"
	"github.com/jules-labs/library-backend/internal/notify"
	"github.com/jules-labs/library-backend/internal/reporting"
	"github.com/jules-labs/library-backend/internal/scheduler"
	"github.com/jules-labs/library-backend/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Format:      cfg.Logger.Format,
		Environment: cfg.App.Environment,
		Level:       cfg.Logger.Level,
	}).With("service", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg, "library-worker", log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	schedules, err := scheduler.FromConfig(cfg.Jobs)
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	renderer, err := notify.NewRenderer()
	if err != nil {
		return err
	}
	reporter := reporting.NewReporter(
		reporting.NewPostgresOpener(db),
		notify.New(cfg.SMTP, log),
		renderer,
		cfg.Jobs,
		log,
	)

	// The reporter applies its own per-job timeout.
	runner := scheduler.NewRunner(0, log)
	job := func(name string) scheduler.Job {
		return func(ctx context.Context) error {
			_, err := reporter.Run(ctx, name)
			return err
		}
	}
	runner.Add(reporting.JobOverdueNotices, schedules.Overdue, job(reporting.JobOverdueNotices))
	runner.Add(reporting.JobDueSoonNotices, schedules.DueSoon, job(reporting.JobDueSoonNotices))
	runner.Add(reporting.JobWeeklyReport, schedules.Weekly, job(reporting.JobWeeklyReport))
	runner.Add(reporting.JobMonthlyAnalytics, schedules.Monthly, job(reporting.JobMonthlyAnalytics))

	for name, next := range runner.NextRuns() {
		log.Info("job registered", "job", name, "next_run", next)
	}

	runner.Run(ctx)
	log.Info("worker stopped")
	return nil
}
