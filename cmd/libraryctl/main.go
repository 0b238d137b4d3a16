// cmd/libraryctl/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries what the subcommands share. The database is opened on first use.
type app struct {
	envFile string
	cfg     *config.Config
	log     *slog.Logger
	db      *sqlx.DB
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "libraryctl",
		Short:         "Administer the library backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New(logger.Config{
				Writer:      cmd.ErrOrStderr(),
				Format:      cfg.Logger.Format,
				Environment: cfg.App.Environment,
				Level:       cfg.Logger.Level,
			}).With("service", "libraryctl")
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.db != nil {
				return a.db.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		a.migrateCmd(),
		a.createAdminCmd(),
		a.runJobCmd(),
		a.reportsCmd(),
		a.eventsCmd(),
		a.chaosCmd(),
	)
	return root
}

func (a *app) open(ctx context.Context) (*sqlx.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
