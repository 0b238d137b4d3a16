// cmd/libraryctl/commands.go
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/membership"
	"github.com/jules-labs/library-backend/internal/notify"
	"github.com/jules-labs/library-backend/internal/reporting"
	"github.com/jules-labs/library-backend/internal/validation"
)

const pollInterval = time.Second

// operator acts for the command line, outside any patron account.
var operator = &auth.Principal{Username: "libraryctl", Role: auth.RoleAdmin}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func (a *app) createAdminCmd() *cobra.Command {
	var in membership.RegisterInput
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active administrator account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			in.Password = password

			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			members := membership.NewService(db, eventstore.New(db), validation.New(), a.cfg.Auth)
			patron, err := members.CreateUser(cmd.Context(), operator, membership.CreateUserInput{
				RegisterInput: in,
				IsSuperuser:   true,
			})
			if err != nil {
				return err
			}
			a.log.Info("administrator created", "patron_id", patron.ID, "username", patron.Username)
			return printJSON(cmd.OutOrStdout(), patron)
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "login name")
	cmd.Flags().StringVar(&in.Email, "email", "", "contact address")
	cmd.Flags().StringVar(&in.Name, "name", "Administrator", "display name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin instead of prompting")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// readPassword prompts twice on a terminal. With fromStdin, or when stdin is
// not a terminal, the first line of stdin is used.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	f, isFile := in.(*os.File)
	if fromStdin || !isFile || !term.IsTerminal(int(f.Fd())) {
		return firstLine(in)
	}

	out := cmd.ErrOrStderr()
	fmt.Fprint(out, "Password: ")
	first, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	fmt.Fprint(out, "Repeat password: ")
	second, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func firstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func (a *app) reporter(cmd *cobra.Command) (*reporting.Reporter, error) {
	db, err := a.open(cmd.Context())
	if err != nil {
		return nil, err
	}
	renderer, err := notify.NewRenderer()
	if err != nil {
		return nil, err
	}
	return reporting.NewReporter(reporting.NewPostgresOpener(db), notify.New(a.cfg.SMTP, a.log), renderer, a.cfg.Jobs, a.log), nil
}

func (a *app) runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run-job <" + strings.Join(reporting.Names(), "|") + ">",
		Short:     "Run one scheduled job now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: reporting.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.reporter(cmd)
			if err != nil {
				return err
			}
			res, err := rep.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func (a *app) reportsCmd() *cobra.Command {
	reports := &cobra.Command{
		Use:   "reports",
		Short: "Inspect generated report workbooks",
	}
	reports.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List report files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Listing only reads the reports directory.
			files, err := reporting.NewReporter(nil, nil, nil, a.cfg.Jobs, a.log).ListReports()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	})
	return reports
}

func (a *app) eventsCmd() *cobra.Command {
	var from int64
	var batch int
	var follow bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the ledger event log as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batch <= 0 {
				return fmt.Errorf("--batch must be positive, got %d", batch)
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			es := eventstore.New(db)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				events, err := es.Stream(cmd.Context(), from, batch)
				if err != nil {
					return err
				}
				for _, e := range events {
					if err := enc.Encode(e); err != nil {
						return err
					}
					from = e.ID
				}
				if len(events) < batch && !follow {
					return nil
				}
				if len(events) == 0 {
					select {
					case <-cmd.Context().Done():
						return nil
					case <-time.After(pollInterval):
					}
				}
			}
		},
	}
	cmd.Flags().Int64Var(&from, "after", 0, "only events with a larger id")
	cmd.Flags().IntVar(&batch, "batch", 500, "events fetched per query")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}
