// Command migrate applies the embedded result-store migrations.
//
//	migrate up              apply all pending migrations
//	migrate down            roll back the last migration
//	migrate up-to 2         apply up to and including version 2
//	migrate down-to 0       roll back everything
//	migrate status          list migrations and when they were applied
//	migrate version         print the current schema version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func openProvider(ctx context.Context, dsn string) (*goose.Provider, func() error, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	p, err := migrations.NewProvider(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return p, db.Close, nil
}

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the fraudlens result-store schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", "", "PostgreSQL DSN (default $DATABASE_URL)")

	// with opens the provider, runs fn and closes the connection.
	with := func(fn func(cmd *cobra.Command, p *goose.Provider, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			url := dsn
			if url == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				url = cfg.DatabaseURL
			}
			if url == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			p, closeDB, err := openProvider(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer func() { _ = closeDB() }()
			return fn(cmd, p, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, _ []string) error {
				res, err := p.Up(cmd.Context())
				printResults(cmd.OutOrStdout(), res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, _ []string) error {
				res, err := p.Down(cmd.Context())
				if res != nil {
					printResults(cmd.OutOrStdout(), []*goose.MigrationResult{res})
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "up-to VERSION",
			Short: "Apply migrations up to and including VERSION",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p.UpTo(cmd.Context(), v)
				printResults(cmd.OutOrStdout(), res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down-to VERSION",
			Short: "Roll back migrations newer than VERSION",
			Args:  cobra.ExactArgs(1),
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				res, err := p.DownTo(cmd.Context(), v)
				printResults(cmd.OutOrStdout(), res)
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and their state",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, _ []string) error {
				st, err := p.Status(cmd.Context())
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: with(func(cmd *cobra.Command, p *goose.Provider, _ []string) error {
				v, err := p.GetDBVersion(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			}),
		},
	)
	return root
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("version must be a non-negative integer, got %q", s)
	}
	return v, nil
}

func printResults(w io.Writer, res []*goose.MigrationResult) {
	if len(res) == 0 {
		_, _ = fmt.Fprintln(w, "no migrations to run")
		return
	}
	for _, r := range res {
		_, _ = fmt.Fprintln(w, r.String())
	}
}

func printStatus(w io.Writer, st []*goose.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, s := range st {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
	}
	_ = tw.Flush()
}
