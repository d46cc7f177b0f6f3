package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"clinigate.org/internal/config"
	"clinigate.org/internal/migrate"
	"clinigate.org/internal/store/pg"
)

type options struct {
	dsn            string
	migrationsPath string
	seedsPath      string
	timeout        time.Duration
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the clinigate database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultDSN := ""
	if cfg, err := config.Load(); err == nil {
		defaultDSN = cfg.DatabaseURL
	}
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", defaultDSN, "PostgreSQL DSN (defaults to DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.migrationsPath, "migrations", "", "directory overriding the embedded migrations")
	root.PersistentFlags().StringVar(&opts.seedsPath, "seeds", "", "directory overriding the embedded seeds")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		command("up", "Apply pending migrations", opts, func(ctx context.Context, m *migrate.Manager) error {
			return m.Up(ctx)
		}),
		command("down", "Roll back the most recent migration", opts, func(ctx context.Context, m *migrate.Manager) error {
			return m.Down(ctx)
		}),
		command("seed", "Apply seed data", opts, func(ctx context.Context, m *migrate.Manager) error {
			return m.Seed(ctx)
		}),
		command("status", "List applied migrations", opts, func(ctx context.Context, m *migrate.Manager) error {
			history, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, item := range history {
				fmt.Println(item)
			}
			return nil
		}),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func command(use, short string, opts *options, fn func(context.Context, *migrate.Manager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.dsn == "" {
				return fmt.Errorf("missing DSN: provide via --dsn or DATABASE_URL")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			store, err := pg.Open(opts.dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()

			m := migrate.NewManager(store.DB(), source(opts.migrationsPath, migrate.Migrations()), source(opts.seedsPath, migrate.Seeds()))
			if err := fn(ctx, m); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
}

func source(dir string, fallback fs.FS) fs.FS {
	if dir == "" {
		return fallback
	}
	return os.DirFS(dir)
}
