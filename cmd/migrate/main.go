package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lgulliver/masterbase/pkg/config"
	"github.com/lgulliver/masterbase/pkg/migrate"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Globals are shared by every subcommand
type Globals struct {
	Config     *config.Config
	Migrations fs.FS
	Timeout    time.Duration
}

// UpCmd applies pending migrations
type UpCmd struct{}

func (u *UpCmd) Run(ctx context.Context, globals *Globals) error {
	return withMigrator(ctx, globals, func(ctx context.Context, m *migrate.Migrator) error {
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("applied", n).Msg("migrations completed")
		return nil
	})
}

// DownCmd rolls back the last applied migration
type DownCmd struct{}

func (d *DownCmd) Run(ctx context.Context, globals *Globals) error {
	return withMigrator(ctx, globals, func(ctx context.Context, m *migrate.Migrator) error {
		_, err := m.Down(ctx)
		return err
	})
}

// StatusCmd prints every migration and when it was applied
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	return withMigrator(ctx, globals, func(ctx context.Context, m *migrate.Migrator) error {
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, st := range statuses {
			applied := "pending"
			if st.AppliedAt != nil {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%03d\t%s\t%s\n", st.Version, st.Name, applied)
		}
		return w.Flush()
	})
}

var cli struct {
	Up      UpCmd         `cmd:"" help:"Apply pending migrations"`
	Down    DownCmd       `cmd:"" help:"Roll back the last migration"`
	Status  StatusCmd     `cmd:"" help:"Show migration status"`
	Timeout time.Duration `help:"Time limit for the whole run" default:"1m"`
}

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded migrations")
	}

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("migrate"),
		kong.Description("Manage the masterbase database schema."),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err = cmd.Run(&Globals{Config: cfg, Migrations: migrations, Timeout: cli.Timeout})
	cmd.FatalIfErrorf(err)
}

func withMigrator(ctx context.Context, globals *Globals, fn func(context.Context, *migrate.Migrator) error) error {
	ctx, cancel := context.WithTimeout(ctx, globals.Timeout)
	defer cancel()

	m, err := migrate.Open(ctx, &globals.Config.Database, globals.Migrations)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}
