// Package migrate applies the versioned SQL files that define the relay schema.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/masterbase/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// files are named like 001_initial_schema.sql
var filenamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one versioned schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Status reports whether a migration has been applied
type Status struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

// Migrator applies migrations from a filesystem to a database
type Migrator struct {
	db  *sql.DB
	dir fs.FS
}

// Open connects to the configured PostgreSQL database
func Open(ctx context.Context, cfg *config.DatabaseConfig, migrations fs.FS) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, migrations), nil
}

// New creates a migrator over an open database. migrations holds the .sql
// files at its root.
func New(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{db: db, dir: migrations}
}

// Load reads and orders every migration file. Duplicate versions are an error.
func Load(migrations fs.FS) ([]*Migration, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	seen := make(map[int]string)
	var result []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		m, err := parseFile(migrations, entry.Name())
		if err != nil {
			return nil, err
		}
		if other, ok := seen[m.Version]; ok {
			return nil, fmt.Errorf("migration version %d used by both %s and %s", m.Version, other, entry.Name())
		}
		seen[m.Version] = entry.Name()
		result = append(result, m)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}

func parseFile(migrations fs.FS, filename string) (*Migration, error) {
	match := filenamePattern.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}
	version, err := strconv.Atoi(match[1])
	if err != nil {
		return nil, fmt.Errorf("invalid migration version in %s: %w", filename, err)
	}

	content, err := fs.ReadFile(migrations, path.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	up, down, err := split(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	return &Migration{Version: version, Name: match[2], UpSQL: up, DownSQL: down}, nil
}

// split separates the up and down sections. The up section is required.
func split(content string) (string, string, error) {
	var up, down []string
	var current *[]string

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			current = &up
			continue
		case downMarker:
			current = &down
			continue
		}
		if current != nil {
			*current = append(*current, line)
		}
	}

	upSQL := strings.TrimSpace(strings.Join(up, "\n"))
	if upSQL == "" {
		return "", "", fmt.Errorf("missing %q section", upMarker)
	}
	return upSQL, strings.TrimSpace(strings.Join(down, "\n")), nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Up applies every pending migration in version order and returns how many ran
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		log.Info().Msg("schema is up to date")
		return 0, nil
	}

	for i, migration := range pending {
		err := m.inTx(ctx, migration.UpSQL,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", migration.Version, migration.Name)
		if err != nil {
			return i, fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("applied migration")
	}
	return len(pending), nil
}

// Down rolls back the most recently applied migration. It reports false
// when nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return false, err
	}

	var last *Status
	for i := range statuses {
		if statuses[i].AppliedAt != nil {
			last = &statuses[i]
		}
	}
	if last == nil {
		log.Info().Msg("no migrations to roll back")
		return false, nil
	}

	migrations, err := Load(m.dir)
	if err != nil {
		return false, err
	}
	for _, migration := range migrations {
		if migration.Version != last.Version {
			continue
		}
		if migration.DownSQL == "" {
			return false, fmt.Errorf("migration %d (%s) has no down section", migration.Version, migration.Name)
		}
		err := m.inTx(ctx, migration.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", migration.Version)
		if err != nil {
			return false, fmt.Errorf("rollback of %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("rolled back migration")
		return true, nil
	}
	return false, fmt.Errorf("migration file for applied version %d not found", last.Version)
}

// Status lists every known migration with its applied time
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := Load(m.dir)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(migrations))
	for _, migration := range migrations {
		s := Status{Version: migration.Version, Name: migration.Name}
		if at, ok := applied[migration.Version]; ok {
			s.AppliedAt = &at
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func (m *Migrator) pending(ctx context.Context) ([]*Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := Load(m.dir)
	if err != nil {
		return nil, err
	}

	var pending []*Migration
	for _, migration := range migrations {
		if _, ok := applied[migration.Version]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// inTx runs a schema change and its bookkeeping statement atomically
func (m *Migrator) inTx(ctx context.Context, change, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, change); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}
