package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migration struct {
	version string
	up      string
	down    string
}

// MigrationState reports whether one up migration has been recorded.
type MigrationState struct {
	Version string `json:"version"`
	Applied bool   `json:"applied"`
}

func readMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byNumber := map[string]*migration{}
	for _, entry := range entries {
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		number := match[1]
		item := byNumber[number]
		if item == nil {
			item = &migration{}
			byNumber[number] = item
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			item.version = entry.Name()
			item.up = path
		} else {
			item.down = path
		}
	}
	out := make([]migration, 0, len(byNumber))
	for number, item := range byNumber {
		if item.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", number)
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// ApplyMigrations runs every pending up migration in its own transaction and
// returns the versions applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger zerolog.Logger) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := readMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, item := range migrations {
		if migrated, err := isMigrated(ctx, db, item.version); err != nil {
			return applied, err
		} else if migrated {
			continue
		}
		if err := runMigration(ctx, db, item.up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, item.version)
			return err
		}); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", item.version, err)
		}
		logger.Info().Str("version", item.version).Msg("migration applied")
		applied = append(applied, item.version)
	}
	return applied, nil
}

// RollbackMigration reverts the most recently applied migration, if any.
func RollbackMigration(ctx context.Context, db *sql.DB, migrationsDir string, logger zerolog.Logger) (string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return "", err
	}
	migrations, err := readMigrations(migrationsDir)
	if err != nil {
		return "", err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		item := migrations[i]
		migrated, err := isMigrated(ctx, db, item.version)
		if err != nil {
			return "", err
		}
		if !migrated {
			continue
		}
		if item.down == "" {
			return "", fmt.Errorf("migration %s has no down file", item.version)
		}
		if err := runMigration(ctx, db, item.down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, item.version)
			return err
		}); err != nil {
			return "", fmt.Errorf("revert migration %s: %w", item.version, err)
		}
		logger.Info().Str("version", item.version).Msg("migration reverted")
		return item.version, nil
	}
	return "", nil
}

func MigrationStatus(ctx context.Context, db *sql.DB, migrationsDir string) ([]MigrationState, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := readMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	states := make([]MigrationState, 0, len(migrations))
	for _, item := range migrations {
		migrated, err := isMigrated(ctx, db, item.version)
		if err != nil {
			return nil, err
		}
		states = append(states, MigrationState{Version: item.version, Applied: migrated})
	}
	return states, nil
}

func runMigration(ctx context.Context, db *sql.DB, path string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	statement := strings.TrimSpace(string(contents))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if statement != "" {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute: %w", err)
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
