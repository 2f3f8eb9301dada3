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
)

var migrationFile = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migration struct {
	version string
	up      string
	down    string
}

// loadMigrations pairs the up and down files of migrationsDir by version.
func loadMigrations(migrationsDir string) ([]migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &migration{version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(migrationsDir, entry.Name())
		if match[2] == "up" {
			m.up = path
		} else {
			m.down = path
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// ApplyMigrations runs every up migration not yet recorded in schema_migrations,
// each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.up == "" {
			continue
		}
		version := filepath.Base(m.up)
		if migrated, err := isMigrated(ctx, db, version); err != nil {
			return err
		} else if migrated {
			continue
		}
		contents, err := os.ReadFile(m.up)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
				return fmt.Errorf("record migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RevertMigrations undoes the newest applied migrations, at most steps of them.
// It returns the versions it reverted.
func RevertMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
		m := migrations[i]
		if m.up == "" || m.down == "" {
			continue
		}
		version := filepath.Base(m.up)
		migrated, err := isMigrated(ctx, db, version)
		if err != nil {
			return reverted, err
		}
		if !migrated {
			continue
		}
		contents, err := os.ReadFile(m.down)
		if err != nil {
			return reverted, fmt.Errorf("read migration %s: %w", filepath.Base(m.down), err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if text := strings.TrimSpace(string(contents)); text != "" {
				if _, err := tx.ExecContext(ctx, text); err != nil {
					return fmt.Errorf("revert migration %s: %w", version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
				return fmt.Errorf("unrecord migration %s: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return reverted, err
		}
		reverted = append(reverted, version)
	}
	return reverted, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
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
