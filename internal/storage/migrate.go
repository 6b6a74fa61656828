package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/better-wallet/permit-signer/internal/logger"
)

// Migration is one versioned SQL file
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// LoadMigrations reads "<version>.up.sql" or "<version>.down.sql" files from
// fsys. Up migrations sort ascending, down migrations descending.
func LoadMigrations(fsys fs.FS, direction string) ([]Migration, error) {
	suffix, err := migrationSuffix(direction)
	if err != nil {
		return nil, err
	}

	names, err := fs.Glob(fsys, "*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}

	sort.Strings(names)
	if direction == "down" {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(name, suffix),
			Name:    name,
			SQL:     string(content),
		})
	}
	return migrations, nil
}

// Pending filters migrations against the applied set. steps <= 0 means all.
func Pending(migrations []Migration, applied map[string]bool, direction string, steps int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if (direction == "up") == applied[m.Version] {
			continue
		}
		if steps > 0 && len(out) >= steps {
			break
		}
		out = append(out, m)
	}
	return out
}

// Migrate applies pending migrations, each in its own transaction, and
// returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, direction string, steps int) (int, error) {
	migrations, err := LoadMigrations(fsys, direction)
	if err != nil {
		return 0, err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range Pending(migrations, applied, direction, steps) {
		logger.Info(ctx, "running migration", "name", m.Name)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return count, fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}

		if direction == "up" {
			_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version)
		} else {
			_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("failed to update migrations table: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func migrationSuffix(direction string) (string, error) {
	switch direction {
	case "up":
		return ".up.sql", nil
	case "down":
		return ".down.sql", nil
	default:
		return "", fmt.Errorf("direction must be 'up' or 'down', got: %s", direction)
	}
}
