package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationLock is the advisory lock key held while migrating, so API
// instances starting together apply each file once.
const migrationLock int64 = 0x6865_6972_6c6f_6f6d

// ErrMigrationChanged means an applied migration file was edited afterwards.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migrations returns the migrations in dir, or the set compiled into the
// binary when dir is empty.
func Migrations(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// ApplyMigrations runs every NNNN_name.up.sql not yet recorded in
// schema_migrations, each in its own transaction under an advisory lock. It
// returns the versions applied by this call.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrations fs.FS) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	names, err := migrationFiles(migrations, ".up.sql")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, name := range names {
		contents, err := fs.ReadFile(migrations, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(contents)

		var ran bool
		err = withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			var recorded string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, name).Scan(&recorded)
			switch {
			case err == nil:
				if recorded != sum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, name)
				}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("check migration %s: %w", name, err)
			}

			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES($1, $2)`, name, sum); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

// migrationFiles lists the root of fsys for names ending in suffix, in
// version order.
func migrationFiles(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, path.Base(entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

func checksum(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`)
		if err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		return nil
	})
}
