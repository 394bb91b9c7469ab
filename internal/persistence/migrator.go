package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockID serializes migrators across processes sharing a database.
const migrationLockID = 0x434c524e47 // "CLRNG"

// Migration is one versioned schema change read from disk. Files follow the
// golang-migrate naming: {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string // Empty when the migration cannot be rolled back
}

// MigrationStatus pairs a migration with the time it was applied.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
}

// Migrator applies the migrations in a directory to Postgres.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	log           zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, log: log}
}

// Up applies every pending migration in version order, each in its own
// transaction.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if _, ok := applied[mig.Version]; ok {
				continue
			}
			m.log.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applying migration")
			err := m.exec(ctx, conn, mig.UpFile, `INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.Version, mig.UpFile)
			if err != nil {
				return fmt.Errorf("migration %s: %w", mig.UpFile, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}
	byVersion := make(map[string]Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		mig, ok := byVersion[version]
		if !ok || mig.DownFile == "" {
			return fmt.Errorf("migration %s has no down file in %s", version, m.migrationsDir)
		}
		if err := m.exec(ctx, conn, mig.DownFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return fmt.Errorf("migration %s: %w", mig.DownFile, err)
		}
		m.log.Info().Str("version", version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every migration on disk with its applied time, if any.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if ts, ok := applied[mig.Version]; ok {
			st.AppliedAt = &ts
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// exec runs a migration file and its bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) load() ([]Migration, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return parseMigrations(names)
}

// parseMigrations pairs up and down files by version and sorts them.
// Other files are ignored.
func parseMigrations(filenames []string) ([]Migration, error) {
	byVersion := make(map[string]*Migration)
	for _, f := range filenames {
		var up bool
		var stem string
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			up, stem = true, strings.TrimSuffix(f, ".up.sql")
		case strings.HasSuffix(f, ".down.sql"):
			stem = strings.TrimSuffix(f, ".down.sql")
		default:
			continue
		}
		version, name, ok := strings.Cut(stem, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}", f)
		}

		mig, seen := byVersion[version]
		if !seen {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		} else if mig.Name != name {
			return nil, fmt.Errorf("migration version %s used by %s and %s", version, mig.Name, name)
		}
		if up {
			mig.UpFile = f
		} else {
			mig.DownFile = f
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpFile == "" {
			return nil, fmt.Errorf("migration %s_%s has no up file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedAt(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var ts time.Time
		if err := rows.Scan(&v, &ts); err != nil {
			return nil, err
		}
		applied[v] = ts
	}
	return applied, rows.Err()
}
