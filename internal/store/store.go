// Package store is the metadata store (§4.1): a single-file SQLite
// database holding the item tree, the processing queue, the download
// queue, the delta cursor, and the account profile. Schema and query
// style follow the teacher's postgres metadata store (migration-file
// loading, explicit row structs, prepared statements, a Store type
// wrapping *sql.DB), ported to SQLite dialect with WAL journaling for
// single-writer/multi-reader concurrency.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/onedrived/onedrived/internal/logging"
	"github.com/onedrived/onedrived/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the highest migration this build knows how to apply.
const schemaVersion = 1

// walJournalSizeLimit caps the WAL file before it is checkpointed back
// into the main database file.
const walJournalSizeLimit = 64 * 1024 * 1024 // 64 MiB

// Store is the SQLite-backed metadata store.
type Store struct {
	db *sql.DB

	cache *ttlCache

	itemStmts       itemStatements
	processingStmts processingStatements
	downloadStmts   downloadStatements
	cursorStmts     cursorStatements
	profileStmts    profileStatements
}

// Open opens (creating if necessary) the database file at path, applies
// pending migrations, and prepares every statement the store uses.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL; readers
	// still see a consistent snapshot per §5's single-writer contract.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, cache: newTTLCache(5 * time.Minute)}
	if err := s.prepareAll(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, for callers that need a raw
// transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	row := db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int) error {
	filename := fmt.Sprintf("migrations/%06d_initial_schema.up.sql", version)
	sqlText, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %d: %w", version, err)
	}

	if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %d: %w", version, err)
	}
	// PRAGMA statements cannot be parameterized.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stamp schema version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}

	logging.Info("applied metadata store migration", logging.Int("version", version))
	return nil
}

func (s *Store) prepareAll(ctx context.Context) error {
	if err := s.prepareItemStmts(ctx); err != nil {
		return err
	}
	if err := s.prepareProcessingStmts(ctx); err != nil {
		return err
	}
	if err := s.prepareDownloadStmts(ctx); err != nil {
		return err
	}
	if err := s.prepareCursorStmts(ctx); err != nil {
		return err
	}
	return s.prepareProfileStmts(ctx)
}

type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}
		*defs[i].dest = stmt
	}
	return nil
}

func recordQuery(name string, start time.Time) {
	metrics.RecordStoreQuery(name, time.Since(start))
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
