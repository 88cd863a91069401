package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added size column backfill on objects
const currentSchemaVersion = 1

// SQLite is the durable ContentStore and RecordStore.
type SQLite struct {
	db *sql.DB
}

var (
	_ ContentStore = (*SQLite)(nil)
	_ RecordStore  = (*SQLite)(nil)
	_ ContentStore = (*Memory)(nil)
	_ RecordStore  = (*Memory)(nil)
)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fault.Storage(false, "open database %s", path).Wrap(err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fault.Storage(true, "connect to database %s", path).Wrap(err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fault.Storage(false, "apply pragmas").Wrap(err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fault.Storage(false, "apply schema").WithCode("MIGRATION_FAILED").Wrap(err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 backfills object sizes written before the column was populated.
func migrateToV1(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE objects SET size = length(data) WHERE size = 0`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// Put implements ContentStore. The insert and the conflict check share a
// transaction so concurrent writers of one id observe a single winner.
func (s *SQLite) Put(ctx context.Context, id ir.ContentID, data []byte) error {
	if err := checkID(id, data); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Storage(true, "write object: begin tx").Wrap(err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO objects (id, data, size)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.String(), data, len(data))
	if err != nil {
		return fault.Storage(true, "write object %s", id.Short()).Wrap(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fault.Storage(true, "write object: rows affected").Wrap(err)
	}
	if affected == 0 {
		var existing []byte
		if err := tx.QueryRowContext(ctx, `SELECT data FROM objects WHERE id = ?`, id.String()).Scan(&existing); err != nil {
			return fault.Storage(true, "write object: read existing").Wrap(err)
		}
		if !bytes.Equal(existing, data) {
			return conflict(id)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Storage(true, "write object: commit").Wrap(err)
	}
	return nil
}

// Get implements ContentStore.
func (s *SQLite) Get(ctx context.Context, id ir.ContentID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fault.Storage(true, "read object %s", id.Short()).Wrap(err)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Has implements ContentStore.
func (s *SQLite) Has(ctx context.Context, id ir.ContentID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, fault.Storage(true, "check object %s", id.Short()).Wrap(err)
	}
	return n > 0, nil
}

// ObjectCount returns the number of stored objects and their total size.
func (s *SQLite) ObjectCount(ctx context.Context) (count int64, size int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fault.Storage(true, "count objects").Wrap(err)
	}
	return count, size, nil
}
