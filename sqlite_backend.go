package clinicsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
) WITHOUT ROWID;
`

const kvSchemaVersion = 1

// SQLiteBackend persists collections in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path. A positive
// quota caps the file size via max_page_count; writes past it fail with
// ErrQuotaExceeded.
func OpenSQLite(path string, quota int64) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, quota); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func applyPragmas(db *sql.DB, quota int64) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if quota <= 0 {
		return nil
	}
	var pageSize int64
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return fmt.Errorf("get page_size: %w", err)
	}
	pages := quota / pageSize
	if pages < 2 {
		pages = 2
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("set max_page_count: %w", err)
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(kvSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < kvSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", kvSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE collection = ? AND key = ?`, collection, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return v, nil
}

func (s *SQLiteBackend) List(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM kv ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Apply(ctx context.Context, batch []Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, m := range batch {
		if m.Delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND key = ?`, m.Collection, m.Key)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				m.Collection, m.Key, m.Value, now)
		}
		if err != nil {
			return mapSQLiteError(fmt.Errorf("write %s/%s: %w", m.Collection, m.Key, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLiteBackend) DropCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ?`, collection); err != nil {
		return mapSQLiteError(fmt.Errorf("drop %s: %w", collection, err))
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// mapSQLiteError turns SQLITE_FULL into ErrQuotaExceeded, keeping the cause.
func mapSQLiteError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
