package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating credential store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the schema. It is idempotent.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			owner_key  TEXT PRIMARY KEY,
			identity   TEXT NOT NULL DEFAULT '',
			token      TEXT NOT NULL,
			backend    TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_identity ON accounts(identity);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Get returns the account stored for ownerKey.
func (s *SQLiteStore) Get(ctx context.Context, ownerKey string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_key, identity, token, backend, updated_at
		 FROM accounts WHERE owner_key = ?`,
		ownerKey,
	)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("getting account %q: %w", ownerKey, err)
	}
	return a, nil
}

// ByIdentity returns the most recently updated account for identity.
func (s *SQLiteStore) ByIdentity(ctx context.Context, identity string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_key, identity, token, backend, updated_at
		 FROM accounts WHERE identity = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		identity,
	)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("getting account for identity %q: %w", identity, err)
	}
	return a, nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var updatedAt string
	err := row.Scan(&a.OwnerKey, &a.Identity, &a.Token, &a.Backend, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &a, nil
}

// Put creates or replaces the account for acct.OwnerKey. A zero UpdatedAt
// is set to the current time.
func (s *SQLiteStore) Put(ctx context.Context, acct *Account) error {
	updated := acct.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO accounts (owner_key, identity, token, backend, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		acct.OwnerKey,
		acct.Identity,
		acct.Token,
		acct.Backend,
		updated.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting account %q: %w", acct.OwnerKey, err)
	}
	return nil
}

// Delete removes the account for ownerKey. Deleting a missing account is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, ownerKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE owner_key = ?`, ownerKey); err != nil {
		return fmt.Errorf("deleting account %q: %w", ownerKey, err)
	}
	return nil
}

// List returns every account ordered by owner key.
func (s *SQLiteStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_key, identity, token, backend, updated_at
		 FROM accounts ORDER BY owner_key`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var updatedAt string
		if err := rows.Scan(&a.OwnerKey, &a.Identity, &a.Token, &a.Backend, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		a.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
