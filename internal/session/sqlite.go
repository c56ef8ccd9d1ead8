// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: A single-row table holds the session; a second single-row table holds the lease

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and creates if needed) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session (
			slot        INTEGER PRIMARY KEY CHECK (slot = 1),
			account_id  TEXT NOT NULL,
			credential  BLOB NOT NULL,
			paired_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS instance_lease (
			slot        INTEGER PRIMARY KEY CHECK (slot = 1),
			owner       TEXT NOT NULL,
			expires_at  INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*Session, error) {
	var (
		sess     Session
		pairedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, credential, paired_at FROM session WHERE slot = 1`,
	).Scan(&sess.AccountID, &sess.Credential, &pairedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess.PairedAt = time.UnixMilli(pairedAt)
	return &sess, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if err := validate(sess); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session (slot, account_id, credential, paired_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			account_id = excluded.account_id,
			credential = excluded.credential,
			paired_at  = excluded.paired_at
	`, sess.AccountID, sess.Credential, sess.PairedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.logger.Info("session saved", "account_id", sess.AccountID)
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE slot = 1`); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Acquire implements Store. The upsert only overwrites a row that belongs to
// the same owner or has expired, so zero affected rows means someone else
// holds a live lease.
func (s *SQLiteStore) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_lease (slot, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			owner      = excluded.owner,
			expires_at = excluded.expires_at
		WHERE instance_lease.owner = excluded.owner OR instance_lease.expires_at <= ?
	`, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instance_lease WHERE slot = 1 AND owner = ?`, owner); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
