package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the SQLite-backed persistence layer for subscriptions, the
// referral read model, partner records and the distribution claim ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscriptions db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		tier       TEXT NOT NULL,
		status     TEXT NOT NULL,
		start_at   INTEGER NOT NULL,
		end_at     INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active
		ON subscriptions(user_id) WHERE status = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS referrals (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL,
		level       INTEGER NOT NULL DEFAULT 1,
		archived    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_live_referred
		ON referrals(referred_id) WHERE archived = 0 AND level = 1;

	CREATE TABLE IF NOT EXISTS partners (
		user_id    TEXT PRIMARY KEY,
		pack       TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commission_claims (
		source_event_id TEXT PRIMARY KEY,
		buyer_user_id   TEXT NOT NULL,
		tier            TEXT NOT NULL,
		is_upgrade      INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		outcome         TEXT NOT NULL DEFAULT '',
		planned         INTEGER NOT NULL DEFAULT 0,
		succeeded       INTEGER NOT NULL DEFAULT 0,
		failed          INTEGER NOT NULL DEFAULT 0,
		paid_total      TEXT NOT NULL DEFAULT '0',
		created_at      INTEGER NOT NULL,
		completed_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_commission_claims_buyer ON commission_claims(buyer_user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init subscriptions schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used by /readyz).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
