// Package sqlite implements the PDS and Gateway repository interfaces using SQLite.
//
// WHY SQLITE?
// Each PDS and Gateway node owns its own data and never shares a database with
// another process, so an embedded database fits: no separate server to run, and
// tests use ":memory:" for a fresh database per test.
//
// modernc.org/sqlite is a pure Go translation of SQLite: no CGo, no C compiler.
//
// TIME COLUMNS:
// All instants are stored as INTEGER Unix microseconds. Cursors compare them
// numerically, which DATETIME strings would not do reliably.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and implements every sqlite-backed repository.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/pds.db"  → file-based database (persistent)
//   - ":memory:"     → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every new connection to ":memory:" gets its own empty database,
	// so the pool must never open a second one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates every table. CREATE ... IF NOT EXISTS keeps it safe to rerun.
// Both the PDS and the Gateway run the full schema; each only touches its own tables.
func (db *DB) migrate() error {
	// PDS: accounts and repository records
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			did            TEXT PRIMARY KEY,
			handle         TEXT NOT NULL UNIQUE,
			email          TEXT NOT NULL DEFAULT '',
			password_hash  TEXT NOT NULL DEFAULT '',
			wallet_address TEXT NOT NULL DEFAULT '',
			migrated_to    TEXT NOT NULL DEFAULT '',
			home_pds       TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_wallet ON accounts(wallet_address);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	// records keeps its implicit rowid: it is the replication sequence cursor.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			uri        TEXT PRIMARY KEY,
			repo       TEXT NOT NULL,
			collection TEXT NOT NULL,
			rkey       TEXT NOT NULL,
			cid        TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_repo_collection ON records(repo, collection, created_at);
		CREATE INDEX IF NOT EXISTS idx_records_reply_parent ON records(json_extract(data, '$.reply.parent.hash'));
	`)
	if err != nil {
		return fmt.Errorf("creating records table: %w", err)
	}

	// Gateway: profiles, social graph, votes and the local post copy
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			did          TEXT PRIMARY KEY,
			username     TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			bio          TEXT NOT NULL DEFAULT '',
			avatar_ref   TEXT NOT NULL DEFAULT '',
			banner_ref   TEXT NOT NULL DEFAULT '',
			verified     INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS follows (
			follower_did  TEXT NOT NULL,
			following_did TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			ts            INTEGER NOT NULL,
			PRIMARY KEY (follower_did, following_did)
		);
		CREATE INDEX IF NOT EXISTS idx_follows_following ON follows(following_did, ts);

		CREATE TABLE IF NOT EXISTS reactions (
			did         TEXT NOT NULL,
			target_hash TEXT NOT NULL,
			type        TEXT NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1,
			ts          INTEGER NOT NULL,
			PRIMARY KEY (did, target_hash, type)
		);
		CREATE INDEX IF NOT EXISTS idx_reactions_target ON reactions(target_hash);

		CREATE TABLE IF NOT EXISTS votes (
			did         TEXT NOT NULL,
			target_hash TEXT NOT NULL,
			target_type TEXT NOT NULL,
			vote_type   TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			PRIMARY KEY (did, target_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_votes_target ON votes(target_hash);

		CREATE TABLE IF NOT EXISTS posts (
			hash             TEXT PRIMARY KEY,
			did              TEXT NOT NULL,
			text             TEXT NOT NULL,
			parent_hash      TEXT NOT NULL DEFAULT '',
			root_parent_hash TEXT NOT NULL DEFAULT '',
			mentions         TEXT NOT NULL DEFAULT '[]',
			embeds           TEXT NOT NULL DEFAULT '[]',
			timestamp        INTEGER NOT NULL,
			deleted          INTEGER NOT NULL DEFAULT 0,
			source           TEXT NOT NULL DEFAULT 'local'
		);
		CREATE INDEX IF NOT EXISTS idx_posts_did_ts ON posts(did, timestamp);
		CREATE INDEX IF NOT EXISTS idx_posts_ts ON posts(timestamp);
		CREATE INDEX IF NOT EXISTS idx_posts_parent ON posts(parent_hash);
	`)
	if err != nil {
		return fmt.Errorf("creating gateway tables: %w", err)
	}

	return nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" with n entries and the args as []any.
func placeholders(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
