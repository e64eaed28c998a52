package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding all durable crypto state: the
// account pickle, pairwise sessions, inbound group sessions, the device
// directory and per-user tracking metadata. Writes are synchronous;
// SQLite serialises them per connection, so readers observe the last
// committed value.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS olm_session (
	peer_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	last_received INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (peer_key, session_id)
);
CREATE TABLE IF NOT EXISTS inbound_group_session (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	room_id TEXT NOT NULL,
	keys_claimed TEXT NOT NULL DEFAULT '{}',
	forwarding_chains TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve25519_key TEXT NOT NULL,
	ed25519_key TEXT NOT NULL,
	algorithms TEXT NOT NULL DEFAULT '[]',
	signatures TEXT NOT NULL DEFAULT '{}',
	display_name TEXT NOT NULL DEFAULT '',
	verification INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS device_tracking (
	user_id TEXT PRIMARY KEY,
	outdated INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS room_algorithm (
	room_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL
);
`

// DefaultDataDir returns the default data directory for crypto databases.
// Uses $XDG_DATA_HOME/matrix-go, falling back to ~/.local/share/matrix-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "matrix-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/matrix-go/crypto.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "crypto.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode keeps concurrent decryption reads off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
