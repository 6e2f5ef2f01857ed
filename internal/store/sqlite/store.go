package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"marketpulse/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Storage keys. They match the layout a browser client keeps, so a token
// record exported from one can be imported verbatim.
const (
	KeyTokens = "upstox_tokens"
	KeyState  = "oauth_state"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/marketpulse.db"
}

// Store is a durable model.SessionStore on a single key/value table.
// Every write is one statement, so a record is never half written.
type Store struct {
	db *sql.DB
}

var _ model.SessionStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open creates the database file if needed, enables WAL mode and the schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT    PRIMARY KEY,
			value      TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Save replaces the stored token record.
func (s *Store) Save(ctx context.Context, rec model.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := s.put(ctx, KeyTokens, string(data)); err != nil {
		return fmt.Errorf("sqlite save tokens: %w", err)
	}
	return nil
}

// Load returns the stored token record, or nil when none is stored.
// An undecodable record is treated as absent and removed.
func (s *Store) Load(ctx context.Context) (*model.TokenRecord, error) {
	v, ok, err := s.get(ctx, KeyTokens)
	if err != nil {
		return nil, fmt.Errorf("sqlite load tokens: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec model.TokenRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		log.Printf("[sqlite] discarding corrupt token record: %v", err)
		if _, derr := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, KeyTokens); derr != nil {
			log.Printf("[sqlite] delete corrupt record: %v", derr)
		}
		return nil, nil
	}
	return &rec, nil
}

// Clear removes the token record and the pending state nonce.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (?, ?)`, KeyTokens, KeyState)
	if err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// SaveState stores the OAuth state nonce.
func (s *Store) SaveState(ctx context.Context, state string) error {
	if err := s.put(ctx, KeyState, state); err != nil {
		return fmt.Errorf("sqlite save state: %w", err)
	}
	return nil
}

// TakeState returns and deletes the state nonce in one transaction.
func (s *Store) TakeState(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	var v string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, KeyState).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return "", nil
	}
	if err != nil {
		tx.Rollback()
		return "", fmt.Errorf("sqlite take state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, KeyState); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("sqlite take state: %w", err)
	}
	return v, tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
