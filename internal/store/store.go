// Package store provides the relational backing for users, balances,
// licenses, transactions, and privileged-action logs, persisted in a
// single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store owns the SQLite database shared by the ledger, license, and
// audit views. SQLite works best with a single writer connection, so
// the pool is pinned to one.
type Store struct {
	db     *sql.DB
	dbPath string

	ledger   *Ledger
	licenses *Licenses
	audit    *AuditLog
}

// Open opens (creating if needed) the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "keymint.db")
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
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.ledger = &Ledger{db: db, userLocks: newKeyedMutex()}
	s.licenses = &Licenses{db: db}
	s.audit = &AuditLog{db: db}

	log.Info().Str("path", dbPath).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		total_earned INTEGER NOT NULL DEFAULT 0,
		is_reseller INTEGER NOT NULL DEFAULT 0,
		commission_rate REAL NOT NULL DEFAULT 0,
		reseller_code TEXT UNIQUE,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS licenses (
		license_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		product_id TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		hwid TEXT,
		hwid_limit INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_user ON licenses(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_licenses_expiry ON licenses(is_active, expires_at);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		amount INTEGER NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, id);

	CREATE TABLE IF NOT EXISTS hwid_resets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		reset_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hwid_resets_user ON hwid_resets(user_id, created_at);

	CREATE TABLE IF NOT EXISTS admin_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		admin_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_user TEXT NOT NULL DEFAULT '',
		target_license TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_admin_logs_time ON admin_logs(id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Seed default settings once; existing values win.
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES
		('max_hwid_resets_per_day', '3', ?),
		('bot_status', 'active', ?),
		('maintenance_mode', 'false', ?)`,
		now, now, now)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// Ledger returns the balance/transaction view.
func (s *Store) Ledger() *Ledger { return s.ledger }

// Licenses returns the license view.
func (s *Store) Licenses() *Licenses { return s.licenses }

// Audit returns the privileged-action log view.
func (s *Store) Audit() *AuditLog { return s.audit }

// Setting returns a settings value, or "" when the key is absent.
func (s *Store) Setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
