// Package admin implements the control plane: service accounts and database
// lifecycle. Accounts live in a SQLite store with bcrypt password hashes.
package admin

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"
)

// Result is the explicit outcome of an admin request.
type Result int

const (
	// SuccessAdmin is returned by every admin operation that completed. The
	// success is explicit rather than a zero value so callers cannot confuse
	// it with an unset protocol tag.
	SuccessAdmin Result = iota + 1
)

// Admin errors.
var (
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLastAccount        = errors.New("cannot drop the last account")
	ErrDatabaseExists     = errors.New("database already exists")
	ErrInvalidName        = errors.New("invalid name")
)

// Database name and account rules mirror the series-name discipline: short,
// printable, no path separators.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const minPasswordLen = 4

// DatabaseInfo describes one registered database.
type DatabaseInfo struct {
	Name          string    `json:"name"`
	Precision     string    `json:"precision"`
	ShardDuration int64     `json:"shard_duration"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager is the SQLite-backed admin store.
type Manager struct {
	db      *sql.DB
	dataDir string
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewManager opens (and if needed initializes) the admin store.
func NewManager(dbPath, dataDir string, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create admin db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open admin db: %w", err)
	}

	m := &Manager{
		db:      db,
		dataDir: dataDir,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		name       TEXT PRIMARY KEY,
		password   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS databases (
		name           TEXT PRIMARY KEY,
		precision      TEXT NOT NULL,
		shard_duration INTEGER NOT NULL,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("init admin schema: %w", err)
	}
	return nil
}

// NewAccount creates a service account.
func (m *Manager) NewAccount(name, password string) (Result, error) {
	if !nameRe.MatchString(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(password) < minPasswordLen {
		return 0, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err = m.db.Exec(`INSERT INTO accounts (name, password) VALUES (?, ?)`, name, string(hash))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("%w: %q", ErrAccountExists, name)
		}
		return 0, fmt.Errorf("insert account: %w", err)
	}

	m.logger.Info().Str("account", name).Msg("Service account created")
	return SuccessAdmin, nil
}

// ChangePassword replaces an account's password.
func (m *Manager) ChangePassword(name, password string) (Result, error) {
	if len(password) < minPasswordLen {
		return 0, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(`UPDATE accounts SET password = ? WHERE name = ?`, string(hash), name)
	if err != nil {
		return 0, fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrAccountNotFound, name)
	}

	m.logger.Info().Str("account", name).Msg("Password changed")
	return SuccessAdmin, nil
}

// DropAccount removes an account, refusing to remove the last one.
func (m *Manager) DropAccount(name string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	if count <= 1 {
		return 0, ErrLastAccount
	}

	res, err := m.db.Exec(`DELETE FROM accounts WHERE name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrAccountNotFound, name)
	}

	m.logger.Info().Str("account", name).Msg("Service account dropped")
	return SuccessAdmin, nil
}

// Authenticate verifies an account's password.
func (m *Manager) Authenticate(name, password string) error {
	var hash string
	err := m.db.QueryRow(`SELECT password FROM accounts WHERE name = ?`, name).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("query account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ListAccounts returns every account name.
func (m *Manager) ListAccounts() ([]string, error) {
	rows, err := m.db.Query(`SELECT name FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// NewDatabase registers a database and creates its data directory.
func (m *Manager) NewDatabase(name, precision string, shardDuration int64) (Result, error) {
	if !nameRe.MatchString(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	switch precision {
	case "s", "ms", "us", "ns":
	default:
		return 0, fmt.Errorf("invalid precision %q (want s, ms, us or ns)", precision)
	}
	if shardDuration <= 0 {
		return 0, fmt.Errorf("shard duration must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(
		`INSERT INTO databases (name, precision, shard_duration) VALUES (?, ?, ?)`,
		name, precision, shardDuration)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("%w: %q", ErrDatabaseExists, name)
		}
		return 0, fmt.Errorf("insert database: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(m.dataDir, name), 0700); err != nil {
		return 0, fmt.Errorf("create database directory: %w", err)
	}

	m.logger.Info().Str("database", name).Str("precision", precision).Msg("Database created")
	return SuccessAdmin, nil
}

// ListDatabases returns every registered database.
func (m *Manager) ListDatabases() ([]DatabaseInfo, error) {
	rows, err := m.db.Query(`SELECT name, precision, shard_duration, created_at FROM databases ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []DatabaseInfo
	for rows.Next() {
		var info DatabaseInfo
		if err := rows.Scan(&info.Name, &info.Precision, &info.ShardDuration, &info.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Close closes the store.
func (m *Manager) Close() error {
	return m.db.Close()
}
