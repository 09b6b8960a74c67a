// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "relayer.db"

// Storage is the relayer's durable store: the append-only order ledger and
// the execution journal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if needed) the database under cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- Order ledger. Rows are never updated or deleted; the primary key makes
	-- the duplicate check and the insert a single statement.
	CREATE TABLE IF NOT EXISTS orders (
		order_hash TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		signature TEXT,
		extension TEXT,
		src_chain_id INTEGER NOT NULL DEFAULT 0,
		dst_chain_id INTEGER NOT NULL DEFAULT 0,
		hash_lock TEXT,
		origin TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

	-- Latest known state of each execution, one row per order hash.
	CREATE TABLE IF NOT EXISTS executions (
		order_hash TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		assigned_resolver TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		progress INTEGER NOT NULL DEFAULT 0,
		tx_hashes TEXT,
		error TEXT,
		assignment TEXT,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies column additions for databases created by older
// builds. Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE executions ADD COLUMN move_order_id INTEGER",
		"ALTER TABLE orders ADD COLUMN move_address TEXT",
	}
	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
