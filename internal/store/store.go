// Package store is a thin facade over SQLite with a co-resident vector
// index. It owns connection policy (WAL, busy timeout), the base schema,
// lock-aware retry, and health probes. Writers serialize through BEGIN
// IMMEDIATE; readers proceed in parallel.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentmcp/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded database plus the vector companion.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	path       string
	vectorExt  bool // sqlite-vec vec0 available
	dimensions int  // embedding width for the vec companion
}

// Open initializes the database at the given path and applies the
// connection policy. dimensions sets the width of the vector companion
// table; pass 0 to default to 1024.
func Open(path string, dimensions int) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if dimensions <= 0 {
		dimensions = 1024
	}

	logging.Store("Opening store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// _txlock=immediate makes every transaction BEGIN IMMEDIATE so writers
	// take the reserved lock up front instead of deadlocking on upgrade.
	// The per-connection pragmas ride in the DSN so every pooled
	// connection gets them: WAL lets readers run concurrently with the
	// single serialized writer.
	dsn := "file:" + path + "?" + strings.Join([]string{
		"_txlock=immediate",
		"_busy_timeout=30000",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_foreign_keys=on",
	}, "&")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	// cache_size has no DSN form; best effort on whichever connection
	// serves this, the rest run with SQLite's default.
	if _, err := db.Exec("PRAGMA cache_size = -64000"); err != nil {
		logging.StoreDebug("Failed pragma cache_size: %v", err)
	}

	s := &Store{db: db, path: path, dimensions: dimensions}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN search enabled")
		if err := s.ensureVecTable(); err != nil {
			logging.StoreWarn("Failed to create vector companion table: %v", err)
			s.vectorExt = false
		}
	} else {
		logging.StoreWarn("sqlite-vec extension not available; similarity search falls back to brute-force cosine")
	}

	return s, nil
}

// initialize creates the base (1.0.0) schema. Later schema versions are
// the migration runtime's responsibility.
func (s *Store) initialize() error {
	tasksTable := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		assigned_to TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		parent_task TEXT,
		child_tasks TEXT DEFAULT '[]',
		depends_on_tasks TEXT DEFAULT '[]',
		notes TEXT DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);
	`

	agentsTable := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		color TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	`

	contextTable := `
	CREATE TABLE IF NOT EXISTS project_context (
		context_key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT DEFAULT '',
		last_updated TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT ''
	);
	`

	actionsTable := `
	CREATE TABLE IF NOT EXISTS agent_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_id TEXT DEFAULT '',
		details TEXT DEFAULT '{}',
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_agent ON agent_actions(agent_id);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS embedding_chunks (
		chunk_id TEXT PRIMARY KEY,
		source_kind TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		"offset" INTEGER NOT NULL DEFAULT 0,
		"length" INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		embedding TEXT,
		indexed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON embedding_chunks(source_kind, source_ref);
	`

	// Per-file content hashes so reindexing can skip unchanged files
	filesTable := `
	CREATE TABLE IF NOT EXISTS file_metadata (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		indexed_at TEXT NOT NULL
	);
	`

	for _, ddl := range []string{tasksTable, agentsTable, contextTable, actionsTable, chunksTable, filesTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			return err
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

func (s *Store) ensureVecTable() error {
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
		embedding float[%d],
		chunk_id TEXT
	)`, s.dimensions)
	_, err := s.db.Exec(ddl)
	return err
}

// HasVectorIndex reports whether the vec0 companion is usable.
func (s *Store) HasVectorIndex() bool {
	return s.vectorExt
}

// Dimensions returns the configured embedding width.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the raw handle for the migration runtime. Regular callers
// should stay on Exec/Query/Tx.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a statement under the write lock.
func (s *Store) Exec(query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Query runs a read query.
func (s *Store) Query(query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Query(query, args...)
}

// QueryRow runs a single-row read query.
func (s *Store) QueryRow(query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.QueryRow(query, args...)
}

// Tx runs fn inside BEGIN IMMEDIATE / COMMIT, rolling back on failure.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ColumnExists checks whether a column exists via PRAGMA table_info.
func (s *Store) ColumnExists(table, column string) bool {
	return columnExists(s.db, table, column)
}

// TableExists checks sqlite_master for a table.
func (s *Store) TableExists(table string) bool {
	return tableExists(s.db, table)
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

// TableNames lists user tables, used by the migration runtime for
// pre/post state logging.
func (s *Store) TableNames() []string {
	rows, err := s.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			names = append(names, name)
		}
	}
	return names
}
