// Package store persists atoms, threads and the work queues that feed the
// consolidation stages in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

// ErrNotFound is returned when an atom, thread or queue item does not exist
var ErrNotFound = errors.New("not found")

// ErrNameTaken is returned when a thread name is already used by another thread
var ErrNameTaken = errors.New("thread name already exists")

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite database holding the memory
type Store struct {
	db     *sql.DB
	q      querier
	path   string
	driver string
	inTx   bool
}

// Open opens or creates the memory database at dbPath. driver is "sqlite3"
// (mattn/go-sqlite3) or "sqlite" (modernc.org/sqlite).
func Open(dbPath, driver string) (*Store, error) {
	if driver == "" {
		driver = "sqlite3"
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn, err := dataSourceName(dbPath, driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, q: db, path: dbPath, driver: driver}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logging.Debug("store", "opened %s (%s)", dbPath, driver)
	return s, nil
}

// dataSourceName builds a DSN enabling WAL, a busy timeout, foreign keys and
// immediate write transactions on every pooled connection
func dataSourceName(path, driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", nil
	case "sqlite":
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file location
func (s *Store) Path() string {
	return s.path
}

// WithTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
// Nested calls reuse the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{db: s.db, q: tx, path: s.path, driver: s.driver, inTx: true}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn("store", "rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Atoms: standalone facts produced by the extractor
	CREATE TABLE IF NOT EXISTS atoms (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		source_session TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		importance INTEGER,
		fingerprint TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_atoms_created ON atoms(created_at);
	CREATE INDEX IF NOT EXISTS idx_atoms_fingerprint ON atoms(fingerprint);

	-- Threads: named groupings of atoms
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT 'topical',
		scope TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		description_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_kind ON threads(kind);

	-- Thread membership (many-to-many)
	CREATE TABLE IF NOT EXISTS thread_atoms (
		thread_id TEXT NOT NULL,
		atom_id TEXT NOT NULL,
		added_at TEXT NOT NULL,
		PRIMARY KEY (thread_id, atom_id),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE,
		FOREIGN KEY (atom_id) REFERENCES atoms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_thread_atoms_atom ON thread_atoms(atom_id);

	-- Exchanges: conversation segments queued for extraction
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		at TEXT NOT NULL,
		extracted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_pending ON exchanges(extracted_at, at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return err
		}
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes
func (s *Store) runMigrations() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	steps := []struct {
		version int
		stmts   []string
	}{
		// v2: supersede bookkeeping
		{2, []string{
			"ALTER TABLE atoms ADD COLUMN superseded_by TEXT NOT NULL DEFAULT ''",
			`CREATE TABLE IF NOT EXISTS atom_revisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				atom_id TEXT NOT NULL,
				prior_content TEXT NOT NULL,
				reason TEXT NOT NULL,
				superseded_by TEXT NOT NULL DEFAULT '',
				at TEXT NOT NULL,
				FOREIGN KEY (atom_id) REFERENCES atoms(id) ON DELETE CASCADE
			)`,
			"CREATE INDEX IF NOT EXISTS idx_atom_revisions_atom ON atom_revisions(atom_id)",
		}},
		// v3: organizer progress
		{3, []string{
			"ALTER TABLE atoms ADD COLUMN organized_at TEXT",
			"ALTER TABLE atoms ADD COLUMN skip_reason TEXT NOT NULL DEFAULT ''",
			"CREATE INDEX IF NOT EXISTS idx_atoms_unorganized ON atoms(organized_at, created_at)",
		}},
		// v4: manual triage queue, one open bucket per atom
		{4, []string{
			`CREATE TABLE IF NOT EXISTS triage (
				id TEXT PRIMARY KEY,
				atom_id TEXT NOT NULL,
				proposals TEXT NOT NULL,
				created_at TEXT NOT NULL,
				resolved_at TEXT,
				resolution TEXT NOT NULL DEFAULT '',
				FOREIGN KEY (atom_id) REFERENCES atoms(id) ON DELETE CASCADE
			)`,
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_triage_open ON triage(atom_id) WHERE resolved_at IS NULL",
		}},
		// v5: single-writer lease
		{5, []string{
			`CREATE TABLE IF NOT EXISTS writer_lease (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				holder TEXT NOT NULL,
				pid INTEGER NOT NULL,
				acquired_at TEXT NOT NULL,
				expires_at TEXT NOT NULL
			)`,
		}},
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		for _, stmt := range step.stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", step.version, err)
			}
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", step.version); err != nil {
			return fmt.Errorf("record migration v%d: %w", step.version, err)
		}
		logging.Debug("store", "applied migration v%d", step.version)
	}
	return nil
}

// Stats returns row counts for the main tables
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	queries := map[string]string{
		"atoms":                "SELECT COUNT(*) FROM atoms",
		"atoms_unorganized":    "SELECT COUNT(*) FROM atoms WHERE organized_at IS NULL",
		"atoms_superseded":     "SELECT COUNT(DISTINCT atom_id) FROM atom_revisions",
		"threads":              "SELECT COUNT(*) FROM threads WHERE kind = 'topical'",
		"threads_conversation": "SELECT COUNT(*) FROM threads WHERE kind = 'conversation'",
		"memberships":          "SELECT COUNT(*) FROM thread_atoms",
		"exchanges_pending":    "SELECT COUNT(*) FROM exchanges WHERE extracted_at IS NULL",
		"triage_open":          "SELECT COUNT(*) FROM triage WHERE resolved_at IS NULL",
	}
	for name, query := range queries {
		var count int
		if err := s.q.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("stats %s: %w", name, err)
		}
		stats[name] = count
	}
	return stats, nil
}

// timestamps are stored as RFC 3339 text so both drivers round-trip them
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
