// Package store persists the pipeline state in SQLite: records with their
// embeddings, cluster snapshots, the single draft slot, and the approved
// persona registry. When the sqlite-vec extension is compiled in, record
// embeddings are mirrored into a vec0 virtual table for ANN search;
// without it, similarity queries fall back to a linear scan.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"personaforge/internal/logging"
)

// Store is the SQLite-backed persistence layer. All methods are safe for
// concurrent use.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
	vecDims   int  // dimensionality of the vec_records table, 0 until created
}

// Open initializes the database at the given path, creating the schema on
// first use.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and much faster than the FULL default.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; similarity search uses linear scan")
	}
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	recordsTable := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		source TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		embedding BLOB,
		cluster_id INTEGER,
		analyzed BOOLEAN NOT NULL DEFAULT 0,
		persona_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_cluster ON records(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_records_analyzed ON records(analyzed);
	CREATE INDEX IF NOT EXISTS idx_records_persona ON records(persona_id);
	`

	// Snapshots are full-replace: exactly one row in cluster_runs at a
	// time, and clusters always belong to it.
	snapshotTables := `
	CREATE TABLE IF NOT EXISTS cluster_runs (
		run_id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		total INTEGER NOT NULL,
		noise_ratio REAL NOT NULL,
		silhouette REAL,
		health_json TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS clusters (
		run_id TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		is_noise BOOLEAN NOT NULL DEFAULT 0,
		size INTEGER NOT NULL,
		member_ids TEXT NOT NULL,
		exemplar_ids TEXT,
		PRIMARY KEY(run_id, cluster_id)
	);
	`

	// The slot=1 check enforces the single-draft invariant in the schema
	// itself, not just in application code.
	draftTable := `
	CREATE TABLE IF NOT EXISTS drafts (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		run_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	registryTables := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		characteristics_json TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		sample_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS samples (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		persona_id TEXT,
		cluster_id INTEGER NOT NULL,
		ingest_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_samples_persona ON samples(persona_id);
	CREATE TABLE IF NOT EXISTS merge_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kept_name TEXT NOT NULL,
		merged_name TEXT NOT NULL,
		similarity REAL NOT NULL,
		merged_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_merge_run ON merge_history(run_id);
	`

	for _, table := range []string{recordsTable, snapshotTables, draftTable, registryTables} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// ensureVecTable creates the vec_records mirror for the given embedding
// dimensionality. A dimensionality change drops and recreates the table.
func (s *Store) ensureVecTable(dims int) error {
	if !s.vectorExt || dims == s.vecDims {
		return nil
	}
	if s.vecDims != 0 {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_records"); err != nil {
			return fmt.Errorf("failed to drop vec_records: %w", err)
		}
	}
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_records USING vec0(record_id TEXT PRIMARY KEY, embedding float[%d])", dims)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create vec_records: %w", err)
	}
	s.vecDims = dims
	return nil
}

// VectorSearchEnabled reports whether ANN search is backed by sqlite-vec.
func (s *Store) VectorSearchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// Stats returns row counts per table, for the status report.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"records", "cluster_runs", "clusters", "drafts", "personas", "samples", "merge_history"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
