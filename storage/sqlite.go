package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"vigil/metrics"
)

// SQLite holds the relational store. Writes go through a single-connection pool (WAL
// allows one writer) and reads through a separate query_only pool.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger

	ephemeral          bool
	prevWriteWaitCount int64
	prevReadWaitCount  int64
}

// NewSQLite opens (creating if needed) the database at dbPath and ensures the schema.
// ":memory:" is backed by a throwaway file in the temp directory, removed on Close, so
// both pools share one WAL database exactly like a file-backed store.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	path := dbPath
	ephemeral := dbPath == ":memory:"
	if ephemeral {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("vigil-%s.db", uuid.NewString()))
	} else if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	if err := writeDB.Ping(); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	readDB, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		WriteDB:   writeDB,
		ReadDB:    readDB,
		Path:      path,
		Logger:    logger,
		ephemeral: ephemeral,
	}
	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", path, "ephemeral", ephemeral)
	return s, nil
}

// BeginSession starts a transaction on the write pool
func (s *SQLite) BeginSession(ctx context.Context) (*Session, error) {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session: %w", err)
	}
	return newSession(tx, true), nil
}

// reader returns the session when one is in use, otherwise the read pool
func (s *SQLite) reader(sess *Session) Querier {
	if sess != nil {
		return sess
	}
	return s.ReadDB
}

// writer returns the session when one is in use, otherwise the write pool
func (s *SQLite) writer(sess *Session) Querier {
	if sess != nil {
		return sess
	}
	return s.WriteDB
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS alert_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		received_at TEXT NOT NULL,
		event TEXT NOT NULL -- JSON alert document
	);
	CREATE INDEX IF NOT EXISTS idx_alert_events_fp ON alert_events(tenant_id, fingerprint, received_at DESC);

	-- Latest event per fingerprint
	CREATE TABLE IF NOT EXISTS last_alerts (
		tenant_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		alert_id TEXT NOT NULL REFERENCES alert_events(id),
		status TEXT NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_last_alerts_status ON last_alerts(status);

	CREATE TABLE IF NOT EXISTS alert_enrichments (
		tenant_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		enrichments TEXT NOT NULL, -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS mapping_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		matchers TEXT NOT NULL, -- JSON array of arrays
		mapping_rows TEXT NOT NULL, -- JSON array of objects
		disabled INTEGER NOT NULL DEFAULT 0,
		is_multi_level INTEGER NOT NULL DEFAULT 0,
		multi_level_key TEXT,
		prefix_to_remove TEXT,
		new_property_name TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mapping_rules_tenant ON mapping_rules(tenant_id, priority DESC);

	CREATE TABLE IF NOT EXISTS maintenance_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		cel_query TEXT NOT NULL,
		ignore_statuses TEXT, -- JSON array
		suppress INTEGER NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL DEFAULT 'default',
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_maintenance_rules_tenant ON maintenance_rules(tenant_id);

	CREATE TABLE IF NOT EXISTS correlation_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		definition TEXT NOT NULL,
		timeframe INTEGER NOT NULL DEFAULT 0, -- nanoseconds
		group_by TEXT, -- JSON array
		min_alerts INTEGER NOT NULL DEFAULT 1,
		resolve_on TEXT NOT NULL DEFAULT 'never',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlation_rules_tenant ON correlation_rules(tenant_id);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_name TEXT,
		group_key TEXT NOT NULL,
		status TEXT NOT NULL,
		members TEXT NOT NULL, -- JSON array
		merged_into TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_alert_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_group ON incidents(tenant_id, rule_id, group_key, status);

	CREATE TABLE IF NOT EXISTS presets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		options TEXT NOT NULL, -- JSON array
		is_noisy INTEGER NOT NULL DEFAULT 0,
		static INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		action TEXT NOT NULL,
		description TEXT,
		user_id TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_fp ON audit_records(tenant_id, fingerprint, timestamp DESC);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if s.ephemeral {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(s.Path + suffix)
		}
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// StartMetricsCollection periodically exports connection pool statistics until ctx is done
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	s.updatePoolMetricsForType("write", s.WriteDB.Stats(), &s.prevWriteWaitCount)
	s.updatePoolMetricsForType("read", s.ReadDB.Stats(), &s.prevReadWaitCount)
}

func (s *SQLite) updatePoolMetricsForType(pool string, stats sql.DBStats, prevWaitCount *int64) {
	metrics.SQLitePoolOpenConnections.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	metrics.SQLitePoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))

	// Counters only move forward, so export the delta since the last sample
	if delta := stats.WaitCount - *prevWaitCount; delta > 0 {
		metrics.SQLitePoolWaitCount.WithLabelValues(pool).Add(float64(delta))
		*prevWaitCount = stats.WaitCount
	}
}

// validateDatabasePath rejects traversal sequences, null bytes and device names
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.ContainsAny(dbPath, "\x00?#") {
		return fmt.Errorf("invalid characters in path: %q", dbPath)
	}
	if strings.HasPrefix(filepath.Clean(dbPath), "/dev/") {
		return fmt.Errorf("device files not allowed: %s", dbPath)
	}
	return nil
}
