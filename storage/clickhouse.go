package storage

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"vigil/config"
	"vigil/core"
)

// Alert index dialects
const (
	IndexDialectClickHouse = "clickhouse"
	IndexDialectSQLite     = "sqlite"
)

var (
	// validDatabaseNameRegex ensures database names are safe from SQL injection
	validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// PresetCounts is the aggregate the index returns for one preset filter
type PresetCounts struct {
	Total int
	// Firing counts firing alerts that are neither deleted nor dismissed
	Firing int
	// Noisy counts the Firing alerts that also carry the isNoisy flag
	Noisy int
}

// AlertIndex is the secondary search index: one row per (tenant, fingerprint) holding the
// latest alert state in flat columns that preset SQL templates filter on.
type AlertIndex struct {
	db      *sql.DB
	dialect string
	logger  *zap.SugaredLogger
}

// NewClickHouseIndex connects to ClickHouse, ensures the database and the index table exist
func NewClickHouseIndex(cfg *config.Config, logger *zap.SugaredLogger) (*AlertIndex, error) {
	if err := validateDatabaseName(cfg.ClickHouse.Database); err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}

	options := func(database string) *clickhouse.Options {
		opts := &clickhouse.Options{
			Addr: []string{cfg.ClickHouse.Addr},
			Auth: clickhouse.Auth{
				Database: database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			},
			Settings: clickhouse.Settings{
				"max_execution_time": 60,
			},
			DialTimeout: 10 * time.Second,
			Compression: &clickhouse.Compression{
				Method: clickhouse.CompressionLZ4,
			},
			MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
			MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
			ConnMaxLifetime:  time.Hour,
			ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		}
		if cfg.ClickHouse.TLS {
			opts.TLS = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return opts
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin := clickhouse.OpenDB(options(""))
	if err := ensureDatabase(ctx, admin, cfg.ClickHouse.Database, logger); err != nil {
		_ = admin.Close()
		return nil, err
	}
	_ = admin.Close()

	db := clickhouse.OpenDB(options(cfg.ClickHouse.Database))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	logger.Infow("Connected to ClickHouse", "addr", cfg.ClickHouse.Addr, "database", cfg.ClickHouse.Database)

	return NewAlertIndex(db, IndexDialectClickHouse, logger)
}

// NewAlertIndex wraps an open database as an alert index and creates the index table
func NewAlertIndex(db *sql.DB, dialect string, logger *zap.SugaredLogger) (*AlertIndex, error) {
	idx := &AlertIndex{db: db, dialect: dialect, logger: logger}

	var schema string
	switch dialect {
	case IndexDialectClickHouse:
		schema = `
		CREATE TABLE IF NOT EXISTS alert_index (
			tenant_id String,
			fingerprint String,
			alert_id String,
			name String,
			status LowCardinality(String),
			severity LowCardinality(String),
			source LowCardinality(String),
			environment String,
			service String,
			description String,
			is_noisy UInt8,
			deleted UInt8,
			dismissed UInt8,
			last_received DateTime64(9, 'UTC'),
			payload String,
			INDEX idx_status status TYPE set(0) GRANULARITY 1,
			INDEX idx_severity severity TYPE set(0) GRANULARITY 1
		) ENGINE = ReplacingMergeTree(last_received)
		ORDER BY (tenant_id, fingerprint)
		SETTINGS index_granularity = 8192`
	case IndexDialectSQLite:
		schema = `
		CREATE TABLE IF NOT EXISTS alert_index (
			tenant_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			alert_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			is_noisy INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			dismissed INTEGER NOT NULL DEFAULT 0,
			last_received TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (tenant_id, fingerprint)
		)`
	default:
		return nil, fmt.Errorf("unsupported index dialect %q", dialect)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create alert index table: %w", err)
	}
	logger.Infow("Alert index ready", "dialect", dialect)
	return idx, nil
}

// Dialect returns the SQL dialect preset templates are rendered in
func (idx *AlertIndex) Dialect() string {
	return idx.dialect
}

// Ping checks that the index is reachable
func (idx *AlertIndex) Ping(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}

// Close closes the index connection
func (idx *AlertIndex) Close() error {
	return idx.db.Close()
}

// Upsert writes the alert as the latest state of its fingerprint. Older states never
// replace newer ones.
func (idx *AlertIndex) Upsert(ctx context.Context, alert *core.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	args := []any{
		alert.TenantID, alert.Fingerprint, alert.ID, alert.Name, string(alert.Status), alert.Severity,
		alert.FirstSource(), alert.Environment, alert.Service, alert.Description,
		flag(alert.IsNoisy), flag(alert.Deleted), flag(alert.Dismissed),
	}

	var query string
	switch idx.dialect {
	case IndexDialectClickHouse:
		// ReplacingMergeTree keeps the row with the greatest last_received per key
		query = `INSERT INTO alert_index (tenant_id, fingerprint, alert_id, name, status, severity, source,
			environment, service, description, is_noisy, deleted, dismissed, last_received, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args = append(args, alert.LastReceived.UTC(), string(payload))
	default:
		query = `INSERT INTO alert_index (tenant_id, fingerprint, alert_id, name, status, severity, source,
			environment, service, description, is_noisy, deleted, dismissed, last_received, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, fingerprint) DO UPDATE SET
				alert_id = excluded.alert_id, name = excluded.name, status = excluded.status,
				severity = excluded.severity, source = excluded.source, environment = excluded.environment,
				service = excluded.service, description = excluded.description, is_noisy = excluded.is_noisy,
				deleted = excluded.deleted, dismissed = excluded.dismissed,
				last_received = excluded.last_received, payload = excluded.payload
			WHERE excluded.last_received >= alert_index.last_received`
		args = append(args, core.FormatTimestamp(alert.LastReceived), string(payload))
	}

	if _, err := idx.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert alert index row: %w", err)
	}
	return nil
}

// CountPreset runs one aggregate over the tenant's latest alert states filtered by where,
// a boolean SQL expression already rendered for this index's dialect.
func (idx *AlertIndex) CountPreset(ctx context.Context, tenantID, where string) (PresetCounts, error) {
	table := "alert_index"
	if idx.dialect == IndexDialectClickHouse {
		table += " FINAL"
	}

	query := `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'firing' AND deleted = 0 AND dismissed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'firing' AND deleted = 0 AND dismissed = 0 AND is_noisy = 1 THEN 1 ELSE 0 END), 0)
		FROM ` + table + `
		WHERE tenant_id = ? AND (` + where + `)`

	var total, firing, noisy int64
	if err := idx.db.QueryRowContext(ctx, query, tenantID).Scan(&total, &firing, &noisy); err != nil {
		return PresetCounts{}, fmt.Errorf("failed to count preset: %w", err)
	}
	return PresetCounts{Total: int(total), Firing: int(firing), Noisy: int(noisy)}, nil
}

func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// validateDatabaseName ensures the database name is safe from SQL injection
func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

// ensureDatabase creates the database if it doesn't exist
func ensureDatabase(ctx context.Context, db *sql.DB, database string, logger *zap.SugaredLogger) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logger.Infow("ClickHouse database is ready", "database", database)
	return nil
}
