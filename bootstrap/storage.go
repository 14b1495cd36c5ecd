package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"vigil/config"
	"vigil/enrichment"
	"vigil/storage"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite           *storage.SQLite
	Alerts           *storage.SQLiteAlertStorage
	Enrichments      *storage.SQLiteEnrichmentStorage
	MappingRules     *storage.SQLiteMappingRuleStorage
	MaintenanceRules *storage.SQLiteMaintenanceRuleStorage
	CorrelationRules *storage.SQLiteCorrelationRuleStorage
	Incidents        *storage.SQLiteIncidentStorage
	Presets          *storage.SQLitePresetStorage
	Audit            *storage.SQLiteAuditStorage
}

// NewStorageComponents creates every relational store on top of sqlite.
func NewStorageComponents(sqlite *storage.SQLite, sugar *zap.SugaredLogger) *StorageComponents {
	return &StorageComponents{
		SQLite:           sqlite,
		Alerts:           storage.NewSQLiteAlertStorage(sqlite, sugar),
		Enrichments:      storage.NewSQLiteEnrichmentStorage(sqlite, sugar),
		MappingRules:     storage.NewSQLiteMappingRuleStorage(sqlite, sugar),
		MaintenanceRules: storage.NewSQLiteMaintenanceRuleStorage(sqlite, sugar),
		CorrelationRules: storage.NewSQLiteCorrelationRuleStorage(sqlite, sugar),
		Incidents:        storage.NewSQLiteIncidentStorage(sqlite, sugar),
		Presets:          storage.NewSQLitePresetStorage(sqlite, sugar),
		Audit:            storage.NewSQLiteAuditStorage(sqlite, sugar),
	}
}

// InitSQLite initializes SQLite connection.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, dirs.SQLite)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitIndex connects the ClickHouse alert index with retry logic. It returns nil without
// error when the index is disabled, or when it is unreachable in graceful mode.
func InitIndex(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.AlertIndex, error) {
	if !cfg.ClickHouse.Enabled {
		sugar.Info("ClickHouse index disabled, presets run in internal mode")
		return nil, nil
	}

	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var index *storage.AlertIndex
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			time.Sleep(retryDelays[attempt-1])
		}

		index, lastErr = storage.NewClickHouseIndex(cfg, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		errMsg := ClassifyConnectionError("ClickHouse", lastErr, cfg.ClickHouse.Addr)
		if cfg.IsGracefulMode() {
			sugar.Warnw("Continuing without the ClickHouse index", "reason", errMsg)
			return nil, nil
		}
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: ClickHouse Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
	}

	sugar.Info("Connected to ClickHouse index successfully")
	return index, nil
}

// matcherDrivers maps matcher dialects to database/sql driver names
var matcherDrivers = map[string]string{
	config.DialectPostgreSQL: "pgx",
	config.DialectMySQL:      "mysql",
}

// InitMatcher builds the mapping rule matcher. PostgreSQL and MySQL dialects open their
// own connection; the sqlite dialect queries the relational store's read pool. The
// returned closer releases any connection opened here.
func InitMatcher(cfg *config.Config, sqlite *storage.SQLite, sugar *zap.SugaredLogger) (*enrichment.Matcher, func() error, error) {
	noop := func() error { return nil }

	dialect := cfg.Matcher.Dialect
	if dialect == "" || dialect == config.DialectSQLite {
		matcher, err := enrichment.NewMatcher(enrichment.DialectSQLite, sqlite.ReadDB, sugar)
		return matcher, noop, err
	}

	driver, ok := matcherDrivers[dialect]
	if !ok {
		return nil, noop, fmt.Errorf("unsupported matcher dialect %q", dialect)
	}

	db, err := sql.Open(driver, cfg.Matcher.DSN)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open %s matcher database: %w", dialect, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		msg := ClassifyConnectionError(dialect, err, dialect)
		if cfg.IsGracefulMode() {
			sugar.Warnw("Matcher database unreachable, mapping rules evaluate in memory", "reason", msg)
			return enrichment.NewMemoryMatcher(sugar), noop, nil
		}
		return nil, noop, fmt.Errorf("failed to reach %s matcher database: %w", dialect, err)
	}

	matcher, err := enrichment.NewMatcher(dialect, db, sugar)
	if err != nil {
		_ = db.Close()
		return nil, noop, err
	}
	sugar.Infow("Mapping rule matcher ready", "dialect", dialect)
	return matcher, db.Close, nil
}
