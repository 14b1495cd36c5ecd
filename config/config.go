package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how vigil handles initialization failures of optional backends
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// Supported matcher dialects
const (
	DialectPostgreSQL = "postgresql"
	DialectMySQL      = "mysql"
	DialectSQLite     = "sqlite"
)

// Maintenance lock backends
const (
	LockBackendRedis = "redis"
	LockBackendFile  = "file"
)

// DataPaths holds all data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (VIGIL_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (VIGIL_SQLITE_PATH, default: ${DataDir}/vigil.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the vigil service
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	SQLite struct {
		MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	} `mapstructure:"sqlite"`

	// Matcher selects the database that evaluates mapping rule rows. An empty DSN with
	// the sqlite dialect reuses the relational store.
	Matcher struct {
		Dialect string `mapstructure:"dialect"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"matcher"`

	ClickHouse struct {
		Enabled     bool   `mapstructure:"enabled"`
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TLS         bool   `mapstructure:"tls"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
	} `mapstructure:"clickhouse"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Maintenance struct {
		Interval    time.Duration `mapstructure:"interval"`
		LockBackend string        `mapstructure:"lock_backend"`
		LockTTL     time.Duration `mapstructure:"lock_ttl"`
		LockKey     string        `mapstructure:"lock_key"`
		LockFile    string        `mapstructure:"lock_file"`
	} `mapstructure:"maintenance"`

	Notify struct {
		DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	} `mapstructure:"notify"`

	Correlation struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"correlation"`

	API struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"api"`

	Engine struct {
		Workers      int `mapstructure:"workers"`
		QueueSize    int `mapstructure:"queue_size"`
		CELCacheSize int `mapstructure:"cel_cache_size"`
	} `mapstructure:"engine"`

	Fingerprint struct {
		Fields []string `mapstructure:"fields"`
	} `mapstructure:"fingerprint"`

	Seed struct {
		File string `mapstructure:"file"`
	} `mapstructure:"seed"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("startup_mode", string(StartupModeStrict))

	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	v.SetDefault("sqlite.metrics_interval", 15*time.Second)

	v.SetDefault("matcher.dialect", DialectSQLite)
	v.SetDefault("matcher.dsn", "")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "vigil")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.tls", false)
	v.SetDefault("clickhouse.max_pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vigil.workflow.alerts")

	v.SetDefault("maintenance.interval", 30*time.Second)
	v.SetDefault("maintenance.lock_backend", LockBackendFile)
	v.SetDefault("maintenance.lock_ttl", 2*time.Minute)
	v.SetDefault("maintenance.lock_key", "vigil:maintenance:recover")
	v.SetDefault("maintenance.lock_file", "") // Empty = derive from data_dir

	v.SetDefault("notify.debounce_interval", 15*time.Second)
	v.SetDefault("correlation.enabled", true)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.cel_cache_size", 1024)

	v.SetDefault("fingerprint.fields", []string{"name"})
	v.SetDefault("seed.file", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the path settings
	_ = v.BindEnv("data_paths.data_dir", "VIGIL_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "VIGIL_SQLITE_PATH")
}

// LoadConfig loads configuration from an optional config file and environment variables.
// An empty path searches for config.yaml in the working directory and ./config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file, defaults and env vars apply
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ResolveDataPaths derives unset file paths from DataDir
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	c.DataPaths.DataDir = dataDir

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "vigil.db")
	} else if c.DataPaths.SQLitePath != ":memory:" && !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.Maintenance.LockFile == "" {
		c.Maintenance.LockFile = filepath.Join(dataDir, "maintenance.lock")
	}
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode %q: must be %q or %q", config.StartupMode, StartupModeStrict, StartupModeGraceful)
	}

	switch config.Matcher.Dialect {
	case DialectPostgreSQL, DialectMySQL:
		if config.Matcher.DSN == "" {
			return fmt.Errorf("matcher.dsn is required for dialect %q", config.Matcher.Dialect)
		}
	case DialectSQLite, "":
	default:
		return fmt.Errorf("invalid matcher.dialect %q: must be one of %s, %s, %s",
			config.Matcher.Dialect, DialectPostgreSQL, DialectMySQL, DialectSQLite)
	}

	if config.ClickHouse.Enabled {
		if config.ClickHouse.Addr == "" {
			return fmt.Errorf("clickhouse.addr is required when clickhouse is enabled")
		}
		if config.ClickHouse.MaxPoolSize < 1 {
			return fmt.Errorf("clickhouse.max_pool_size must be at least 1")
		}
	}

	if config.Kafka.Enabled && (len(config.Kafka.Brokers) == 0 || config.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	if config.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	switch config.Maintenance.LockBackend {
	case LockBackendRedis:
		if !config.Redis.Enabled {
			return fmt.Errorf("maintenance.lock_backend %q requires redis.enabled", LockBackendRedis)
		}
		if config.Maintenance.LockTTL <= config.Maintenance.Interval {
			return fmt.Errorf("maintenance.lock_ttl must exceed maintenance.interval")
		}
	case LockBackendFile:
	default:
		return fmt.Errorf("invalid maintenance.lock_backend %q", config.Maintenance.LockBackend)
	}

	if config.Notify.DebounceInterval < 0 {
		return fmt.Errorf("notify.debounce_interval cannot be negative")
	}
	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid api.port %d", config.API.Port)
	}
	if config.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if config.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1")
	}
	return nil
}
