// Package config provides unified configuration for the tidemark service and
// its operator CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Indices   IndicesConfig   `json:"indices" yaml:"indices"`
	Rotation  RotationConfig  `json:"rotation" yaml:"rotation"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Ranges    RangesConfig    `json:"ranges" yaml:"ranges"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
}

// EngineConfig selects and configures the index engine client.
type EngineConfig struct {
	// Type is the engine client: memory, rest
	Type string `json:"type" yaml:"type"`

	// Hosts are the engine base URLs (for rest type)
	Hosts []string `json:"hosts" yaml:"hosts"`

	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// RequestTimeout bounds a single engine request
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// OptimizeTimeout bounds a forced merge
	OptimizeTimeout time.Duration `json:"optimize_timeout" yaml:"optimize_timeout"`

	// WaitTimeout bounds health polling
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`

	// MaxRetries is the retry count of idempotent reads
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// IndicesConfig holds the settings of managed indices.
type IndicesConfig struct {
	Prefix   string `json:"prefix" yaml:"prefix"`
	Shards   int    `json:"shards" yaml:"shards"`
	Replicas int    `json:"replicas" yaml:"replicas"`
	Analyzer string `json:"analyzer" yaml:"analyzer"`

	// OptimizationMaxSegments is the segment target after rotation
	OptimizationMaxSegments int `json:"optimization_max_segments" yaml:"optimization_max_segments"`

	// DisableOptimization skips optimizing indices rotated out
	DisableOptimization bool `json:"disable_optimization" yaml:"disable_optimization"`

	// MovePageSize is the scroll page size of document moves
	MovePageSize int `json:"move_page_size" yaml:"move_page_size"`
}

// RotationConfig holds write alias rotation settings.
type RotationConfig struct {
	// Strategy is the rotation strategy: count, size, time
	Strategy string `json:"strategy" yaml:"strategy"`

	MaxDocsPerIndex int64         `json:"max_docs_per_index" yaml:"max_docs_per_index"`
	MaxSizePerIndex int64         `json:"max_size_per_index" yaml:"max_size_per_index"`
	MaxTimePerIndex time.Duration `json:"max_time_per_index" yaml:"max_time_per_index"`
	CheckInterval   time.Duration `json:"check_interval" yaml:"check_interval"`
	DisableDaemon   bool          `json:"disable_daemon" yaml:"disable_daemon"`
}

// RetentionConfig holds retention settings.
type RetentionConfig struct {
	// Strategy is the retention action: delete, close, archive, none
	Strategy string `json:"strategy" yaml:"strategy"`

	// MaxIndices is the number of open managed indices to keep
	MaxIndices int `json:"max_indices" yaml:"max_indices"`
}

// RangesConfig selects the range metadata store.
type RangesConfig struct {
	// Backend is the writable store: sqlite, postgres
	Backend string `json:"backend" yaml:"backend"`

	// Path is the SQLite database path (for sqlite backend)
	Path string `json:"path" yaml:"path"`

	// PostgresDSN is the connection string (for postgres backend)
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`

	// LegacyPath is the legacy range document database
	LegacyPath string `json:"legacy_path" yaml:"legacy_path"`
}

// ArchiveConfig holds archive storage settings.
type ArchiveConfig struct {
	// Storage is the storage type: local, s3
	Storage string `json:"storage" yaml:"storage"`

	// Path is the local storage path (for local storage)
	Path string `json:"path" yaml:"path"`

	// TempDir holds archives while they are written and read
	TempDir string `json:"temp_dir" yaml:"temp_dir"`

	// S3 configuration (for s3 storage)
	S3 S3Config `json:"s3" yaml:"s3"`

	// PageSize is the scroll page size used when archiving
	PageSize int `json:"page_size" yaml:"page_size"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PathStyle forces path-style addressing
	PathStyle bool `json:"path_style" yaml:"path_style"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the administrative API address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`

	// File additionally writes logs to a rotating file when set
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// AuthConfig holds session authentication settings.
type AuthConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl"`

	// DirectoryEnabled admits external users
	DirectoryEnabled bool `json:"directory_enabled" yaml:"directory_enabled"`

	// Users are the accounts sessions may belong to
	Users []UserConfig `json:"users" yaml:"users"`
}

// UserConfig is a configured account.
type UserConfig struct {
	Name     string `json:"name" yaml:"name"`
	External bool   `json:"external" yaml:"external"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tidemark",
		Engine: EngineConfig{
			Type:            "memory",
			Hosts:           []string{"http://localhost:9200"},
			RequestTimeout:  time.Minute,
			OptimizeTimeout: time.Hour,
			WaitTimeout:     5 * time.Minute,
			MaxRetries:      3,
		},
		Indices: IndicesConfig{
			Prefix:                  "tidemark",
			Shards:                  4,
			Replicas:                0,
			Analyzer:                "standard",
			OptimizationMaxSegments: 1,
			MovePageSize:            350,
		},
		Rotation: RotationConfig{
			Strategy:        "count",
			MaxDocsPerIndex: 20000000,
			MaxSizePerIndex: 1 << 30,
			MaxTimePerIndex: 24 * time.Hour,
			CheckInterval:   time.Minute,
		},
		Retention: RetentionConfig{
			Strategy:   "delete",
			MaxIndices: 20,
		},
		Ranges: RangesConfig{
			Backend: "sqlite",
		},
		Archive: ArchiveConfig{
			Storage:  "local",
			PageSize: 350,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Auth: AuthConfig{
			SessionTTL: 8 * time.Hour,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tidemark"
	}
	if c.Ranges.Path == "" {
		c.Ranges.Path = filepath.Join(c.DataDir, "ranges.db")
	}
	if c.Ranges.LegacyPath == "" {
		c.Ranges.LegacyPath = filepath.Join(c.DataDir, "legacy_ranges.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archives")
	}
	if c.Archive.TempDir == "" {
		c.Archive.TempDir = filepath.Join(c.DataDir, "tmp")
	}
}

// DeflectorAlias returns the write alias of the managed indices.
func (c *Config) DeflectorAlias() string {
	return c.Indices.Prefix + "_deflector"
}

func invalid(format string, args ...interface{}) error {
	return ierrors.NewInvalidArgument(ierrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	switch c.Engine.Type {
	case "memory":
	case "rest":
		if len(c.Engine.Hosts) == 0 {
			return invalid("engine.hosts is required when engine type is rest")
		}
	default:
		return invalid("invalid engine type: %s (must be memory or rest)", c.Engine.Type)
	}
	if c.Engine.MaxRetries < 0 {
		return invalid("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries)
	}

	if c.Indices.Prefix == "" || strings.ContainsAny(c.Indices.Prefix, "*_, ") {
		return invalid("indices.prefix %q must be non-empty and contain no '*', '_', ',' or spaces", c.Indices.Prefix)
	}
	if c.Indices.Shards < 1 {
		return invalid("indices.shards must be at least 1, got %d", c.Indices.Shards)
	}
	if c.Indices.Replicas < 0 {
		return invalid("indices.replicas must not be negative, got %d", c.Indices.Replicas)
	}
	if c.Indices.OptimizationMaxSegments < 1 {
		return invalid("indices.optimization_max_segments must be at least 1, got %d", c.Indices.OptimizationMaxSegments)
	}

	switch c.Rotation.Strategy {
	case "count":
		if c.Rotation.MaxDocsPerIndex < 1 {
			return invalid("rotation.max_docs_per_index must be positive")
		}
	case "size":
		if c.Rotation.MaxSizePerIndex < 1 {
			return invalid("rotation.max_size_per_index must be positive")
		}
	case "time":
		if c.Rotation.MaxTimePerIndex <= 0 {
			return invalid("rotation.max_time_per_index must be positive")
		}
	default:
		return invalid("invalid rotation strategy: %s (must be count, size or time)", c.Rotation.Strategy)
	}

	switch c.Retention.Strategy {
	case "delete", "close", "archive", "none":
	default:
		return invalid("invalid retention strategy: %s (must be delete, close, archive or none)", c.Retention.Strategy)
	}
	if c.Retention.MaxIndices < 1 {
		return invalid("retention.max_indices must be at least 1, got %d", c.Retention.MaxIndices)
	}

	switch c.Ranges.Backend {
	case "sqlite":
	case "postgres":
		if c.Ranges.PostgresDSN == "" {
			return invalid("ranges.postgres_dsn is required when backend is postgres")
		}
	default:
		return invalid("invalid ranges backend: %s (must be sqlite or postgres)", c.Ranges.Backend)
	}

	if c.Archive.Storage != "local" && c.Archive.Storage != "s3" {
		return invalid("invalid archive storage: %s (must be local or s3)", c.Archive.Storage)
	}
	if c.Archive.Storage == "s3" && c.Archive.S3.Bucket == "" {
		return invalid("archive.s3.bucket is required when archive storage is s3")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("invalid logging format: %s (must be text or json)", c.Logging.Format)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TIDEMARK_ prefix.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("TIDEMARK_" + key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, err := strconv.Atoi(os.Getenv("TIDEMARK_" + key)); err == nil {
			*dst = v
		}
	}
	int64s := func(key string, dst *int64) {
		if v, err := strconv.ParseInt(os.Getenv("TIDEMARK_"+key), 10, 64); err == nil {
			*dst = v
		}
	}
	duration := func(key string, dst *time.Duration) {
		if d, err := time.ParseDuration(os.Getenv("TIDEMARK_" + key)); err == nil {
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv("TIDEMARK_" + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &cfg.DataDir)

	// Engine configuration
	str("ENGINE_TYPE", &cfg.Engine.Type)
	if v := os.Getenv("TIDEMARK_ENGINE_HOSTS"); v != "" {
		cfg.Engine.Hosts = strings.Split(v, ",")
	}
	str("ENGINE_USERNAME", &cfg.Engine.Username)
	str("ENGINE_PASSWORD", &cfg.Engine.Password)
	duration("ENGINE_REQUEST_TIMEOUT", &cfg.Engine.RequestTimeout)
	integer("ENGINE_MAX_RETRIES", &cfg.Engine.MaxRetries)

	// Indices configuration
	str("INDICES_PREFIX", &cfg.Indices.Prefix)
	integer("INDICES_SHARDS", &cfg.Indices.Shards)
	integer("INDICES_REPLICAS", &cfg.Indices.Replicas)

	// Rotation and retention
	str("ROTATION_STRATEGY", &cfg.Rotation.Strategy)
	int64s("ROTATION_MAX_DOCS_PER_INDEX", &cfg.Rotation.MaxDocsPerIndex)
	int64s("ROTATION_MAX_SIZE_PER_INDEX", &cfg.Rotation.MaxSizePerIndex)
	duration("ROTATION_MAX_TIME_PER_INDEX", &cfg.Rotation.MaxTimePerIndex)
	duration("ROTATION_CHECK_INTERVAL", &cfg.Rotation.CheckInterval)
	str("RETENTION_STRATEGY", &cfg.Retention.Strategy)
	integer("RETENTION_MAX_INDICES", &cfg.Retention.MaxIndices)

	// Range store
	str("RANGES_BACKEND", &cfg.Ranges.Backend)
	str("RANGES_PATH", &cfg.Ranges.Path)
	str("RANGES_POSTGRES_DSN", &cfg.Ranges.PostgresDSN)
	str("RANGES_LEGACY_PATH", &cfg.Ranges.LegacyPath)

	// Archive storage
	str("ARCHIVE_STORAGE", &cfg.Archive.Storage)
	str("ARCHIVE_PATH", &cfg.Archive.Path)
	str("S3_BUCKET", &cfg.Archive.S3.Bucket)
	str("S3_REGION", &cfg.Archive.S3.Region)
	str("S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	boolean("S3_PATH_STYLE", &cfg.Archive.S3.PathStyle)

	// Servers
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	boolean("GRPC_ENABLED", &cfg.GRPC.Enabled)

	// Logging and auth
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_FILE", &cfg.Logging.File)
	boolean("AUTH_ENABLED", &cfg.Auth.Enabled)
	duration("AUTH_SESSION_TTL", &cfg.Auth.SessionTTL)
	boolean("AUTH_DIRECTORY_ENABLED", &cfg.Auth.DirectoryEnabled)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Ranges.Path),
		c.Archive.TempDir,
	}
	if c.Archive.Storage == "local" {
		dirs = append(dirs, c.Archive.Path)
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
