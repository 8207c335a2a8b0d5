// Package config holds the application configuration. Configuration is
// exposed as immutable snapshots: loading or reloading builds a fresh Config
// and swaps it atomically, so concurrent workers never observe a torn read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is one immutable configuration snapshot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Blobstore   BlobstoreConfig   `yaml:"blobstore"`
	Mediatool   MediatoolConfig   `yaml:"mediatool"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Reaper      ReaperConfig      `yaml:"reaper"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BlobstoreConfig selects the artifact store backend.
type BlobstoreConfig struct {
	// Driver is "filesystem" or "memory" (tests and throwaway runs).
	Driver string `yaml:"driver"`
	Root   string `yaml:"root"`
}

// MediatoolConfig locates the external media tool binary.
type MediatoolConfig struct {
	Binary  string `yaml:"binary"`
	WorkDir string `yaml:"work_dir"`
	// InvokeTimeout bounds one tool operation.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// AnalysisConfig configures the external content analysis service.
type AnalysisConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AuthToken is the static bearer token accepted by the API and the
	// realtime gateway. Real deployments swap in an external authenticator.
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig selects and tunes the task record store backend.
type DatabaseConfig struct {
	Type            string        `yaml:"type"` // sqlite or postgres
	Path            string        `yaml:"path"` // sqlite file path
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogQueries      bool          `yaml:"log_queries"`
}

// RedisConfig is shared by the work queue and the broadcast bridge.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig tunes the worker pool.
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts bounds retries for one work unit, including the first run.
	MaxAttempts int `yaml:"max_attempts"`
}

// BroadcastConfig tunes progress fan-out.
type BroadcastConfig struct {
	// Driver is "redis" for multi-process deployments or "local" for tests
	// and single-process runs.
	Driver     string `yaml:"driver"`
	BufferSize int    `yaml:"buffer_size"`
	// CoalesceInterval and CoalesceMinDelta gate high-frequency sub-stage
	// progress: an event passes if at least the interval elapsed or the
	// progress moved by at least the delta since the last published event.
	CoalesceInterval time.Duration `yaml:"coalesce_interval"`
	CoalesceMinDelta float64       `yaml:"coalesce_min_delta"`
}

// GatewayConfig tunes realtime client sessions.
type GatewayConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RecognitionConfig configures the external recognition service client.
type RecognitionConfig struct {
	Endpoint string `yaml:"endpoint"`
	// CallbackURL is the publicly reachable URL of the callback receiver,
	// handed to the recognition service with every submission.
	CallbackURL    string        `yaml:"callback_url"`
	ChunkSize      int64         `yaml:"chunk_size"`
	CorrelationTTL time.Duration `yaml:"correlation_ttl"`
	UploadAttempts int           `yaml:"upload_attempts"`
	// PollInterval is how often parked work units are checked for delivered
	// or expired correlations.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ListenAddr is where the standalone callback receiver binds.
	ListenAddr string `yaml:"listen_addr"`
}

// ReaperConfig tunes the stale-task sweep.
type ReaperConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RunningCeiling   time.Duration `yaml:"running_ceiling"`
	PendingCeiling   time.Duration `yaml:"pending_ceiling"`
	FailureRetention time.Duration `yaml:"failure_retention"`
	SuccessRetention time.Duration `yaml:"success_retention"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			Path:            "clipforge.db",
			Host:            "localhost",
			Port:            5432,
			Username:        "clipforge",
			Database:        "clipforge",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 2 * time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			Concurrency: 4,
			MaxAttempts: 3,
		},
		Broadcast: BroadcastConfig{
			Driver:           "redis",
			BufferSize:       1024,
			CoalesceInterval: time.Second,
			CoalesceMinDelta: 0.5,
		},
		Gateway: GatewayConfig{
			IdleTimeout:  5 * time.Minute,
			WriteTimeout: 10 * time.Second,
		},
		Recognition: RecognitionConfig{
			Endpoint:       "http://localhost:9090",
			CallbackURL:    "http://localhost:8081/callbacks/recognition",
			ChunkSize:      4 << 20,
			CorrelationTTL: 30 * time.Minute,
			UploadAttempts: 3,
			PollInterval:   15 * time.Second,
			ListenAddr:     ":8081",
		},
		Blobstore: BlobstoreConfig{
			Driver: "filesystem",
			Root:   "./data/blobs",
		},
		Mediatool: MediatoolConfig{
			Binary:        "clipforge-mediatool",
			WorkDir:       "./data/work",
			InvokeTimeout: time.Hour,
		},
		Analysis: AnalysisConfig{
			Endpoint: "http://localhost:9091",
			Timeout:  5 * time.Minute,
		},
		Reaper: ReaperConfig{
			Interval:         time.Hour,
			RunningCeiling:   24 * time.Hour,
			PendingCeiling:   2 * time.Hour,
			FailureRetention: 7 * 24 * time.Hour,
			SuccessRetention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a snapshot from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the settings commonly set per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPFORGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CLIPFORGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CLIPFORGE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CLIPFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CLIPFORGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RECOGNITION_ENDPOINT"); v != "" {
		cfg.Recognition.Endpoint = v
	}
	if v := os.Getenv("RECOGNITION_CALLBACK_URL"); v != "" {
		cfg.Recognition.CallbackURL = v
	}
	if v := os.Getenv("BLOBSTORE_ROOT"); v != "" {
		cfg.Blobstore.Root = v
	}
	if v := os.Getenv("MEDIATOOL_BINARY"); v != "" {
		cfg.Mediatool.Binary = v
	}
	if v := os.Getenv("ANALYSIS_ENDPOINT"); v != "" {
		cfg.Analysis.Endpoint = v
	}
}

// Validate checks snapshot consistency.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	switch c.Broadcast.Driver {
	case "redis", "local":
	default:
		return fmt.Errorf("unsupported broadcast driver: %s", c.Broadcast.Driver)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}
	if c.Broadcast.CoalesceMinDelta < 0 {
		return fmt.Errorf("broadcast coalesce_min_delta must not be negative")
	}
	if c.Recognition.ChunkSize < 1 {
		return fmt.Errorf("recognition chunk_size must be positive")
	}
	switch c.Blobstore.Driver {
	case "filesystem", "memory":
	default:
		return fmt.Errorf("unsupported blobstore driver: %s", c.Blobstore.Driver)
	}
	return nil
}
