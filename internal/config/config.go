// Package config handles loading and parsing of chatdrive configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChunkSize is the chunk ceiling used when none is configured: 2000 MiB,
// under the messaging service's 2 GiB per-file limit with headroom.
const DefaultChunkSize int64 = 2000 * 1024 * 1024

// Config is the top-level configuration for chatdrive.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	Blob      BlobConfig      `yaml:"blob"`
	Session   SessionConfig   `yaml:"session"`
	CredStore CredStoreConfig `yaml:"credstore"`
}

// ServerConfig holds operator HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// Metrics enables the /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// TransportConfig selects and configures the messaging transport binding.
type TransportConfig struct {
	// Backend is the binding name: "telegram", "memory" or "s3".
	Backend  string         `yaml:"backend"`
	Telegram TelegramConfig `yaml:"telegram"`
	Memory   MemoryConfig   `yaml:"memory"`
	S3       S3Config       `yaml:"s3"`
}

// TelegramConfig holds MTProto application credentials.
type TelegramConfig struct {
	// APIID is the application id issued by my.telegram.org.
	APIID int `yaml:"api_id"`
	// APIHash is the application hash issued with APIID.
	APIHash string `yaml:"api_hash"`
	// DeviceModel is reported to the service at login.
	DeviceModel string `yaml:"device_model"`
}

// MemoryConfig configures the in-process transport used for development.
type MemoryConfig struct {
	// SnapshotPath is an optional SQLite file the emulated service state is
	// persisted to. Empty keeps everything in memory.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotIntervalSeconds controls periodic snapshots; 0 snapshots only on close.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
	// Accounts are seeded into the emulated service at startup.
	Accounts []MemoryAccount `yaml:"accounts"`
	// MaxPayloadBytes is the emulated per-message limit; 0 means unlimited.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// MemoryAccount is an account seeded into the emulated service.
type MemoryAccount struct {
	Phone    string `yaml:"phone"`
	Code     string `yaml:"code"`
	Password string `yaml:"password"`
}

// S3Config configures the S3-backed transport binding.
type S3Config struct {
	// Bucket is the upstream bucket holding every account's message stream.
	Bucket string `yaml:"bucket"`
	// Region is the AWS region of Bucket.
	Region string `yaml:"region"`
	// Prefix namespaces all keys written by chatdrive.
	Prefix string `yaml:"prefix"`
	// EndpointURL overrides the S3 endpoint (MinIO and similar).
	EndpointURL string `yaml:"endpoint_url"`
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
}

// BlobConfig holds chunking and caption settings.
type BlobConfig struct {
	// ChunkSizeBytes is the chunk ceiling before the binding's own limit is applied.
	ChunkSizeBytes int64 `yaml:"chunk_size_bytes"`
	// CaptionPrefix is the label placed before the content id in chunk captions.
	CaptionPrefix string `yaml:"caption_prefix"`
	// PartialFailure is "keep" or "delete": what to do with blocks already
	// stored when an upload or copy fails part way.
	PartialFailure string `yaml:"partial_failure"`
}

// SessionConfig holds transport session settings.
type SessionConfig struct {
	// ReconnectDelay is the pause between a connection fault and the reconnect.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// CredStoreConfig configures where session tokens are persisted.
type CredStoreConfig struct {
	// Path is the SQLite database file for saved session tokens.
	Path string `yaml:"path"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults applied. If the primary path does not exist,
// it falls back to chatdrive.example.yaml in the same or parent directory.
// Environment variables CHATDRIVE_API_ID and CHATDRIVE_API_HASH override the
// telegram credentials.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "chatdrive.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "chatdrive.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config populated only with defaults.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate reports settings that would make the selected backend unusable.
func (c *Config) Validate() error {
	switch c.Transport.Backend {
	case "telegram":
		if c.Transport.Telegram.APIID == 0 || c.Transport.Telegram.APIHash == "" {
			return fmt.Errorf("transport.telegram.api_id and api_hash are required for the telegram backend")
		}
	case "s3":
		if c.Transport.S3.Bucket == "" {
			return fmt.Errorf("transport.s3.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown transport backend %q", c.Transport.Backend)
	}
	switch c.Blob.PartialFailure {
	case "keep", "delete":
	default:
		return fmt.Errorf("blob.partial_failure must be \"keep\" or \"delete\", got %q", c.Blob.PartialFailure)
	}
	if c.Blob.ChunkSizeBytes <= 0 {
		return fmt.Errorf("blob.chunk_size_bytes must be positive")
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9180,
			ShutdownTimeout: 30,
			Metrics:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			Backend: "telegram",
			Telegram: TelegramConfig{
				DeviceModel: "chatdrive",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Blob: BlobConfig{
			ChunkSizeBytes: DefaultChunkSize,
			CaptionPrefix:  "Codeword",
			PartialFailure: "keep",
		},
		Session: SessionConfig{
			ReconnectDelay: 500 * time.Millisecond,
		},
		CredStore: CredStoreConfig{
			Path: "./data/credentials.db",
		},
	}
}

// applyEnv overlays credentials taken from the environment.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHATDRIVE_API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CHATDRIVE_API_ID: %w", err)
		}
		cfg.Transport.Telegram.APIID = id
	}
	if v := os.Getenv("CHATDRIVE_API_HASH"); v != "" {
		cfg.Transport.Telegram.APIHash = v
	}
	return nil
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Transport.Backend == "" {
		cfg.Transport.Backend = "telegram"
	}
	if cfg.Transport.Telegram.DeviceModel == "" {
		cfg.Transport.Telegram.DeviceModel = "chatdrive"
	}
	if cfg.Transport.S3.Region == "" {
		cfg.Transport.S3.Region = "us-east-1"
	}
	if cfg.Blob.ChunkSizeBytes == 0 {
		cfg.Blob.ChunkSizeBytes = DefaultChunkSize
	}
	if cfg.Blob.CaptionPrefix == "" {
		cfg.Blob.CaptionPrefix = "Codeword"
	}
	if cfg.Blob.PartialFailure == "" {
		cfg.Blob.PartialFailure = "keep"
	}
	if cfg.Session.ReconnectDelay <= 0 {
		cfg.Session.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.CredStore.Path == "" {
		cfg.CredStore.Path = "./data/credentials.db"
	}
}
