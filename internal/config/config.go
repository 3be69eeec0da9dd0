package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for capsync.
type Config struct {
	DeviceID   string           `toml:"device_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"` // "debug", "info" (default), "warn" or "error"
	Storage    StorageConfig    `toml:"storage"`
	Encryption EncryptionConfig `toml:"encryption"`
	Transport  TransportConfig  `toml:"transport"`
	Auth       AuthConfig       `toml:"auth"`
	Capture    CaptureConfig    `toml:"capture"`
	Cache      CacheConfig      `toml:"cache"`
	Queue      QueueConfig      `toml:"queue"`
	Sync       SyncConfig       `toml:"sync"`
}

// StorageConfig selects the local byte store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type    string `toml:"type"`               // "sqlite", "filesystem" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // used for type=sqlite and type=filesystem
}

// EncryptionConfig selects the cipher used for sensitive cache keys.
type EncryptionConfig struct {
	Type string `toml:"type"` // "aesgcm" (default) or "test"
}

// TransportConfig selects how records reach the remote service.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TransportConfig struct {
	Type    string   `toml:"type"` // "http" (default), "s3", "filesystem" or "memory"
	Timeout Duration `toml:"timeout,omitempty"`

	// HTTP-specific fields (only used when Type == "http")
	BaseURL string `toml:"base_url,omitempty"`

	// Filesystem-specific fields (only used when Type == "filesystem")
	OutboxDir string `toml:"outbox_dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// AuthConfig controls the token lifecycle.
type AuthConfig struct {
	Enabled       bool     `toml:"enabled"`
	Username      string   `toml:"username,omitempty"`
	RefreshMargin Duration `toml:"refresh_margin,omitempty"`
}

// CaptureConfig tunes extraction and submission.
// Fetcher is a tagged union: BrowserURL is only used when Fetcher == "browser".
type CaptureConfig struct {
	SecurityLevel        string   `toml:"security_level"`
	ExtractionTimeout    Duration `toml:"extraction_timeout,omitempty"`
	SubmitTimeout        Duration `toml:"submit_timeout,omitempty"`
	CompressionThreshold int      `toml:"compression_threshold,omitempty"`
	HistorySize          int      `toml:"history_size,omitempty"`
	Fetcher              string   `toml:"fetcher"` // "http" (default), "browser" or "none"
	BrowserURL           string   `toml:"browser_url,omitempty"`
	UserAgent            string   `toml:"user_agent,omitempty"`
}

// CacheConfig bounds the local capture cache.
type CacheConfig struct {
	TTL     Duration `toml:"ttl,omitempty"`
	MaxSize int      `toml:"max_size,omitempty"`
}

// QueueConfig tunes retry behaviour of the submission queue.
type QueueConfig struct {
	MaxAttempts int      `toml:"max_attempts,omitempty"`
	BatchSize   int      `toml:"batch_size,omitempty"`
	BaseDelay   Duration `toml:"base_delay,omitempty"`
	MaxDelay    Duration `toml:"max_delay,omitempty"`
	MaxFailed   int      `toml:"max_failed,omitempty"`
}

// SyncConfig sets the scheduler period and the connectivity probe period.
type SyncConfig struct {
	Interval      Duration `toml:"interval,omitempty"`
	ProbeInterval Duration `toml:"probe_interval,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Storage: StorageConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Encryption: EncryptionConfig{
			Type: "aesgcm",
		},
		Transport: TransportConfig{
			Type:    "http",
			BaseURL: "http://localhost:8080",
			Timeout: D(30 * time.Second),
		},
		Auth: AuthConfig{
			Enabled:       true,
			RefreshMargin: D(5 * time.Minute),
		},
		Capture: CaptureConfig{
			SecurityLevel:     "moderate",
			ExtractionTimeout: D(30 * time.Second),
			SubmitTimeout:     D(30 * time.Second),
			Fetcher:           "http",
		},
		Cache: CacheConfig{
			TTL:     D(24 * time.Hour),
			MaxSize: 50,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			BatchSize:   5,
			BaseDelay:   D(5 * time.Second),
			MaxDelay:    D(5 * time.Minute),
		},
		Sync: SyncConfig{
			Interval:      D(5 * time.Minute),
			ProbeInterval: D(30 * time.Second),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path and applies
// environment overrides.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The config may carry S3 secrets.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
