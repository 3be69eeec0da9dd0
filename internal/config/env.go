package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are settings that can be overridden per invocation with
// CAPSYNC_-prefixed environment variables, e.g. CAPSYNC_TRANSPORT_BASE_URL.
type envOverrides struct {
	LogDir        string   `envconfig:"LOG_DIR"`
	LogLevel      string   `envconfig:"LOG_LEVEL"`
	StorageType   string   `envconfig:"STORAGE_TYPE"`
	DataDir       string   `envconfig:"DATA_DIR"`
	TransportType string   `envconfig:"TRANSPORT_TYPE"`
	BaseURL       string   `envconfig:"TRANSPORT_BASE_URL"`
	S3Bucket      string   `envconfig:"S3_BUCKET"`
	S3Region      string   `envconfig:"S3_REGION"`
	Username      string   `envconfig:"USERNAME"`
	SecurityLevel string   `envconfig:"SECURITY_LEVEL"`
	SyncInterval  Duration `envconfig:"SYNC_INTERVAL"`
	AuthEnabled   *bool    `envconfig:"AUTH_ENABLED"`
}

// ApplyEnv overlays CAPSYNC_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process("CAPSYNC", &o); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.LogDir, o.LogDir)
	set(&cfg.LogLevel, o.LogLevel)
	set(&cfg.Storage.Type, o.StorageType)
	set(&cfg.Storage.DataDir, o.DataDir)
	set(&cfg.Transport.Type, o.TransportType)
	set(&cfg.Transport.BaseURL, o.BaseURL)
	set(&cfg.Transport.S3Bucket, o.S3Bucket)
	set(&cfg.Transport.S3Region, o.S3Region)
	set(&cfg.Auth.Username, o.Username)
	set(&cfg.Capture.SecurityLevel, o.SecurityLevel)
	if o.SyncInterval.Duration > 0 {
		cfg.Sync.Interval = o.SyncInterval
	}
	if o.AuthEnabled != nil {
		cfg.Auth.Enabled = *o.AuthEnabled
	}
	return nil
}
