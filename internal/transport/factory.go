package transport

import (
	"context"
	"fmt"
	"time"

	"capsync/internal/capsync"
	"capsync/internal/config"
)

// NewTransportFromConfig creates a Transport based on the transport config type.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig, userAgent string, clock capsync.Clock) (capsync.Transport, error) {
	switch cfg.Type {
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http transport requires base_url to be set")
		}
		timeout := cfg.Timeout.Duration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return NewHTTPTransport(cfg.BaseURL, timeout, userAgent), nil
	case "s3":
		return NewS3Transport(ctx, cfg)
	case "filesystem":
		if cfg.OutboxDir == "" {
			return nil, fmt.Errorf("filesystem transport requires outbox_dir to be set")
		}
		return NewFileSystemTransport(cfg.OutboxDir)
	case "memory":
		return NewMemoryTransport(clock, time.Hour), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
