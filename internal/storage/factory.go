package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"capsync/internal/capsync"
	"capsync/internal/config"
)

// NewStoreFromConfig creates a ByteStore implementation based on the storage config type.
func NewStoreFromConfig(cfg config.StorageConfig, deviceID string, logger capsync.Logger) (capsync.ByteStore, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite storage")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, deviceID+".db"), nil)
	case "filesystem":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for filesystem storage")
		}
		return NewFileSystemStore(filepath.Join(cfg.DataDir, "kv"), logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
