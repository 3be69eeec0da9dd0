package encryption

import (
	"fmt"

	"capsync/internal/capsync"
	"capsync/internal/config"
)

// NewCipherFromConfig creates a Cipher based on the configuration type.
func NewCipherFromConfig(cfg config.EncryptionConfig, deviceID string) (capsync.Cipher, error) {
	switch cfg.Type {
	case "aesgcm", "":
		return NewCryptoStore(deviceID)
	case "test":
		return NewTestCipher(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
