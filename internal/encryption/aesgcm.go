package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"capsync/internal/capsync"
)

// Key derivation parameters. Changing any of them makes previously stored
// ciphertext unreadable.
const (
	KeyIterations = 100_000
	keySize       = 32
	nonceSize     = 12
)

// appSalt is the fixed application salt mixed into the device secret.
var appSalt = []byte("capsync/cryptostore/v1")

// CryptoStore implements capsync.Cipher with AES-256-GCM under a key
// derived from a device-bound identifier. The key is derived lazily, once.
// Ciphertext layout: nonce (12 bytes) || sealed data.
type CryptoStore struct {
	deviceID string

	once sync.Once
	aead cipher.AEAD
	err  error
}

var _ capsync.Cipher = (*CryptoStore)(nil)

// NewCryptoStore creates a CryptoStore for the given device identifier.
func NewCryptoStore(deviceID string) (*CryptoStore, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required for key derivation")
	}
	return &CryptoStore{deviceID: deviceID}, nil
}

func (c *CryptoStore) init() (cipher.AEAD, error) {
	c.once.Do(func() {
		key := pbkdf2.Key([]byte(c.deviceID), appSalt, KeyIterations, keySize, sha256.New)
		block, err := aes.NewCipher(key)
		if err != nil {
			c.err = fmt.Errorf("creating block cipher: %w", err)
			return
		}
		c.aead, c.err = cipher.NewGCM(block)
	})
	return c.aead, c.err
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *CryptoStore) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := c.init()
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *CryptoStore) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := c.init()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, &capsync.DecryptionError{Err: errors.New("ciphertext too short")}
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, &capsync.DecryptionError{Err: err}
	}
	return plaintext, nil
}
