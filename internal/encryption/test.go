package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"capsync/internal/capsync"
)

// testHeader is prepended by TestCipher so that stored output differs
// from plaintext while staying deterministic and reversible.
var testHeader = []byte("CSENC\x00\x00\x00")

// TestCipher is a fast, deterministic cipher for tests. It frames the
// plaintext with a fixed header and a CRC32 trailer, so tampering is still
// detected and reported as a *capsync.DecryptionError.
type TestCipher struct{}

var _ capsync.Cipher = (*TestCipher)(nil)

// NewTestCipher creates a new TestCipher.
func NewTestCipher() *TestCipher {
	return &TestCipher{}
}

func (TestCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plaintext)+4)
	out = append(out, testHeader...)
	out = append(out, plaintext...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(plaintext)), nil
}

func (TestCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < len(testHeader)+4 || !bytes.HasPrefix(ciphertext, testHeader) {
		return nil, &capsync.DecryptionError{Err: errors.New("invalid test cipher header")}
	}
	body := ciphertext[len(testHeader) : len(ciphertext)-4]
	sum := binary.BigEndian.Uint32(ciphertext[len(ciphertext)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, &capsync.DecryptionError{Err: errors.New("checksum mismatch")}
	}
	return append([]byte(nil), body...), nil
}
