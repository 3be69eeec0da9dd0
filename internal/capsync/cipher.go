package capsync

// Cipher encrypts opaque byte blobs. Implementations have no knowledge of
// what they encrypt.
type Cipher interface {
	// Encrypt returns a fresh ciphertext; encrypting the same plaintext
	// twice yields different output.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Tampered input or a key mismatch returns a
	// *DecryptionError, never partial or garbage plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)
}
