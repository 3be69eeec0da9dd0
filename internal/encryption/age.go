package encryption

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// ExportArchive encrypts data to w with age's scrypt-based passphrase
// encryption. Exports leave the device, so they are not tied to the device
// key like the local store.
func ExportArchive(w io.Writer, passphrase string, data []byte) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := io.Copy(encWriter, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("encrypting archive: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return nil
}

// OpenArchive decrypts an archive written by ExportArchive.
func OpenArchive(r io.Reader, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting archive: %w", err)
	}

	data, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted archive: %w", err)
	}
	return data, nil
}
