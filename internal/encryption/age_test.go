package encryption

import (
	"bytes"
	"testing"
)

func TestExportArchive_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "json", input: []byte(`[{"submission":{"attempts":3},"reason":"http 503"}]`)},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var archive bytes.Buffer
			if err := ExportArchive(&archive, "test-passphrase", tt.input); err != nil {
				t.Fatalf("ExportArchive() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(archive.Bytes(), tt.input) {
				t.Fatal("archive contains plaintext")
			}

			got, err := OpenArchive(&archive, "test-passphrase")
			if err != nil {
				t.Fatalf("OpenArchive() error = %v", err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(tt.input))
			}
		})
	}
}

func TestOpenArchive_WrongPassphrase(t *testing.T) {
	t.Parallel()

	var archive bytes.Buffer
	if err := ExportArchive(&archive, "correct-passphrase", []byte("secret")); err != nil {
		t.Fatalf("ExportArchive() error = %v", err)
	}

	if _, err := OpenArchive(&archive, "wrong-passphrase"); err == nil {
		t.Error("OpenArchive() with wrong passphrase succeeded, want error")
	}
}
