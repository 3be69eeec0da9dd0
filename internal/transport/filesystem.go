package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"capsync/internal/capsync"
)

// FileSystemTransport delivers captures into a local outbox directory,
// one file per capture named by its checksum:
//
//	<root>/
//	  captures/
//	    <checksum>.json
//
// It suits air-gapped setups where another process ships the outbox.
type FileSystemTransport struct {
	root       string
	captureDir string
}

// NewFileSystemTransport creates the outbox rooted at root.
func NewFileSystemTransport(root string) (*FileSystemTransport, error) {
	captureDir := filepath.Join(root, "captures")
	if err := os.MkdirAll(captureDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &FileSystemTransport{root: root, captureDir: captureDir}, nil
}

// Do serves the request from the outbox.
func (t *FileSystemTransport) Do(ctx context.Context, req *capsync.Request) (*capsync.Response, error) {
	return serveSink(ctx, t, req)
}

// putCapture stores body under its checksum. Storing the same checksum
// twice is a no-op.
func (t *FileSystemTransport) putCapture(_ context.Context, sum string, body []byte) error {
	destPath := filepath.Join(t.captureDir, sum+".json")
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	if err := writeFile(destPath, bytes.NewReader(body), int64(len(body))); err != nil {
		return &capsync.NetworkError{Op: "write outbox", Err: err}
	}
	return nil
}

// ping verifies that the outbox directory is accessible.
func (t *FileSystemTransport) ping(context.Context) error {
	info, err := os.Stat(t.captureDir)
	if err != nil {
		return &capsync.NetworkError{Op: "stat outbox", Err: err}
	}
	if !info.IsDir() {
		return &capsync.NetworkError{Op: "stat outbox", Err: fmt.Errorf("outbox path is not a directory: %s", t.captureDir)}
	}
	return nil
}

// Captures lists the checksums currently in the outbox.
func (t *FileSystemTransport) Captures() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(t.captureDir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = filepath.Base(m[:len(m)-len(".json")])
	}
	return out, nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ capsync.Transport = (*FileSystemTransport)(nil)
