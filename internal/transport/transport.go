// Package transport provides the ways records reach the remote service:
// an HTTP API, an S3 bucket, a local outbox directory and an in-memory
// service for tests.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"capsync/internal/capsync"
)

// sink is a store-only destination for captures. Sinks address content by
// its checksum, so re-sending a record is idempotent.
type sink interface {
	putCapture(ctx context.Context, checksum string, body []byte) error
	ping(ctx context.Context) error
}

// serveSink answers a request against a sink. Only capture submission and
// the health check are supported; auth endpoints answer 404 since sinks
// have no notion of a session.
func serveSink(ctx context.Context, s sink, req *capsync.Request) (*capsync.Response, error) {
	switch {
	case req.Method == http.MethodPost && req.Path == capsync.PathCaptures:
		sum := checksum(req.Body)
		if err := s.putCapture(ctx, sum, req.Body); err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusCreated, capsync.SubmitResponse{ID: sum[:16]})
	case req.Method == http.MethodGet && req.Path == capsync.PathHealth:
		if err := s.ping(ctx); err != nil {
			return nil, err
		}
		return &capsync.Response{Status: http.StatusOK}, nil
	default:
		return nil, &capsync.HTTPError{Status: http.StatusNotFound, Body: fmt.Sprintf("%s %s is not supported", req.Method, req.Path)}
	}
}

// checksum returns the SHA-256 of data as a lowercase hex string.
func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func jsonResponse(status int, v any) (*capsync.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &capsync.Response{Status: status, Body: body}, nil
}
