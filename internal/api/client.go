// Package api is the typed client for the remote intelligence service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"capsync/internal/capsync"
)

// TokenSource supplies bearer tokens and reacts to rejected ones.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	OnUnauthorized(ctx context.Context, staleToken string) (string, error)
	ForceLogout(ctx context.Context, reason string) error
}

// Client submits records over a Transport. With a nil TokenSource requests
// are sent unauthenticated.
type Client struct {
	transport capsync.Transport
	tokens    TokenSource
	logger    capsync.Logger
	clock     capsync.Clock
}

// NewClient creates a Client.
func NewClient(transport capsync.Transport, tokens TokenSource, logger capsync.Logger, clock capsync.Clock) *Client {
	return &Client{transport: transport, tokens: tokens, logger: logger, clock: clock}
}

var _ capsync.Submitter = (*Client)(nil)

// Submit posts record. A 401 triggers one refresh and one replay; a second
// 401 ends the session and returns *capsync.AuthError.
func (c *Client) Submit(ctx context.Context, record capsync.CaptureRecord) (*capsync.Receipt, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	resp, err := c.authorized(ctx, &capsync.Request{
		Method: http.MethodPost,
		Path:   capsync.PathCaptures,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var sr capsync.SubmitResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &sr); err != nil {
			return nil, fmt.Errorf("decoding submit response: %w", err)
		}
	}
	return &capsync.Receipt{
		RecordID:    record.ID,
		RemoteID:    sr.ID,
		SubmittedAt: c.clock.Now(),
	}, nil
}

// Ping probes the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Do(ctx, &capsync.Request{Method: http.MethodGet, Path: capsync.PathHealth})
	return err
}

func (c *Client) authorized(ctx context.Context, req *capsync.Request) (*capsync.Response, error) {
	if c.tokens == nil {
		return c.transport.Do(ctx, req)
	}

	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}
	req.AuthToken = token

	resp, err := c.transport.Do(ctx, req)
	if !capsync.IsUnauthorized(err) {
		return resp, err
	}

	c.logger.Info("request unauthorized, refreshing token", "path", req.Path)
	token, err = c.tokens.OnUnauthorized(ctx, token)
	if err != nil {
		return nil, err
	}
	req.AuthToken = token

	resp, err = c.transport.Do(ctx, req)
	if !capsync.IsUnauthorized(err) {
		return resp, err
	}

	if lerr := c.tokens.ForceLogout(ctx, "rejected after refresh"); lerr != nil {
		c.logger.Error("failed to clear session", "error", lerr)
	}
	return nil, &capsync.AuthError{Reason: "rejected after refresh", Err: err}
}
