package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"capsync/internal/capsync"
)

// AuthClient calls the login and refresh endpoints.
type AuthClient struct {
	transport capsync.Transport
}

// NewAuthClient creates an AuthClient.
func NewAuthClient(transport capsync.Transport) *AuthClient {
	return &AuthClient{transport: transport}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login exchanges user credentials for a session credential.
func (a *AuthClient) Login(ctx context.Context, creds capsync.Credentials) (*capsync.Credential, error) {
	return a.post(ctx, capsync.PathLogin, loginRequest{Username: creds.Username, Password: creds.Password})
}

// Refresh exchanges a refresh token for a new credential.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*capsync.Credential, error) {
	return a.post(ctx, capsync.PathRefresh, refreshRequest{RefreshToken: refreshToken})
}

func (a *AuthClient) post(ctx context.Context, path string, v any) (*capsync.Credential, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	resp, err := a.transport.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return nil, err
	}
	var cred capsync.Credential
	if err := json.Unmarshal(resp.Body, &cred); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &cred, nil
}
