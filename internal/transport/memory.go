package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"capsync/internal/capsync"
)

// MemoryTransport is an in-process stand-in for the remote service. It
// accepts captures, issues and refreshes tokens and can be scripted to
// fail. This implementation is safe for concurrent use.
type MemoryTransport struct {
	clock    capsync.Clock
	tokenTTL time.Duration
	// RequireAuth rejects capture submissions without a live token.
	RequireAuth bool

	mu       sync.Mutex
	captures map[string][]byte // checksum -> body
	tokens   map[string]bool   // live access tokens
	refresh  map[string]bool   // live refresh tokens
	issued   int
	failures map[string][]error // path -> scripted errors
	requests []capsync.Request
}

// NewMemoryTransport creates an empty in-memory service issuing tokens that
// live for tokenTTL.
func NewMemoryTransport(clock capsync.Clock, tokenTTL time.Duration) *MemoryTransport {
	return &MemoryTransport{
		clock:    clock,
		tokenTTL: tokenTTL,
		captures: make(map[string][]byte),
		tokens:   make(map[string]bool),
		refresh:  make(map[string]bool),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next len(errs) requests to path fail with errs, in
// order. A nil entry lets that request through.
func (m *MemoryTransport) FailNext(path string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], errs...)
}

// Revoke invalidates every access token, as a server-side session expiry
// would.
func (m *MemoryTransport) Revoke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.tokens)
}

// Requests returns a copy of every request received.
func (m *MemoryTransport) Requests() []capsync.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capsync.Request(nil), m.requests...)
}

// Captures returns the stored capture bodies.
func (m *MemoryTransport) Captures() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.captures))
	for _, b := range m.captures {
		out = append(out, b)
	}
	return out
}

// Do serves req.
func (m *MemoryTransport) Do(ctx context.Context, req *capsync.Request) (*capsync.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &capsync.NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, *req)
	if errs := m.failures[req.Path]; len(errs) > 0 {
		m.failures[req.Path] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}

	switch {
	case req.Method == http.MethodPost && req.Path == capsync.PathLogin:
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil || body.Username == "" || body.Password == "" {
			return nil, &capsync.HTTPError{Status: http.StatusUnauthorized, Body: "invalid credentials"}
		}
		return m.issueLocked()

	case req.Method == http.MethodPost && req.Path == capsync.PathRefresh:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil || !m.refresh[body.RefreshToken] {
			return nil, &capsync.HTTPError{Status: http.StatusUnauthorized, Body: "invalid refresh token"}
		}
		delete(m.refresh, body.RefreshToken)
		return m.issueLocked()

	case req.Method == http.MethodPost && req.Path == capsync.PathCaptures:
		if m.RequireAuth && !m.tokens[req.AuthToken] {
			return nil, &capsync.HTTPError{Status: http.StatusUnauthorized, Body: "token expired"}
		}
		sum := checksum(req.Body)
		m.captures[sum] = append([]byte(nil), req.Body...)
		return jsonResponse(http.StatusCreated, capsync.SubmitResponse{ID: sum[:16]})

	case req.Method == http.MethodGet && req.Path == capsync.PathHealth:
		return &capsync.Response{Status: http.StatusOK}, nil

	default:
		return nil, &capsync.HTTPError{Status: http.StatusNotFound}
	}
}

func (m *MemoryTransport) issueLocked() (*capsync.Response, error) {
	m.issued++
	cred := capsync.Credential{
		Token:        fmt.Sprintf("access-%d", m.issued),
		RefreshToken: fmt.Sprintf("refresh-%d", m.issued),
		ExpiresAt:    m.clock.Now().Add(m.tokenTTL),
	}
	m.tokens[cred.Token] = true
	m.refresh[cred.RefreshToken] = true
	return jsonResponse(http.StatusOK, cred)
}

var _ capsync.Transport = (*MemoryTransport)(nil)
