package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"capsync/internal/capsync"
	"capsync/internal/config"
	"capsync/internal/testutil"
)

func TestHTTPTransport_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case capsync.PathCaptures:
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"id":"r1"`) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"remote-1"}`))
		case capsync.PathHealth:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(strings.Repeat("x", 2000)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, 5*time.Second, "capsync-test")
	ctx := context.Background()

	resp, err := tr.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathCaptures, Body: []byte(`{"id":"r1"}`), AuthToken: "tok"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"id":"remote-1"}` {
		t.Errorf("resp = %d %s", resp.Status, resp.Body)
	}

	_, err = tr.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathCaptures, Body: []byte(`{}`), AuthToken: "stale"})
	if !capsync.IsUnauthorized(err) {
		t.Errorf("expected 401, got %v", err)
	}

	_, err = tr.Do(ctx, &capsync.Request{Method: http.MethodGet, Path: capsync.PathHealth})
	var herr *capsync.HTTPError
	if !errors.As(err, &herr) || herr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 HTTPError, got %v", err)
	}
	if len(herr.Body) > maxErrorBody {
		t.Errorf("error body not truncated: %d bytes", len(herr.Body))
	}
	if !capsync.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(url, time.Second, "")
	_, err := tr.Do(context.Background(), &capsync.Request{Method: http.MethodGet, Path: capsync.PathHealth})
	var nerr *capsync.NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if capsync.Classify(err) != capsync.ClassRetryable {
		t.Error("network errors should be retryable")
	}
}

func TestMemoryTransport_AuthFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTransport(testutil.FixedClock(), time.Hour)
	m.RequireAuth = true

	_, err := m.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathLogin, Body: []byte(`{"username":"ada"}`)})
	if !capsync.IsUnauthorized(err) {
		t.Fatalf("login without password: %v", err)
	}

	resp, err := m.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathLogin, Body: []byte(`{"username":"ada","password":"pw"}`)})
	if err != nil {
		t.Fatal(err)
	}
	var cred capsync.Credential
	if err := json.Unmarshal(resp.Body, &cred); err != nil {
		t.Fatal(err)
	}
	if cred.Token == "" || cred.RefreshToken == "" || cred.ExpiresAt.IsZero() {
		t.Fatalf("cred = %+v", cred)
	}

	submit := &capsync.Request{Method: http.MethodPost, Path: capsync.PathCaptures, Body: []byte(`{"id":"r1"}`), AuthToken: cred.Token}
	if _, err := m.Do(ctx, submit); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.Revoke()
	if _, err := m.Do(ctx, submit); !capsync.IsUnauthorized(err) {
		t.Fatalf("submit after revoke: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	if _, err := m.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathRefresh, Body: body}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// Refresh tokens are single use.
	if _, err := m.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathRefresh, Body: body}); !capsync.IsUnauthorized(err) {
		t.Fatalf("second refresh: %v", err)
	}
}

func TestMemoryTransport_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTransport(testutil.FixedClock(), time.Hour)
	boom := &capsync.HTTPError{Status: 500}
	m.FailNext(capsync.PathCaptures, boom, nil, boom)

	req := &capsync.Request{Method: http.MethodPost, Path: capsync.PathCaptures, Body: []byte(`{}`)}
	var got []bool
	for range 4 {
		_, err := m.Do(ctx, req)
		got = append(got, err == nil)
	}
	want := []bool{false, true, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d succeeded = %v, want %v", i, got[i], want[i])
		}
	}
	if len(m.Captures()) != 1 {
		t.Errorf("captures = %d, want 1 (same body is content-addressed)", len(m.Captures()))
	}
	if len(m.Requests()) != 4 {
		t.Errorf("requests = %d, want 4", len(m.Requests()))
	}
}

func TestFileSystemTransport(t *testing.T) {
	ctx := context.Background()
	tr, err := NewFileSystemTransport(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	req := &capsync.Request{Method: http.MethodPost, Path: capsync.PathCaptures, Body: []byte(`{"id":"r1"}`)}
	resp, err := tr.Do(ctx, req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var sr capsync.SubmitResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil || sr.ID == "" {
		t.Fatalf("response = %s, %v", resp.Body, err)
	}

	// Idempotent.
	if _, err := tr.Do(ctx, req); err != nil {
		t.Fatal(err)
	}
	sums, err := tr.Captures()
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0] != checksum(req.Body) {
		t.Errorf("captures = %v", sums)
	}

	if _, err := tr.Do(ctx, &capsync.Request{Method: http.MethodGet, Path: capsync.PathHealth}); err != nil {
		t.Errorf("health: %v", err)
	}

	_, err = tr.Do(ctx, &capsync.Request{Method: http.MethodPost, Path: capsync.PathLogin})
	var herr *capsync.HTTPError
	if !errors.As(err, &herr) || herr.Status != http.StatusNotFound {
		t.Errorf("login on outbox: %v", err)
	}
}

type statusErr struct{ status int }

func (e statusErr) Error() string       { return "api error" }
func (e statusErr) HTTPStatusCode() int { return e.status }

func TestS3Error(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class capsync.ErrorClass
	}{
		{"forbidden", statusErr{403}, capsync.ClassPermanent},
		{"throttled", statusErr{503}, capsync.ClassRetryable},
		{"dial failure", errors.New("dial tcp: connection refused"), capsync.ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := capsync.Classify(s3Error("op", tt.err)); got != tt.class {
				t.Errorf("Classify() = %v, want %v", got, tt.class)
			}
		})
	}
}

func TestNewTransportFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TransportConfig
		wantErr bool
	}{
		{name: "http", cfg: config.TransportConfig{Type: "http", BaseURL: "http://localhost:8080"}},
		{name: "http without base url", cfg: config.TransportConfig{Type: "http"}, wantErr: true},
		{name: "memory", cfg: config.TransportConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.TransportConfig{Type: "filesystem", OutboxDir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.TransportConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.TransportConfig{Type: "s3"}, wantErr: true},
		{
			name: "s3",
			cfg: config.TransportConfig{
				Type:              "s3",
				S3Bucket:          "captures",
				S3Region:          "us-east-1",
				S3Endpoint:        "http://localhost:9000",
				S3AccessKeyID:     "id",
				S3SecretAccessKey: "secret",
			},
		},
		{name: "unknown", cfg: config.TransportConfig{Type: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTransportFromConfig(context.Background(), tt.cfg, "capsync-test", testutil.FixedClock())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransportFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewTransportFromConfig() returned nil transport")
			}
		})
	}
}
