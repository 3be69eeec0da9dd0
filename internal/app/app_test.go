package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capsync/internal/config"
	"capsync/internal/queue"
	"capsync/internal/transport"
)

const articleHTML = `<!doctype html>
<html lang="en">
<head>
  <title>Why Go</title>
  <meta name="description" content="An overview of the Go language">
</head>
<body>
  <nav>Home | Blog | About</nav>
  <article>
    <h1>Why Go</h1>
    <p>Go is an open source programming language that makes it simple to build secure, scalable systems.</p>
    <p>It was designed at Google to improve programming productivity in an era of multicore machines.</p>
  </article>
</body>
</html>`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("device-test", base)
	cfg.Storage.Type = "memory"
	cfg.Encryption.Type = "test"
	cfg.Transport.Type = "memory"
	cfg.Capture.Fetcher = "none"
	cfg.LogLevel = "error"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *CapsyncApp {
	t.Helper()
	a, err := NewCapsyncApp(context.Background(), cfg, operation, "")
	if err != nil {
		t.Fatalf("NewCapsyncApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func writeArticle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte(articleHTML), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApp_CaptureAndSubmit(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), OpCapture)

	if err := a.Login(ctx, "gopher", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	record, res, err := a.Capture(ctx, CaptureRequest{URL: "https://go.dev/why", HTMLPath: writeArticle(t)})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if record.Metadata.Title != "Why Go" {
		t.Errorf("Title = %q", record.Metadata.Title)
	}
	if res == nil || res.Queued || res.Receipt == nil || res.Receipt.RemoteID == "" {
		t.Fatalf("result = %+v, want delivered receipt", res)
	}

	status, err := a.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Auth != "authenticated" || !status.Online || status.Pending != 0 || status.Cached != 1 {
		t.Errorf("status = %+v", status)
	}

	a.Finish(ctx, nil)
	history, err := a.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Name != OpCapture || history[0].Status != "success" {
		t.Errorf("history = %+v", history)
	}
}

func TestApp_CaptureWithoutSubmit(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), OpCapture)

	record, res, err := a.Capture(ctx, CaptureRequest{URL: "https://go.dev/why", HTMLPath: writeArticle(t), NoSubmit: true, SecurityLevel: "strict"})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if record.SecurityLevel != "strict" {
		t.Errorf("SecurityLevel = %q", record.SecurityLevel)
	}
	captures, err := a.Captures(ctx)
	if err != nil || len(captures) != 1 {
		t.Errorf("captures = %d, err = %v", len(captures), err)
	}
}

func TestApp_CaptureRejectsUnknownLevel(t *testing.T) {
	a := newTestApp(t, testConfig(t), OpCapture)
	if _, _, err := a.Capture(context.Background(), CaptureRequest{URL: "https://go.dev", SecurityLevel: "paranoid"}); err == nil {
		t.Error("expected error for unknown security level")
	}
}

func TestApp_UnauthenticatedSubmissionIsQueued(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), OpCapture)

	_, res, err := a.Capture(ctx, CaptureRequest{URL: "https://go.dev/why", HTMLPath: writeArticle(t)})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res == nil || !res.Queued {
		t.Fatalf("result = %+v, want queued", res)
	}

	pending, err := a.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, err = %v", len(pending), err)
	}

	// A cycle while still logged out leaves the item untouched.
	report, err := a.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if report.Drain.Delivered != 0 {
		t.Errorf("report = %+v", report.Drain)
	}

	if err := a.Login(ctx, "gopher", "secret"); err != nil {
		t.Fatal(err)
	}
	report, err = a.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if report.Drain.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", report.Drain.Delivered)
	}
	if n, _ := a.queue.Len(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestApp_AuthDisabledForArchiveTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Type = "filesystem"
	cfg.Transport.OutboxDir = filepath.Join(t.TempDir(), "outbox")
	a := newTestApp(t, cfg, OpLogin)

	if err := a.Login(context.Background(), "gopher", "secret"); err == nil {
		t.Error("Login() succeeded with auth unsupported")
	}
	status, err := a.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Auth != "disabled" {
		t.Errorf("Auth = %q", status.Auth)
	}
}

func TestApp_ExportFailed(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), OpQueueExport)

	if _, _, err := a.Capture(ctx, CaptureRequest{URL: "https://go.dev/why", HTMLPath: writeArticle(t)}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "export.age")
	n, err := a.ExportFailed(ctx, path, "correct horse", true)
	if err != nil {
		t.Fatalf("ExportFailed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("exported %d items, want 1 pending", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	exp, err := queue.ReadExport(f, "correct horse")
	if err != nil {
		t.Fatalf("ReadExport() error = %v", err)
	}
	if len(exp.Pending) != 1 || len(exp.Failed) != 0 {
		t.Errorf("export = %+v", exp)
	}

	if _, err := a.ExportFailed(ctx, path, "again", false); err == nil {
		t.Error("ExportFailed() overwrote an existing file")
	}
}

func TestApp_RunDaemonStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Interval = config.D(time.Hour)
	a := newTestApp(t, cfg, OpSyncDaemon)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunDaemon(ctx, DaemonOptions{}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaemon() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunDaemon did not return after cancel")
	}
}

func TestApp_DaemonDrainsWorkQueuedByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Type = "filesystem"
	cfg.Transport.Type = "filesystem"
	cfg.Transport.OutboxDir = filepath.Join(t.TempDir(), "outbox")
	cfg.Sync.Interval = config.D(time.Hour)
	cfg.Sync.ProbeInterval = config.D(time.Hour)

	daemon := newTestApp(t, cfg, OpSyncDaemon)
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- daemon.RunDaemon(dctx, DaemonOptions{}) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, func() bool { return syncCycles(t, daemon) >= 1 })

	// A second process captures while offline and queues the record.
	other := newTestApp(t, cfg, OpCapture)
	record, _, err := other.Capture(ctx, CaptureRequest{URL: "https://go.dev/why", HTMLPath: writeArticle(t), NoSubmit: true})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if _, err := other.queue.Enqueue(ctx, record, errors.New("offline")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	outbox, err := transport.NewFileSystemTransport(cfg.Transport.OutboxDir)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		sums, err := outbox.Captures()
		return err == nil && len(sums) == 1
	})
	eventually(t, func() bool {
		pending, err := other.Pending(ctx)
		return err == nil && len(pending) == 0
	})
}

// syncCycles reports how many sync cycles a has counted.
func syncCycles(t *testing.T, a *CapsyncApp) float64 {
	t.Helper()
	families, err := a.registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var n float64
	for _, f := range families {
		if f.GetName() != "capsync_sync_cycles_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			n += m.GetCounter().GetValue()
		}
	}
	return n
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewCapsyncApp_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"unknown storage", func(c *config.Config) { c.Storage.Type = "tape" }},
		{"unknown transport", func(c *config.Config) { c.Transport.Type = "pigeon" }},
		{"unknown fetcher", func(c *config.Config) { c.Capture.Fetcher = "telepathy" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := NewCapsyncApp(context.Background(), cfg, OpStatus, ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}
