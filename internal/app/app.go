package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"capsync/internal/api"
	"capsync/internal/auth"
	"capsync/internal/cache"
	"capsync/internal/capsync"
	"capsync/internal/config"
	"capsync/internal/encryption"
	"capsync/internal/extract"
	"capsync/internal/queue"
	"capsync/internal/scheduler"
	"capsync/internal/storage"
	"capsync/internal/transport"
)

// Cache keys owned by the app layer.
const (
	CapturesKey = "captures:recent"
	HistoryKey  = "ops:history"
)

const (
	userAgent      = "capsync/1.0"
	probeTimeout   = 10 * time.Second
	historyTTL     = 30 * 24 * time.Hour
	historyMaxSize = 100
)

// CapsyncApp is the application layer between the CLI and the capture
// service. It constructs all dependencies from config, exposes high-level
// operations that accept raw strings, and releases resources on Close.
type CapsyncApp struct {
	cfg       *config.Config
	clock     capsync.Clock
	logger    capsync.Logger
	bytes     capsync.ByteStore
	store     *cache.Store
	captures  *cache.RecordCache
	history   *cache.Collection[Operation]
	queue     *queue.Queue
	auth      *auth.Manager // nil when auth is disabled
	client    *api.Client
	engine    *capsync.CaptureEngine
	service   *capsync.Service
	monitor   *scheduler.Monitor
	scheduler *scheduler.Scheduler
	registry  *prometheus.Registry
	extractor io.Closer
	op        *Operation
	logFile   *os.File
}

// NewCapsyncApp creates a fully wired CapsyncApp from the given config.
// operation identifies the CLI command being run (e.g. OpCapture).
// The caller must call Close when done.
func NewCapsyncApp(ctx context.Context, cfg *config.Config, operation, parameters string) (_ *CapsyncApp, err error) {
	clock := capsync.RealClock{}
	op := NewOperation(operation, parameters, clock.Now())

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	sl, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a := &CapsyncApp{cfg: cfg, clock: clock, logger: logger, op: op, logFile: logFile}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.bytes, err = storage.NewStoreFromConfig(cfg.Storage, cfg.DeviceID, logger)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	cipher, err := encryption.NewCipherFromConfig(cfg.Encryption, cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	a.store = cache.NewStore(a.bytes, cipher, logger, queue.KeyPrefix, auth.KeyPrefix, CapturesKey)
	a.captures = cache.NewRecordCache(cache.NewCollection[capsync.CaptureRecord](
		a.store, CapturesKey, cfg.Cache.TTL.Duration, cfg.Cache.MaxSize, clock))
	a.history = cache.NewCollection[Operation](a.store, HistoryKey, historyTTL, historyMaxSize, clock)

	a.queue = queue.New(a.store, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BatchSize:   cfg.Queue.BatchSize,
		BaseDelay:   cfg.Queue.BaseDelay.Duration,
		MaxDelay:    cfg.Queue.MaxDelay.Duration,
		MaxFailed:   cfg.Queue.MaxFailed,
	}, logger, clock)

	tr, err := transport.NewTransportFromConfig(ctx, cfg.Transport, userAgent, clock)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	// A nil *auth.Manager must not end up inside the interface.
	var tokens api.TokenSource
	if authSupported(cfg) {
		a.auth = auth.NewManager(api.NewAuthClient(tr), a.store, auth.Options{
			RefreshMargin: cfg.Auth.RefreshMargin.Duration,
			DisableTimer:  !op.LongRunning(),
		}, logger, clock)
		if _, err := a.auth.Restore(ctx); err != nil {
			return nil, fmt.Errorf("restoring session: %w", err)
		}
		tokens = a.auth
	} else if cfg.Auth.Enabled {
		logger.Warn("auth is not supported by this transport; sending unauthenticated", "transport", cfg.Transport.Type)
	}
	a.client = api.NewClient(tr, tokens, logger, clock)

	extractor, closer, err := extract.NewExtractorFromConfig(cfg.Capture, logger)
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}
	a.extractor = closer

	a.engine = capsync.NewCaptureEngine(extractor, a.client, capsync.EngineConfig{
		ExtractionTimeout:    cfg.Capture.ExtractionTimeout.Duration,
		SubmitTimeout:        cfg.Capture.SubmitTimeout.Duration,
		CompressionThreshold: cfg.Capture.CompressionThreshold,
		HistorySize:          cfg.Capture.HistorySize,
	}, logger, clock, capsync.UUIDGenerator{})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := scheduler.NewMetrics(a.registry)

	a.monitor = scheduler.NewMonitor(a.client.Ping, probeTimeout, logger, metrics)
	a.service = capsync.NewService(a.engine, a.captures, a.queue, a.monitor, logger)
	a.scheduler = scheduler.New(a.queue, a.service.Deliver,
		[]scheduler.Pruner{a.captures, a.history}, a.monitor, metrics, logger, clock)

	logger.Debug("app initialized", "operation", operation, "storage", cfg.Storage.Type, "transport", cfg.Transport.Type)
	return a, nil
}

// authSupported reports whether the configured transport speaks the auth
// endpoints. Archive transports only accept captures.
func authSupported(cfg *config.Config) bool {
	if !cfg.Auth.Enabled {
		return false
	}
	switch cfg.Transport.Type {
	case "s3", "filesystem":
		return false
	}
	return true
}

// Login authenticates with the remote service and persists the session.
func (a *CapsyncApp) Login(ctx context.Context, username, password string) error {
	if a.auth == nil {
		return errors.New("authentication is disabled for this configuration")
	}
	if a.auth.State() != auth.Unauthenticated {
		if err := a.auth.Logout(ctx); err != nil {
			return fmt.Errorf("ending previous session: %w", err)
		}
	}
	return a.auth.Authenticate(ctx, capsync.Credentials{Username: username, Password: password})
}

// Logout ends the session and removes the stored credential.
func (a *CapsyncApp) Logout(ctx context.Context) error {
	if a.auth == nil {
		return nil
	}
	return a.auth.Logout(ctx)
}

// Status summarizes local state and remote reachability.
type Status struct {
	DeviceID  string
	Auth      string
	Online    bool
	Pending   int
	Failed    int
	Cached    int
	NextRetry time.Time
}

// GetStatus probes the remote service and reports queue and cache sizes.
func (a *CapsyncApp) GetStatus(ctx context.Context) (*Status, error) {
	s := &Status{DeviceID: a.cfg.DeviceID, Auth: "disabled"}
	if a.auth != nil {
		s.Auth = a.auth.State().String()
	}
	s.Online = a.monitor.Check(ctx)

	pending, err := a.queue.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	s.Pending = len(pending)
	for _, p := range pending {
		if !p.NextAttemptAt.IsZero() && (s.NextRetry.IsZero() || p.NextAttemptAt.Before(s.NextRetry)) {
			s.NextRetry = p.NextAttemptAt
		}
	}

	failed, err := a.queue.Failed(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}
	s.Failed = len(failed)

	records, err := a.captures.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading capture cache: %w", err)
	}
	s.Cached = len(records)
	return s, nil
}

// CaptureRequest describes a capture from the CLI.
type CaptureRequest struct {
	URL string
	// HTMLPath, when set, supplies the page markup instead of fetching it.
	HTMLPath      string
	SecurityLevel string
	Timeout       time.Duration
	// NoSubmit captures and caches the record without delivering it.
	NoSubmit bool
}

// Capture captures the page and, unless NoSubmit is set, submits the
// record. The result is nil when nothing was submitted.
func (a *CapsyncApp) Capture(ctx context.Context, req CaptureRequest) (capsync.CaptureRecord, *capsync.SubmissionResult, error) {
	raw := req.SecurityLevel
	if raw == "" {
		raw = a.cfg.Capture.SecurityLevel
	}
	level, err := capsync.ParseSecurityLevel(raw)
	if err != nil {
		return capsync.CaptureRecord{}, nil, err
	}

	page := capsync.PageHandle{URL: req.URL}
	if req.HTMLPath != "" {
		data, err := os.ReadFile(req.HTMLPath)
		if err != nil {
			return capsync.CaptureRecord{}, nil, fmt.Errorf("reading page markup: %w", err)
		}
		page.HTML = string(data)
	}

	opts := capsync.CaptureOptions{SecurityLevel: level, Timeout: req.Timeout}
	if req.NoSubmit {
		record, err := a.service.Capture(ctx, page, opts)
		return record, nil, err
	}
	return a.service.CaptureAndSubmit(ctx, page, opts)
}

// Captures returns the locally cached records, newest first.
func (a *CapsyncApp) Captures(ctx context.Context) ([]capsync.CaptureRecord, error) {
	return a.captures.Records(ctx)
}

// Pending returns the submissions awaiting delivery.
func (a *CapsyncApp) Pending(ctx context.Context) ([]capsync.QueuedSubmission, error) {
	return a.queue.Pending(ctx)
}

// Failed returns the dead-lettered submissions, newest first.
func (a *CapsyncApp) Failed(ctx context.Context) ([]capsync.FailedSubmission, error) {
	return a.queue.Failed(ctx)
}

// ClearFailed discards the dead letters and returns how many there were.
func (a *CapsyncApp) ClearFailed(ctx context.Context) (int, error) {
	return a.queue.ClearFailed(ctx)
}

// ExportFailed writes the dead letters to path as an age archive
// protected by passphrase. The file is created with owner-only access.
func (a *CapsyncApp) ExportFailed(ctx context.Context, path, passphrase string, includePending bool) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, fmt.Errorf("creating export file: %w", err)
	}

	n, err := a.queue.ExportFailed(ctx, f, passphrase, includePending)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing export file: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	a.logger.Info("dead letters exported", "path", path, "items", n)
	return n, nil
}

// History returns the recorded operations, newest first.
func (a *CapsyncApp) History(ctx context.Context) ([]Operation, error) {
	entries, err := a.history.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Operation, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out, nil
}

// SyncOnce probes connectivity and runs a single sync cycle.
func (a *CapsyncApp) SyncOnce(ctx context.Context) (*scheduler.CycleReport, error) {
	a.monitor.Check(ctx)
	return a.scheduler.RunCycle(ctx)
}

// DaemonOptions configure RunDaemon.
type DaemonOptions struct {
	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string
}

// RunDaemon runs sync cycles on the configured interval, whenever
// connectivity returns and whenever another process queues a submission,
// until ctx is done.
func (a *CapsyncApp) RunDaemon(ctx context.Context, opts DaemonOptions) error {
	interval := a.cfg.Sync.Interval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	probeInterval := a.cfg.Sync.ProbeInterval.Duration
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}

	// Another capsync process queued work (e.g. an offline capture).
	a.store.OnChange(func(ev cache.ChangeEvent) {
		if ev.External && ev.Key == queue.PendingKey {
			a.logger.Debug("pending queue changed externally")
			a.scheduler.Wake()
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.logger.Info("serving metrics", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		a.monitor.Run(ctx, probeInterval)
		return nil
	})
	g.Go(func() error {
		a.scheduler.Run(ctx, scheduler.TickerTimer{}, interval, a.monitor)
		return nil
	})

	return g.Wait()
}

// Finish records the outcome of the operation. Mutating operations are
// appended to the history.
func (a *CapsyncApp) Finish(ctx context.Context, err error) {
	a.op.Finish(err, a.clock.Now())
	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration())
	if !a.op.Mutating() {
		return
	}
	if herr := a.history.Put(ctx, a.op.ID, *a.op); herr != nil {
		a.logger.Warn("recording operation history failed", "error", herr)
	}
}

// Close releases every resource held by the app.
func (a *CapsyncApp) Close() error {
	return a.release()
}

func (a *CapsyncApp) release() error {
	var errs []error
	if a.auth != nil {
		a.auth.Close()
	}
	if a.extractor != nil {
		if err := a.extractor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing extractor: %w", err))
		}
	}
	if a.bytes != nil {
		if err := a.bytes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
