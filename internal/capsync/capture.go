package capsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults for the capture engine.
const (
	DefaultExtractionTimeout    = 30 * time.Second
	DefaultSubmitTimeout        = 30 * time.Second
	DefaultCompressionThreshold = 32 * 1024
	wordsPerMinute              = 200
)

// CaptureOptions tune a single capture.
type CaptureOptions struct {
	SecurityLevel SecurityLevel
	// Timeout bounds the extraction call. Zero uses the engine default.
	Timeout time.Duration
}

// EngineConfig holds the engine tunables; zero values select defaults.
type EngineConfig struct {
	ExtractionTimeout    time.Duration
	SubmitTimeout        time.Duration
	CompressionThreshold int
	HistorySize          int
}

func (c *EngineConfig) defaults() {
	if c.ExtractionTimeout <= 0 {
		c.ExtractionTimeout = DefaultExtractionTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
}

// CaptureEngine turns pages into validated, signed records and hands them
// to the submitter. It never retries; that is the queue's job.
type CaptureEngine struct {
	extractor Extractor
	submitter Submitter
	cfg       EngineConfig
	history   *history
	logger    Logger
	clock     Clock
	idgen     IDGenerator
}

// NewCaptureEngine creates a CaptureEngine. submitter may be nil for
// capture-only use.
func NewCaptureEngine(extractor Extractor, submitter Submitter, cfg EngineConfig, logger Logger, clock Clock, idgen IDGenerator) *CaptureEngine {
	cfg.defaults()
	return &CaptureEngine{
		extractor: extractor,
		submitter: submitter,
		cfg:       cfg,
		history:   newHistory(cfg.HistorySize),
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

// Capture extracts, cleans and validates the page into a new record.
func (e *CaptureEngine) Capture(ctx context.Context, page PageHandle, opts CaptureOptions) (CaptureRecord, error) {
	record, err := e.capture(ctx, page, opts)
	entry := HistoryEntry{RecordID: record.ID, URL: page.URL, At: e.clock.Now(), Succeeded: err == nil}
	if err != nil {
		entry.Error = err.Error()
		e.logger.Warn("capture failed", "url", page.URL, "error", err)
	} else {
		e.logger.Info("page captured", "id", record.ID, "url", page.URL, "chars", len(record.Content))
	}
	e.history.add(entry)
	return record, err
}

func (e *CaptureEngine) capture(ctx context.Context, page PageHandle, opts CaptureOptions) (CaptureRecord, error) {
	level := opts.SecurityLevel
	if level == "" {
		level = SecurityModerate
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ExtractionTimeout
	}

	ext, err := e.extract(ctx, page, timeout)
	if err != nil {
		return CaptureRecord{}, err
	}

	content := Clean(ext.Text, level)
	if content == "" {
		return CaptureRecord{}, &ExtractionError{URL: page.URL, Err: errors.New("page produced no text")}
	}

	title := strings.TrimSpace(ext.Fields.Title)
	language := ext.Fields.Language
	if language == "" {
		language = "und"
	}
	keywords := ext.Fields.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	record := CaptureRecord{
		ID:      e.idgen.New(),
		Content: content,
		Metadata: Metadata{
			Title:              title,
			URL:                page.URL,
			Author:             strings.TrimSpace(ext.Fields.Author),
			Description:        strings.TrimSpace(ext.Fields.Description),
			Keywords:           keywords,
			Language:           language,
			ReadingTimeSeconds: readingTime(content),
		},
		SourceURL:     page.URL,
		CapturedAt:    e.clock.Now(),
		SecurityLevel: level,
	}
	record.Signature = Sign(record.SourceURL, record.Content)

	res := Validate(record)
	record.ValidationFindings = res.Findings()
	if !res.Valid {
		return record, &ValidationError{Findings: res.Findings()}
	}
	return record, nil
}

// extract runs the extractor under timeout. The extractor is abandoned
// when the deadline passes even if it ignores its context.
func (e *CaptureEngine) extract(ctx context.Context, page PageHandle, timeout time.Duration) (*Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ext *Extraction
		err error
	}
	done := make(chan result, 1)
	go func() {
		ext, err := e.extractor.Extract(ctx, page)
		done <- result{ext, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &ExtractionError{URL: page.URL, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			var eerr *ExtractionError
			if errors.As(r.err, &eerr) {
				return nil, r.err
			}
			return nil, &ExtractionError{URL: page.URL, Err: r.err}
		}
		if r.ext == nil || strings.TrimSpace(r.ext.Text) == "" {
			return nil, &ExtractionError{URL: page.URL, Err: errors.New("page produced no text")}
		}
		return r.ext, nil
	}
}

// Submit re-validates record, compresses oversized content and hands it to
// the submitter once.
func (e *CaptureEngine) Submit(ctx context.Context, record CaptureRecord) (*Receipt, error) {
	if e.submitter == nil {
		return nil, errors.New("capture engine has no submitter")
	}

	res := Validate(record)
	if !record.Verify() {
		res.Errors = append(res.Errors, Finding{
			Code:     CodeSignatureMismatch,
			Severity: SeverityError,
			Message:  "content changed after capture; capture a corrected record instead",
		})
		res.Valid = false
	}
	if !res.Valid {
		return nil, &ValidationError{Findings: res.Findings()}
	}

	outgoing, compressed := e.compress(record)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	receipt, err := e.submitter.Submit(ctx, outgoing)
	if err != nil {
		return nil, fmt.Errorf("submitting %s: %w", record.ID, err)
	}
	receipt.Compressed = compressed
	e.logger.Info("record submitted", "id", record.ID, "remote_id", receipt.RemoteID, "compressed", compressed)
	return receipt, nil
}

// compress returns a copy of record with normalized whitespace when the
// content exceeds the threshold. The stored record is left untouched.
func (e *CaptureEngine) compress(record CaptureRecord) (CaptureRecord, bool) {
	if len(record.Content) <= e.cfg.CompressionThreshold {
		return record, false
	}
	out := record
	out.Content = NormalizeWhitespace(record.Content)
	if out.Content == record.Content {
		return record, false
	}
	out.Signature = Sign(out.SourceURL, out.Content)
	return out, true
}

// History returns the recent capture attempts, oldest first.
func (e *CaptureEngine) History() []HistoryEntry {
	return e.history.snapshot()
}

func readingTime(content string) int {
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}
	return (words*60 + wordsPerMinute - 1) / wordsPerMinute
}
