package capsync_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"capsync/internal/capsync"
	"capsync/internal/testutil"
)

func newEngine(ext capsync.Extractor, sub capsync.Submitter, cfg capsync.EngineConfig) *capsync.CaptureEngine {
	return capsync.NewCaptureEngine(ext, sub, cfg, capsync.NopLogger{}, testutil.FixedClock(), testutil.NewStubIDGenerator())
}

func articleExtraction() *capsync.Extraction {
	return &capsync.Extraction{
		Text: "<p>" + testutil.ValidContent() + "</p>",
		Fields: capsync.Fields{
			Title:       "  Go  ",
			Description: "About Go",
			Author:      "Gopher",
		},
	}
}

func TestCapture_BuildsSignedRecord(t *testing.T) {
	ext := &testutil.FakeExtractor{Result: articleExtraction()}
	engine := newEngine(ext, nil, capsync.EngineConfig{})

	page := capsync.PageHandle{URL: "https://go.dev/about"}
	r, err := engine.Capture(context.Background(), page, capsync.CaptureOptions{})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if r.ID != "id-1" {
		t.Errorf("ID = %q", r.ID)
	}
	if r.Content != testutil.ValidContent() {
		t.Errorf("Content = %q", r.Content)
	}
	if r.SecurityLevel != capsync.SecurityModerate {
		t.Errorf("SecurityLevel = %q, want moderate default", r.SecurityLevel)
	}
	if r.Metadata.Title != "Go" || r.Metadata.Author != "Gopher" || r.Metadata.URL != page.URL {
		t.Errorf("Metadata = %+v", r.Metadata)
	}
	if r.Metadata.Language != "und" {
		t.Errorf("Language = %q, want und", r.Metadata.Language)
	}
	if r.Metadata.Keywords == nil {
		t.Error("Keywords is nil, want empty slice")
	}
	// 25 words at 200 wpm, rounded up.
	if r.Metadata.ReadingTimeSeconds != 8 {
		t.Errorf("ReadingTimeSeconds = %d, want 8", r.Metadata.ReadingTimeSeconds)
	}
	if !r.CapturedAt.Equal(testutil.FixedClock().Now()) {
		t.Errorf("CapturedAt = %v", r.CapturedAt)
	}
	if r.Signature == "" || !r.Verify() {
		t.Error("record is not signed")
	}
	if len(r.ValidationFindings) != 0 {
		t.Errorf("findings = %v", codes(r.ValidationFindings))
	}
}

func TestCapture_ValidationFailureReturnsRecord(t *testing.T) {
	ext := &testutil.FakeExtractor{Result: &capsync.Extraction{Text: strings.Repeat("x", 50)}}
	engine := newEngine(ext, nil, capsync.EngineConfig{})

	r, err := engine.Capture(context.Background(), capsync.PageHandle{URL: "https://example.com"}, capsync.CaptureOptions{})

	var verr *capsync.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !verr.Has(capsync.CodeContentTooShort) {
		t.Errorf("findings = %v", codes(verr.Findings))
	}
	if r.ID == "" || len(r.ValidationFindings) == 0 {
		t.Errorf("record = %+v, want populated record with findings", r)
	}
}

func TestCapture_ExtractionFailures(t *testing.T) {
	boom := errors.New("dom not ready")
	tests := []struct {
		name string
		ext  *testutil.FakeExtractor
	}{
		{"extractor error", &testutil.FakeExtractor{Err: boom}},
		{"empty text", &testutil.FakeExtractor{Result: &capsync.Extraction{Text: "   \n "}}},
		{"only markup", &testutil.FakeExtractor{Result: &capsync.Extraction{Text: "<div></div>"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newEngine(tt.ext, nil, capsync.EngineConfig{})
			_, err := engine.Capture(context.Background(), capsync.PageHandle{URL: "https://example.com"}, capsync.CaptureOptions{})

			var eerr *capsync.ExtractionError
			if !errors.As(err, &eerr) {
				t.Fatalf("error = %v, want ExtractionError", err)
			}
			if eerr.URL != "https://example.com" {
				t.Errorf("URL = %q", eerr.URL)
			}
		})
	}
}

func TestCapture_ExtractionTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ext := &testutil.FakeExtractor{Result: articleExtraction(), Block: block}
	engine := newEngine(ext, nil, capsync.EngineConfig{})

	start := time.Now()
	_, err := engine.Capture(context.Background(), capsync.PageHandle{URL: "https://slow.example.com"},
		capsync.CaptureOptions{Timeout: 20 * time.Millisecond})

	var eerr *capsync.ExtractionError
	if !errors.As(err, &eerr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want ExtractionError wrapping DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("capture took %v, timeout not honored", elapsed)
	}
	if msg := capsync.UserMessage(err); !strings.Contains(msg, "too long") {
		t.Errorf("UserMessage = %q", msg)
	}

	h := engine.History()
	if len(h) != 1 || h[0].Succeeded || h[0].Error == "" {
		t.Errorf("history = %+v", h)
	}
}

func TestCapture_HistoryIsBounded(t *testing.T) {
	ext := &testutil.FakeExtractor{Result: articleExtraction()}
	engine := newEngine(ext, nil, capsync.EngineConfig{HistorySize: 2})

	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		if _, err := engine.Capture(context.Background(), capsync.PageHandle{URL: u}, capsync.CaptureOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	h := engine.History()
	if len(h) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(h))
	}
	if h[0].URL != "https://b.example" || h[1].URL != "https://c.example" {
		t.Errorf("history = %+v, want b then c", h)
	}
	if h[1].RecordID != "id-3" || !h[1].Succeeded {
		t.Errorf("last entry = %+v", h[1])
	}
}

func TestSubmit_SignatureMismatch(t *testing.T) {
	sub := testutil.NewScriptedSubmitter()
	engine := newEngine(&testutil.FakeExtractor{}, sub, capsync.EngineConfig{})

	r := testutil.ValidRecord("r1")
	r.Content += " with an edit after capture"

	_, err := engine.Submit(context.Background(), r)
	var verr *capsync.ValidationError
	if !errors.As(err, &verr) || !verr.Has(capsync.CodeSignatureMismatch) {
		t.Fatalf("error = %v, want SIGNATURE_MISMATCH", err)
	}
	if sub.Calls() != 0 {
		t.Errorf("submitter called %d times", sub.Calls())
	}
	if capsync.Classify(err) != capsync.ClassPermanent {
		t.Errorf("Classify = %v", capsync.Classify(err))
	}

	fixed := r.Corrected("r2", r.Content, r.CapturedAt)
	if _, err := engine.Submit(context.Background(), fixed); err != nil {
		t.Errorf("corrected record rejected: %v", err)
	}
}

func TestSubmit_CompressesLargeContent(t *testing.T) {
	sub := testutil.NewScriptedSubmitter()
	engine := newEngine(&testutil.FakeExtractor{}, sub, capsync.EngineConfig{CompressionThreshold: 64})

	r := testutil.ValidRecord("r1")
	r.Content = strings.ReplaceAll(r.Content, " ", "   ")
	r.Signature = capsync.Sign(r.SourceURL, r.Content)
	original := r.Content

	receipt, err := engine.Submit(context.Background(), r)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !receipt.Compressed {
		t.Error("Compressed = false")
	}

	sent := sub.Records[0]
	if sent.Content != testutil.ValidContent() {
		t.Errorf("sent content = %q", sent.Content)
	}
	if !sent.Verify() {
		t.Error("sent record signature does not match its content")
	}
	if r.Content != original {
		t.Error("caller's record was modified")
	}
}

func TestSubmit_SmallContentNotCompressed(t *testing.T) {
	sub := testutil.NewScriptedSubmitter()
	engine := newEngine(&testutil.FakeExtractor{}, sub, capsync.EngineConfig{})

	receipt, err := engine.Submit(context.Background(), testutil.ValidRecord("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Compressed || receipt.RecordID != "r1" || receipt.RemoteID != "remote-1" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestSubmit_PropagatesSubmitterError(t *testing.T) {
	netErr := &capsync.NetworkError{Op: "submit", Err: errors.New("connection refused")}
	sub := testutil.NewScriptedSubmitter(netErr)
	engine := newEngine(&testutil.FakeExtractor{}, sub, capsync.EngineConfig{})

	_, err := engine.Submit(context.Background(), testutil.ValidRecord("r1"))
	if !errors.Is(err, netErr) || !capsync.IsRetryable(err) {
		t.Errorf("error = %v, want wrapped NetworkError", err)
	}
	if sub.Calls() != 1 {
		t.Errorf("calls = %d, engine must not retry", sub.Calls())
	}
}

func TestSubmit_NoSubmitter(t *testing.T) {
	engine := newEngine(&testutil.FakeExtractor{}, nil, capsync.EngineConfig{})
	if _, err := engine.Submit(context.Background(), testutil.ValidRecord("r1")); err == nil {
		t.Error("expected error without submitter")
	}
}
