package testutil

import (
	"context"
	"fmt"
	"sync"

	"capsync/internal/capsync"
)

// FakeExtractor returns a fixed extraction, or Err when set. A non-nil
// Block makes Extract wait on it or on ctx.
type FakeExtractor struct {
	Result *capsync.Extraction
	Err    error
	Block  chan struct{}

	mu    sync.Mutex
	Pages []capsync.PageHandle
}

func (f *FakeExtractor) Extract(ctx context.Context, page capsync.PageHandle) (*capsync.Extraction, error) {
	f.mu.Lock()
	f.Pages = append(f.Pages, page)
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	out := *f.Result
	return &out, nil
}

// ScriptedSubmitter returns the scripted errors in order, then succeeds.
// Every call is recorded.
type ScriptedSubmitter struct {
	mu      sync.Mutex
	errs    []error
	Records []capsync.CaptureRecord
}

// NewScriptedSubmitter creates a submitter that fails with errs in order.
func NewScriptedSubmitter(errs ...error) *ScriptedSubmitter {
	return &ScriptedSubmitter{errs: errs}
}

func (s *ScriptedSubmitter) Submit(_ context.Context, record capsync.CaptureRecord) (*capsync.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Records = append(s.Records, record)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &capsync.Receipt{
		RecordID: record.ID,
		RemoteID: fmt.Sprintf("remote-%d", len(s.Records)),
	}, nil
}

// Calls returns the number of Submit calls so far.
func (s *ScriptedSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Records)
}

// Deliver adapts the submitter to a capsync.DeliverFunc.
func (s *ScriptedSubmitter) Deliver(ctx context.Context, record capsync.CaptureRecord) error {
	_, err := s.Submit(ctx, record)
	return err
}

// StaticConnectivity reports a fixed online state.
type StaticConnectivity bool

func (c StaticConnectivity) Online() bool { return bool(c) }

// ValidContent returns text long enough to pass content validation.
func ValidContent() string {
	return "Go is an open source programming language that makes it simple to build secure, scalable systems. " +
		"It was designed at Google to improve programming productivity."
}

// ValidRecord returns a signed record that passes validation.
func ValidRecord(id string) capsync.CaptureRecord {
	r := capsync.CaptureRecord{
		ID:            id,
		Content:       ValidContent(),
		SourceURL:     "https://example.com/" + id,
		CapturedAt:    FixtureEpoch,
		SecurityLevel: capsync.SecurityModerate,
		Metadata: capsync.Metadata{
			Title:       "Example " + id,
			URL:         "https://example.com/" + id,
			Description: "An example page",
			Language:    "en",
		},
	}
	r.Signature = capsync.Sign(r.SourceURL, r.Content)
	return r
}
