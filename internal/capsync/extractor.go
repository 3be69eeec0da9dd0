package capsync

import "context"

// PageHandle identifies the page to capture. HTML may be supplied directly
// (for example from a browser extension); otherwise the extractor fetches
// the page itself.
type PageHandle struct {
	URL  string
	HTML string
}

// Fields are the structured values an extractor found on the page.
type Fields struct {
	Title       string
	Author      string
	Description string
	Keywords    []string
	Language    string
}

// Extraction is the raw output of an Extractor.
type Extraction struct {
	Text   string
	Fields Fields
}

// Extractor turns a page into text and fields. Its heuristics are opaque
// to the engine.
type Extractor interface {
	Extract(ctx context.Context, page PageHandle) (*Extraction, error)
}
