package extract

import (
	"fmt"
	"io"

	"capsync/internal/capsync"
	"capsync/internal/config"
)

// NewExtractorFromConfig creates an HTMLExtractor whose source is selected
// by cfg.Fetcher. The returned closer releases the source.
func NewExtractorFromConfig(cfg config.CaptureConfig, logger capsync.Logger) (*HTMLExtractor, io.Closer, error) {
	timeout := cfg.ExtractionTimeout.Duration
	if timeout <= 0 {
		timeout = capsync.DefaultExtractionTimeout
	}

	switch cfg.Fetcher {
	case "http", "":
		return NewHTMLExtractor(NewHTTPSource(timeout, cfg.UserAgent)), nopCloser{}, nil
	case "browser":
		src := NewBrowserSource(cfg.BrowserURL, logger)
		return NewHTMLExtractor(src), src, nil
	case "none":
		return NewHTMLExtractor(nil), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown fetcher: %s", cfg.Fetcher)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
