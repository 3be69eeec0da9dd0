package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"capsync/internal/capsync"
)

// MaxPageBytes bounds the HTML accepted from a source.
const MaxPageBytes = 8 << 20

// HTTPSource fetches static HTML over HTTP.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource creates a source whose requests are bounded by timeout.
func NewHTTPSource(timeout time.Duration, userAgent string) *HTTPSource {
	c := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetResponseBodyLimit(MaxPageBytes).
		SetHeader("Accept", "text/html,application/xhtml+xml")
	if userAgent != "" {
		c.SetHeader("User-Agent", userAgent)
	}
	return &HTTPSource{client: c}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, url string) (string, error) {
	resp, err := s.client.R().SetContext(ctx).Get(url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return "", fmt.Errorf("page exceeds %d bytes: %w", MaxPageBytes, err)
	}
	if err != nil {
		return "", &capsync.NetworkError{Op: "fetch page", Err: err}
	}
	if !resp.IsSuccess() {
		return "", &capsync.HTTPError{Status: resp.StatusCode()}
	}
	return string(resp.Body()), nil
}

// BrowserSource renders pages in headless Chrome with stealth evasions,
// for sites that build their content with JavaScript. The browser is
// started on first use.
type BrowserSource struct {
	remoteURL string
	logger    capsync.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserSource creates a source. An empty remoteURL launches a local
// headless Chrome; otherwise the DevTools WebSocket at remoteURL is used.
func NewBrowserSource(remoteURL string, logger capsync.Logger) *BrowserSource {
	return &BrowserSource{remoteURL: remoteURL, logger: logger}
}

func (s *BrowserSource) connect(ctx context.Context) (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}

	controlURL := s.remoteURL
	if controlURL == "" {
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch chrome: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	// Detach from the connecting call's context.
	s.browser = b.Context(context.Background())
	s.logger.Info("browser connected", "remote", s.remoteURL != "")
	return s.browser, nil
}

// Fetch implements Source.
func (s *BrowserSource) Fetch(ctx context.Context, url string) (string, error) {
	b, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		s.logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	if len(html) > MaxPageBytes {
		return "", fmt.Errorf("page exceeds %d bytes", MaxPageBytes)
	}
	return html, nil
}

// Close shuts the browser down.
func (s *BrowserSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	return err
}
