package transport

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"capsync/internal/capsync"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPTransport talks to the remote service over its JSON HTTP API.
type HTTPTransport struct {
	client *resty.Client
}

// NewHTTPTransport creates a transport rooted at baseURL. Every request is
// bounded by timeout.
func NewHTTPTransport(baseURL string, timeout time.Duration, userAgent string) *HTTPTransport {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if userAgent != "" {
		c.SetHeader("User-Agent", userAgent)
	}
	return &HTTPTransport{client: c}
}

// Do performs req. Transport failures become *capsync.NetworkError and
// non-2xx replies *capsync.HTTPError.
func (t *HTTPTransport) Do(ctx context.Context, req *capsync.Request) (*capsync.Response, error) {
	r := t.client.R().SetContext(ctx)
	if req.AuthToken != "" {
		r.SetAuthToken(req.AuthToken)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		return nil, &capsync.NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &capsync.HTTPError{Status: resp.StatusCode(), Body: body}
	}
	return &capsync.Response{Status: resp.StatusCode(), Body: resp.Body()}, nil
}

// Compile-time check that HTTPTransport implements capsync.Transport
var _ capsync.Transport = (*HTTPTransport)(nil)
