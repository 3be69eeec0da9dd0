package capsync

import "context"

// Request is a single call to the remote intelligence service.
type Request struct {
	Method    string
	Path      string
	Body      []byte
	AuthToken string
}

// Response is a 2xx reply from the remote service.
type Response struct {
	Status int
	Body   []byte
}

// Transport performs requests against the remote service. Failures are
// reported as *NetworkError (no response) or *HTTPError (non-2xx status).
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Submitter delivers a validated record to the remote service.
type Submitter interface {
	Submit(ctx context.Context, record CaptureRecord) (*Receipt, error)
}

// Remote service routes.
const (
	PathLogin    = "/v1/auth/login"
	PathRefresh  = "/v1/auth/refresh"
	PathCaptures = "/v1/captures"
	PathHealth   = "/v1/health"
)

// SubmitResponse is the body returned for an accepted capture.
type SubmitResponse struct {
	ID string `json:"id"`
}
