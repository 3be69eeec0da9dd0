package capsync

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Content length bounds, counted in characters (runes).
const (
	MinContentLength = 100
	MaxContentLength = 100000
)

// SecurityLevel controls how aggressively captured text is cleaned.
type SecurityLevel string

const (
	SecurityStrict   SecurityLevel = "strict"
	SecurityModerate SecurityLevel = "moderate"
	SecurityRelaxed  SecurityLevel = "relaxed"
)

// Valid reports whether l is one of the known levels.
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityStrict, SecurityModerate, SecurityRelaxed:
		return true
	}
	return false
}

// ParseSecurityLevel converts a user-supplied string. An empty string
// yields SecurityModerate.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	if s == "" {
		return SecurityModerate, nil
	}
	l := SecurityLevel(s)
	if !l.Valid() {
		return "", &ValidationError{Findings: []Finding{{
			Code:     CodeInvalidSecurityLevel,
			Severity: SeverityError,
			Message:  "unknown security level " + s,
		}}}
	}
	return l, nil
}

// Severity separates blocking findings from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single validation result.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Metadata describes the page a record was captured from.
type Metadata struct {
	Title              string   `json:"title"`
	URL                string   `json:"url"`
	Author             string   `json:"author,omitempty"`
	Description        string   `json:"description,omitempty"`
	Keywords           []string `json:"keywords"`
	Language           string   `json:"language"`
	ReadingTimeSeconds int      `json:"readingTimeSeconds"`
}

// CaptureRecord is the unit of captured content. Records are treated as
// immutable: corrections go through Corrected, which yields a new record.
type CaptureRecord struct {
	ID                 string        `json:"id"`
	Content            string        `json:"content"`
	Metadata           Metadata      `json:"metadata"`
	SourceURL          string        `json:"sourceUrl"`
	CapturedAt         time.Time     `json:"capturedAt"`
	SecurityLevel      SecurityLevel `json:"securityLevel"`
	ValidationFindings []Finding     `json:"validationFindings"`
	Signature          string        `json:"signature,omitempty"`
}

// Sign computes the record signature over source URL and content.
func Sign(sourceURL, content string) string {
	sum := sha256.Sum256([]byte(sourceURL + "\n" + content))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the signature still matches the content.
// Records without a signature verify trivially.
func (r CaptureRecord) Verify() bool {
	return r.Signature == "" || r.Signature == Sign(r.SourceURL, r.Content)
}

// Corrected returns a copy of r carrying new content, a new id and a fresh
// signature. Findings are cleared; the caller re-validates.
func (r CaptureRecord) Corrected(id, content string, at time.Time) CaptureRecord {
	c := r
	c.ID = id
	c.Content = content
	c.CapturedAt = at
	c.ValidationFindings = nil
	c.Metadata.Keywords = append([]string(nil), r.Metadata.Keywords...)
	c.Signature = Sign(c.SourceURL, content)
	return c
}

// QueuedSubmission is a record waiting to be delivered.
type QueuedSubmission struct {
	Record        CaptureRecord `json:"record"`
	Attempts      int           `json:"attempts"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	LastError     string        `json:"lastError,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt,omitzero"`
}

// FailedSubmission is a dead-lettered submission kept for reporting.
type FailedSubmission struct {
	Submission QueuedSubmission `json:"submission"`
	FailedAt   time.Time        `json:"failedAt"`
	Reason     string           `json:"reason"`
}

// CacheEntry wraps a cached payload with its storage time.
type CacheEntry[T any] struct {
	ID        string    `json:"id"`
	Payload   T         `json:"payload"`
	StoredAt  time.Time `json:"storedAt"`
	Encrypted bool      `json:"encrypted"`
}

// Credential is the live authentication state of a session.
type Credential struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Credentials are the user-supplied login inputs.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Receipt is returned by a successful submission.
type Receipt struct {
	RecordID    string    `json:"recordId"`
	RemoteID    string    `json:"remoteId,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	Compressed  bool      `json:"compressed"`
}
