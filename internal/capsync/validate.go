package capsync

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Finding codes.
const (
	CodeContentTooShort      = "CONTENT_TOO_SHORT"
	CodeContentTooLong       = "CONTENT_TOO_LONG"
	CodeInvalidSourceURL     = "INVALID_SOURCE_URL"
	CodeInvalidSecurityLevel = "INVALID_SECURITY_LEVEL"
	CodeMissingTitle         = "MISSING_TITLE"
	CodeMissingDescription   = "MISSING_DESCRIPTION"
	CodeSignatureMismatch    = "SIGNATURE_MISMATCH"
)

// ValidationResult separates blocking errors from advisory warnings.
type ValidationResult struct {
	Valid    bool
	Errors   []Finding
	Warnings []Finding
}

// Findings returns errors followed by warnings.
func (r ValidationResult) Findings() []Finding {
	out := make([]Finding, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

type rule func(CaptureRecord) *Finding

// rules run in this order, every one of them, on every call.
var rules = []rule{
	checkContentLength,
	checkSourceURL,
	checkSecurityLevel,
	checkTitle,
	checkDescription,
}

// Validate evaluates every rule against record. It performs no I/O.
func Validate(record CaptureRecord) ValidationResult {
	var res ValidationResult
	for _, r := range rules {
		f := r(record)
		if f == nil {
			continue
		}
		if f.Severity == SeverityError {
			res.Errors = append(res.Errors, *f)
		} else {
			res.Warnings = append(res.Warnings, *f)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func checkContentLength(r CaptureRecord) *Finding {
	n := utf8.RuneCountInString(r.Content)
	switch {
	case n < MinContentLength:
		return &Finding{
			Code:     CodeContentTooShort,
			Severity: SeverityError,
			Message:  fmt.Sprintf("content has %d characters, minimum is %d", n, MinContentLength),
		}
	case n > MaxContentLength:
		return &Finding{
			Code:     CodeContentTooLong,
			Severity: SeverityError,
			Message:  fmt.Sprintf("content has %d characters, maximum is %d", n, MaxContentLength),
		}
	}
	return nil
}

func checkSourceURL(r CaptureRecord) *Finding {
	if isAbsoluteURL(r.SourceURL) {
		return nil
	}
	return &Finding{
		Code:     CodeInvalidSourceURL,
		Severity: SeverityError,
		Message:  "source URL must be an absolute URL",
	}
}

func isAbsoluteURL(raw string) bool {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

func checkSecurityLevel(r CaptureRecord) *Finding {
	if r.SecurityLevel.Valid() {
		return nil
	}
	return &Finding{
		Code:     CodeInvalidSecurityLevel,
		Severity: SeverityError,
		Message:  fmt.Sprintf("security level %q is not one of strict, moderate, relaxed", r.SecurityLevel),
	}
}

func checkTitle(r CaptureRecord) *Finding {
	if strings.TrimSpace(r.Metadata.Title) != "" {
		return nil
	}
	return &Finding{Code: CodeMissingTitle, Severity: SeverityWarning, Message: "page has no title"}
}

func checkDescription(r CaptureRecord) *Finding {
	if strings.TrimSpace(r.Metadata.Description) != "" {
		return nil
	}
	return &Finding{Code: CodeMissingDescription, Severity: SeverityWarning, Message: "page has no description"}
}
