package capsync

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()

	multiSpaceRe    = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)
	multiNewlineRe  = regexp.MustCompile(`\n{3,}`)
	trailingSpaceRe = regexp.MustCompile(`[ \t]+\n`)
)

// Clean prepares extracted text for storage according to level.
func Clean(text string, level SecurityLevel) string {
	switch level {
	case SecurityStrict:
		text = stripMarkup(text)
		text = stripInvisible(text)
	case SecurityModerate:
		text = stripMarkup(text)
	}
	return NormalizeWhitespace(text)
}

// stripMarkup removes any HTML that survived extraction. bluemonday escapes
// entities on output, so they are unescaped back to plain characters.
func stripMarkup(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return text
	}
	out := strictPolicy.Sanitize(text)
	return htmlEntityReplacer.Replace(out)
}

var htmlEntityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
	"&nbsp;", " ",
)

// stripInvisible drops zero-width and control characters other than
// newlines and tabs.
func stripInvisible(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad', '\u2060':
			return -1
		case '\n', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

// NormalizeWhitespace collapses runs of horizontal whitespace, trims
// trailing spaces on each line and limits blank lines to one. It never
// removes non-space characters.
func NormalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	text = trailingSpaceRe.ReplaceAllString(text, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
