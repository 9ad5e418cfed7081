// Package redact removes credential material from strings, URLs, and HTTP
// headers before they reach a log sink or persistent storage.
//
// The string redactor is a heuristic: any run of 20 or more characters from
// the API-key alphabet [A-Za-z0-9_-] is assumed to be a secret. Shorter runs
// pass through untouched, so ordinary words and identifiers survive.
package redact

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Placeholder replaces redacted values in all output of this package.
const Placeholder = "[REDACTED]"

// keyRun matches candidate API keys: long runs of URL-safe base64-ish characters.
var keyRun = regexp.MustCompile(`[A-Za-z0-9_-]{20,}`)

// paramFallback rewrites sensitive query parameters in strings that fail URL
// parsing, so malformed input is still sanitized rather than passed through.
var paramFallback = regexp.MustCompile(`(?i)\b(key|token|secret|password|api_key|apikey)=[^&\s]*`)

// sensitiveParams lists query parameter names whose values are redacted,
// matched case-insensitively.
var sensitiveParams = map[string]struct{}{
	"key":      {},
	"token":    {},
	"secret":   {},
	"password": {},
	"api_key":  {},
	"apikey":   {},
}

// sensitiveHeaders lists header names whose values are redacted, matched
// case-insensitively.
var sensitiveHeaders = map[string]struct{}{
	"x-api-key":     {},
	"authorization": {},
	"cookie":        {},
}

// String replaces every candidate secret in s with Placeholder. Additional
// patterns replace the built-in heuristic when supplied.
func String(s string, patterns ...*regexp.Regexp) string {
	if len(patterns) == 0 {
		return keyRun.ReplaceAllString(s, Placeholder)
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, Placeholder)
	}
	return s
}

// URL redacts the values of sensitive query parameters in rawURL, leaving all
// other parameters intact. Both absolute URLs and bare paths with a query
// string are handled. If rawURL cannot be parsed, a regex fallback rewrites
// anything that looks like a sensitive param=value pair.
func URL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return paramFallback.ReplaceAllString(rawURL, "$1="+Placeholder)
	}

	q := u.Query()
	changed := false
	for name, values := range q {
		if _, ok := sensitiveParams[strings.ToLower(name)]; !ok {
			continue
		}
		for i := range values {
			values[i] = Placeholder
		}
		q[name] = values
		changed = true
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Headers returns a copy of h with the values of sensitive headers replaced.
// The input is never mutated.
func Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(name)]; ok {
			out[name] = []string{Placeholder}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}
	return out
}
