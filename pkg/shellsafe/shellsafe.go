// Package shellsafe neutralizes shell metacharacters in arguments and URLs
// that are handed to external processes.
//
// Process launches in this codebase always use argument-array exec, never a
// shell command string, so the URL encoding here is defense in depth rather
// than the sole control.
package shellsafe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyURL is returned by SanitizeURL for empty or whitespace-only input.
var ErrEmptyURL = errors.New("shellsafe: empty URL")

// DefaultProtocols is the protocol allow-list used when none is supplied.
var DefaultProtocols = []string{"http", "https"}

// shellMetachars is the canonical set detected by ContainsMetachars.
const shellMetachars = ";&|><`$()'\"\\*?[]!#~^\n\r"

// encodeSet lists the characters percent-encoded in the path and query of a
// sanitized URL. The query delimiters ? and & are deliberately absent.
const encodeSet = "'\"`$\\!#^|;()<>*[]~"

// EscapeArg wraps s in single quotes for POSIX shells, replacing each
// embedded single quote with a quote-escape-quote sequence. An empty string
// becomes ''.
func EscapeArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ContainsMetachars reports whether s contains any shell metacharacter.
func ContainsMetachars(s string) bool {
	return strings.ContainsAny(s, shellMetachars)
}

// SanitizeURL validates rawURL against a protocol allow-list and
// percent-encodes shell-significant characters in its path and query. The
// scheme and host are left untouched. Protocols default to http and https;
// passing an explicit list overrides the default.
func SanitizeURL(rawURL string, protocols ...string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", ErrEmptyURL
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("shellsafe: malformed URL %q: %w", trimmed, err)
	}

	allowed := protocols
	if len(allowed) == 0 {
		allowed = DefaultProtocols
	}
	schemeOK := false
	for _, p := range allowed {
		if u.Scheme == strings.TrimSuffix(p, ":") {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		// Callers classify this failure by the word "protocol".
		return "", fmt.Errorf("shellsafe: URL protocol %q is not allowed", u.Scheme)
	}

	// Only authority-form URLs (scheme://host...) are accepted. Scheme-only
	// and opaque forms like "http:" or "http:foo" have no host to anchor the
	// encodable-portion split.
	if u.Opaque != "" || u.Host == "" {
		return "", fmt.Errorf("shellsafe: URL %q has no host", trimmed)
	}

	// Everything from the first path or query character onward is the
	// encodable portion; scheme, userinfo, host, and port stay as written.
	prefixLen := len(u.Scheme) + len("://")
	rest := trimmed[prefixLen:]
	cut := strings.IndexAny(rest, "/?")
	if cut < 0 {
		return trimmed, nil
	}

	head := trimmed[:prefixLen+cut]
	tail := rest[cut:]
	return head + encodeShellChars(tail), nil
}

func encodeShellChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(encodeSet, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
