// Package pathsafe validates candidate file paths against a base directory
// and rejects directory traversal, including percent-encoded variants and
// symlink escapes.
//
// Traversal patterns are rejected before any filesystem resolution so that
// encoded bypasses (..%2f, %252e%252e) never reach the resolver. The final
// resolved path must stay inside the base directory. Targets that do not
// exist yet are accepted, which lets callers gate future writes as well as
// reads of existing files.
package pathsafe

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel errors returned by Validate.
var (
	// ErrTraversal indicates the input contains a literal or percent-encoded
	// parent-directory traversal pattern.
	ErrTraversal = errors.New("pathsafe: path contains a directory traversal pattern")

	// ErrOutsideBase indicates the resolved path escapes the base directory.
	ErrOutsideBase = errors.New("pathsafe: path resolves outside the allowed base directory")

	// ErrEmptyPath indicates an empty input or base path.
	ErrEmptyPath = errors.New("pathsafe: empty path")
)

// traversalPattern matches a ".." path segment in any separator style,
// including at the start or end of the string.
var traversalPattern = regexp.MustCompile(`(^|[/\\])\.\.([/\\]|$)`)

// Options control optional Validate behavior.
type Options struct {
	// FollowSymlinks resolves symlinked targets to their real path and
	// re-verifies containment against the base directory. Enabled by default
	// through Validate; disable only for filesystems where symlinks are
	// already impossible.
	FollowSymlinks bool
}

// Validate resolves input against base and returns the absolute path if and
// only if it stays inside base. Symlinks are followed and re-verified.
func Validate(input, base string) (string, error) {
	return ValidateWithOptions(input, base, Options{FollowSymlinks: true})
}

// ValidateWithOptions is Validate with explicit symlink behavior.
func ValidateWithOptions(input, base string, opts Options) (string, error) {
	if input == "" || base == "" {
		return "", ErrEmptyPath
	}

	// Traversal check runs on the raw input plus single and double
	// percent-decodings, before any resolution.
	for _, candidate := range decodings(input) {
		if traversalPattern.MatchString(candidate) {
			return "", fmt.Errorf("%w: %q", ErrTraversal, input)
		}
	}

	absBase, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return "", fmt.Errorf("pathsafe: resolving base: %w", err)
	}
	// Resolve the base itself through symlinks when it exists, so containment
	// compares real paths on both sides.
	if resolved, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = resolved
	}

	resolved := input
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(absBase, resolved)
	}
	resolved = filepath.Clean(resolved)

	if opts.FollowSymlinks {
		if real, err := filepath.EvalSymlinks(resolved); err == nil {
			resolved = real
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("pathsafe: resolving symlinks: %w", err)
		}
		// Non-existent targets keep the cleaned, non-realpath'd form.
	}

	if !contains(absBase, resolved) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBase, input)
	}
	return resolved, nil
}

// decodings returns the raw string plus up to two rounds of percent-decoding.
// Decoding failures fall back to a plain %2e/%2f substitution so that partly
// malformed escapes are still inspected.
func decodings(s string) []string {
	out := []string{s}
	current := s
	for i := 0; i < 2; i++ {
		decoded, err := url.QueryUnescape(current)
		if err != nil {
			decoded = manualDecode(current)
		}
		if decoded == current {
			break
		}
		out = append(out, decoded)
		current = decoded
	}
	return out
}

// manualDecode substitutes the escapes relevant to traversal without
// requiring the whole string to be a valid URL component.
func manualDecode(s string) string {
	r := strings.NewReplacer(
		"%2e", ".", "%2E", ".",
		"%2f", "/", "%2F", "/",
		"%5c", `\`, "%5C", `\`,
		"%25", "%",
	)
	return r.Replace(s)
}

// contains reports whether p equals base or lives strictly under it.
func contains(base, p string) bool {
	if p == base {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}
