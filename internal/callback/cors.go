package callback

import (
	"net/http"
	"net/url"
	"strings"
)

// Trusted origin hosts for the callback endpoint: loopback in all spellings,
// plus 21st.dev and its subdomains. Matching is exact on the host component
// so lookalike registrations (fake21st.dev, 21st.dev.evil.com, 21st.devv)
// never pass.
const trustedDomain = "21st.dev"

var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// IsAllowedOrigin reports whether an Origin header value may reach the
// callback endpoint. An absent origin is allowed: a same-origin or
// non-browser request carries none.
func IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := u.Hostname()
	if _, ok := loopbackHosts[host]; ok {
		return true
	}
	if host == trustedDomain || strings.HasSuffix(host, "."+trustedDomain) {
		return true
	}
	return false
}

// setCORSHeaders writes the CORS response headers for origin. Method, header,
// and max-age grants are always present; the origin grant echoes the literal
// origin only when allowed, and is a wildcard only for absent origins.
func setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "86400")

	switch {
	case origin == "":
		h.Set("Access-Control-Allow-Origin", "*")
	case IsAllowedOrigin(origin):
		h.Set("Access-Control-Allow-Origin", origin)
	}
}
