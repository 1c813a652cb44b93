// Package cors computes cross-origin response headers for the proxy.
// Two strengths exist: strict (omit the Allow-Origin header for unknown
// origins, letting the browser block the response) and lenient (always emit
// an Allow-Origin value, falling back to a configured default).
package cors

import (
	"net/http"
	"strings"
)

// Mode selects the policy strength.
type Mode string

// Policy modes.
const (
	ModeStrict  Mode = "strict"
	ModeLenient Mode = "lenient"
)

const (
	allowMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	allowHeaders = "Content-Type"
	maxAge       = "86400"
)

// Policy decides which CORS headers each response carries.
type Policy struct {
	mode          Mode
	allowed       map[string]struct{}
	defaultOrigin string
}

// New builds a Policy. defaultOrigin is only used in lenient mode.
func New(mode Mode, origins []string, defaultOrigin string) *Policy {
	allowed := make(map[string]struct{}, len(origins))
	for _, value := range origins {
		origin := strings.TrimSpace(value)
		if origin == "" {
			continue
		}
		allowed[origin] = struct{}{}
	}
	return &Policy{mode: mode, allowed: allowed, defaultOrigin: defaultOrigin}
}

// OriginAllowed reports whether origin exactly matches an allow-listed entry.
func (p *Policy) OriginAllowed(origin string) bool {
	_, ok := p.allowed[origin]
	return ok
}

// Apply sets the CORS header set for a request from origin.
func (p *Policy) Apply(h http.Header, origin string) {
	switch p.mode {
	case ModeLenient:
		value := p.defaultOrigin
		if p.OriginAllowed(origin) {
			value = origin
		}
		h.Set("Access-Control-Allow-Origin", value)
	default:
		// Strict: no Allow-Origin header at all for unknown origins.
		if p.OriginAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
		}
	}
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	h.Set("Access-Control-Max-Age", maxAge)
}

// Middleware sets CORS headers on every response and answers preflight
// requests with an empty 204 before any other processing. Preflight is never
// rate-limited or path-validated.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Apply(w.Header(), r.Header.Get("Origin"))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
