// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"net/http"
)

// SecurityHeadersMiddleware adds security headers to responses.
type SecurityHeadersMiddleware struct {
	headers map[string]string
}

// DefaultSecurityHeaders returns the headers applied to every control-plane
// response (the engine node's API does not mount this middleware). The
// callers are other services (controlPlaneClient) and operator tooling,
// never a browser, so headers
// about framing, scripting, or referrer leakage (X-Frame-Options, CSP,
// X-XSS-Protection) don't apply; what's kept guards against a node
// mistakenly caching a stale registry/placement response and against
// content-type sniffing of the JSON body.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Cache-Control":             "no-store, no-cache, must-revalidate",
		"Pragma":                    "no-cache",
	}
}

// NewSecurityHeadersMiddleware creates security headers middleware.
func NewSecurityHeadersMiddleware(headers map[string]string) *SecurityHeadersMiddleware {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return &SecurityHeadersMiddleware{headers: headers}
}

// Handler returns the security headers middleware handler.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for key, value := range m.headers {
			w.Header().Set(key, value)
		}
		next.ServeHTTP(w, r)
	})
}
