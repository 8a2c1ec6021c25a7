package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the request's bearer token against the configured auth
// token. An empty configured token disables auth (local use only). SSE and
// WebSocket clients that cannot set headers may pass the token as the
// auth_token query parameter.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	candidate := extractToken(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.AuthToken)) == 1
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("auth_token")
}
