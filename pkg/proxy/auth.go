package proxy

import (
	"net/http"
	"strings"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// unifiedAuthMiddleware gates the unified surface behind the shared
// key. The key is re-read from durable config on every request so a
// freshly generated key takes effect without a restart, and the check
// happens before any upstream call is attempted.
func (s *Server) unifiedAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !unifiedAuthOpen(s.registry.UnifiedKey(), r) {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized: invalid unified API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
