package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken guards a mutating control route with Bearer token
// authentication. When AdminToken is empty it is a no-op. Application
// traffic is never checked here; it goes to the origin with its own
// credentials.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if s.config.AdminToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AdminToken)

	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next(w, r)
	}
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
