package api

import (
	"net/http"
	"strings"

	"github.com/malbeclabs/analyst/pkg/identity"
)

const (
	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
)

var publicPaths = map[string]bool{
	"/healthz":       true,
	"/readyz":        true,
	"/api/v1/health": true,
}

// authenticate attaches the caller's identity to the request context. The
// identity comes from the X-User-ID and X-User-Email headers set by the
// gateway in front of the service.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		var id identity.Identity
		if userID := strings.TrimSpace(r.Header.Get(headerUserID)); userID != "" {
			id = identity.New(userID, r.Header.Get(headerUserEmail))
		} else if s.cfg.MockAuth {
			id = s.cfg.MockUser
			s.log.Debug("api: using mock user", "user_id", id.UserID)
		} else {
			writeError(w, http.StatusUnauthorized, "missing "+headerUserID+" header")
			return
		}

		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), id)))
	})
}

func userFrom(r *http.Request) identity.Identity {
	id, _ := identity.FromContext(r.Context())
	return id
}
