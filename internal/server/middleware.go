package server

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller of a daemon-scoped request,
// resolved from its bearer token by the auth middleware.
type Identity struct {
	DaemonID string
	UserID   string
}

type contextKey int

const identityKey contextKey = 0

// IdentityFrom returns the authenticated identity attached to the request
// context by requireDaemonAuth.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// requireDaemonAuth resolves the bearer token and attaches the daemon
// identity to the request context. Requests without a valid token get 401.
func (s *Server) requireDaemonAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		daemonID, userID, ok := s.mgr.Authenticate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, Identity{
			DaemonID: daemonID,
			UserID:   userID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
