package core

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"creditpanel/internal/types"
)

// authPublicPaths bypass AuthMiddleware.
var authPublicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware admits requests that present the service key as a bearer
// token. The key is compared against the configured bcrypt hash. With no
// hash configured (local only, enforced by NewServer) it passes through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keyHash) == 0 || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil))
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(token)); err != nil {
			types.LoggerFromContext(r.Context(), s.Logger).WarnContext(r.Context(), "service key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is case-insensitive per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
