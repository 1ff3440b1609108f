package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"magical-music-backend/internal/auth"
)

// authenticate attaches the caller's identity when a valid session token
// is present. Requests without one continue signed out.
func authenticate(a auth.Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			switch {
			case err == nil:
				r = r.WithContext(auth.WithIdentity(r.Context(), id))
			case !errors.Is(err, auth.ErrNoToken):
				log.Debug("auth_token_rejected",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects signed-out requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			WriteError(w, r, Error(http.StatusUnauthorized, "Unauthorized - you must be logged in"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
