package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// OriginAllowed returns the trusted-origin predicate shared by CORS and
// the websocket upgrader. An empty list trusts every origin.
func OriginAllowed(origins []string) func(origin string) bool {
	if len(origins) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// corsPolicy reflects trusted origins and allows credentials.
func corsPolicy(origins []string) func(http.Handler) http.Handler {
	allowed := OriginAllowed(origins)
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return allowed(origin)
		},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
			http.MethodPost, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
