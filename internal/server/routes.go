package server

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
)

// Greeting is the body of GET /.
const Greeting = "Magical Music Backend Running 🚀"

// Handler group names, mounted under /api/<name>.
const (
	GroupUsers  = "users"
	GroupAdmin  = "admin"
	GroupAuth   = "auth"
	GroupSongs  = "songs"
	GroupAlbums = "albums"
	GroupStats  = "stats"
)

// Groups lists every handler group in mount order.
var Groups = []string{GroupUsers, GroupAdmin, GroupAuth, GroupSongs, GroupAlbums, GroupStats}

// Group builds one handler group from the shared dependencies.
type Group func(Deps) http.Handler

// Routes maps group names to their builders. Missing groups are served
// by a 501 placeholder.
type Routes map[string]Group

func (rt Routes) validate() error {
	for name := range rt {
		if !slices.Contains(Groups, name) {
			return fmt.Errorf("unknown route group %q", name)
		}
	}
	return nil
}

func mountRoutes(r chi.Router, deps Deps, routes Routes) {
	r.Get("/", handleGreeting)
	r.Get("/health", handleLive)
	r.Get("/ready", deps.handleReady)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	for _, name := range Groups {
		if build := routes[name]; build != nil {
			r.Mount("/api/"+name, build(deps))
			continue
		}
		r.Mount("/api/"+name, placeholder(name))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, Error(http.StatusNotFound, "Not Found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, Error(http.StatusMethodNotAllowed, "Method Not Allowed"))
	})
}

func handleGreeting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Greeting))
}

func placeholder(name string) http.Handler {
	return Handler(func(http.ResponseWriter, *http.Request) error {
		return Errorf(http.StatusNotImplemented, "%s routes are not installed", name)
	})
}
