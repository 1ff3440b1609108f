package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultJSONBodyLimit caps JSON request bodies.
const DefaultJSONBodyLimit = 100 << 10

type jsonBodyKey struct{}

// JSONBody returns the parsed JSON document of the request, if any.
func JSONBody(ctx context.Context) (gjson.Result, bool) {
	doc, ok := ctx.Value(jsonBodyKey{}).(gjson.Result)
	return doc, ok
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// parseJSON validates JSON bodies up to limit bytes and stores the parsed
// document in the request context. The body stays readable for handlers.
func parseJSON(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultJSONBodyLimit
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody || !isJSON(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			_ = r.Body.Close()
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					WriteError(w, r, Error(http.StatusRequestEntityTooLarge, "request entity too large"))
					return
				}
				WriteError(w, r, Errorf(http.StatusBadRequest, "failed to read request body: %w", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if len(bytes.TrimSpace(body)) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if !gjson.ValidBytes(body) {
				WriteError(w, r, Error(http.StatusBadRequest, "invalid JSON body"))
				return
			}

			ctx := context.WithValue(r.Context(), jsonBodyKey{}, gjson.ParseBytes(body))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
