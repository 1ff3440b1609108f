package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const internalErrorMessage = "Internal Server Error"

// StatusError is an error that carries its HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

type httpError struct {
	code int
	msg  string
	err  error
}

func (e *httpError) Error() string {
	if e.msg == "" && e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e *httpError) StatusCode() int { return e.code }
func (e *httpError) Unwrap() error   { return e.err }

// Error returns an error rendered with the given status.
func Error(code int, msg string) error {
	return &httpError{code: code, msg: msg}
}

// Errorf is Error with formatting. A %w verb keeps the cause for errors.Is.
func Errorf(code int, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &httpError{code: code, msg: err.Error(), err: errors.Unwrap(err)}
}

// Handler is an http.Handler that may fail. Returned errors are rendered
// by the error boundary.
type Handler func(w http.ResponseWriter, r *http.Request) error

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h(w, r); err != nil {
		WriteError(w, r, err)
	}
}

// WriteError renders err as {"message": ...}. Errors without a status are
// 500s, and 5xx messages are hidden in production.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	boundaryFrom(r.Context()).write(w, r, err)
}

type boundaryKey struct{}

type boundary struct {
	production bool
	log        *zap.Logger
}

var fallbackBoundary = &boundary{production: true, log: zap.NewNop()}

func boundaryFrom(ctx context.Context) *boundary {
	if b, ok := ctx.Value(boundaryKey{}).(*boundary); ok {
		return b
	}
	return fallbackBoundary
}

func (b *boundary) write(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var se StatusError
	if errors.As(err, &se) {
		code = se.StatusCode()
	}

	msg := err.Error()
	if code >= http.StatusInternalServerError {
		b.log.Error("request_failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
		if b.production {
			msg = internalErrorMessage
		}
	}

	writeJSON(w, code, map[string]string{"message": msg})
}

// errorBoundary installs the error renderer and converts panics into 500s.
func errorBoundary(production bool, log *zap.Logger) func(http.Handler) http.Handler {
	b := &boundary{production: production, log: log}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(context.WithValue(r.Context(), boundaryKey{}, b))
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				log.Error("handler_panic",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				b.write(w, r, err)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
