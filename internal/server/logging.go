package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"magical-music-backend/internal/metrics"
)

const maxRequestIDLen = 128

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// requestID ensures every request has a request id. A client-supplied
// X-Request-Id is kept; otherwise a UUID is generated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(middleware.RequestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, rid)
		w.Header().Set(middleware.RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs one line per request and records request metrics.
func accessLog(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// Hijacked upgrades never call WriteHeader on the wrapper.
				status = http.StatusOK
				if websocket.IsWebSocketUpgrade(r) {
					status = http.StatusSwitchingProtocols
				}
			}
			elapsed := time.Since(start)

			log.Info("http_request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("ip", r.RemoteAddr),
				zap.String("ua", r.UserAgent()),
			)
			m.ObserveRequest(r.Method, status, elapsed)
		})
	}
}

// requestTimeout bounds handler time. Uploads have their own deadline and
// websocket upgrades outlive the request, so both are exempt.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	timeout := middleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		bounded := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isMultipart(r) || websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			bounded.ServeHTTP(w, r)
		})
	}
}
