// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package middleware provides HTTP middleware for the video session service.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/constants"
)

// isHealthProbe reports whether the path is one of the kubelet probes, which
// would otherwise dominate the request log.
func isHealthProbe(path string) bool {
	return path == "/livez" || path == "/readyz"
}

// RequestLoggerMiddleware logs one line per request and response, and seeds
// the request context with attributes every downstream log line inherits.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now().UTC()

			ctx := logging.AppendCtx(r.Context(),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", r.URL.RawQuery),
				slog.String("host", r.Host),
				slog.String("user_agent", r.UserAgent()),
				slog.String("remote_addr", r.RemoteAddr),
			)
			if requestID := r.Header.Get(constants.RequestIDHeader); requestID != "" {
				ctx = logging.AppendCtx(ctx, slog.String("request_id", requestID))
			}
			r = r.WithContext(ctx)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			probe := isHealthProbe(r.URL.Path)
			if !probe {
				slog.InfoContext(ctx, "HTTP request")
			}

			next.ServeHTTP(recorder, r)

			if !probe {
				slog.InfoContext(ctx, "HTTP response",
					"status", recorder.status,
					"duration", time.Since(start).String())
			}
		})
	}
}

// statusRecorder remembers the response status for the access log. Handlers
// that never call WriteHeader implicitly answer 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
