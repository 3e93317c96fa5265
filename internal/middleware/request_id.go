// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/carebridge/video-session-service/pkg/constants"
)

// RequestIDMiddleware ensures every request carries a request ID. The ID from the
// X-REQUEST-ID header is reused when the gateway already assigned one, otherwise
// a new one is generated. The ID is stored in the request context and echoed on
// the response so callers can correlate logs across services.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(constants.RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set(constants.RequestIDHeader, requestID)
			}

			ctx := context.WithValue(r.Context(), constants.RequestIDContextID, requestID)
			r = r.WithContext(ctx)

			w.Header().Set(constants.RequestIDHeader, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
