// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// WebhookBodyContextKey keys the captured raw webhook body in a request
// context.
type WebhookBodyContextKey struct{}

// webhookPath is the only endpoint whose body gets captured. Provider
// signatures are computed over the exact bytes on the wire, so the body has
// to be saved before any decoder touches it.
const webhookPath = "/webhooks/video"

// WebhookBodyCaptureMiddleware stores the raw request body of webhook
// deliveries in the context for signature validation, leaving a replayable
// copy for the JSON decoder.
func WebhookBodyCaptureMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != webhookPath {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Failed to read request body", http.StatusBadRequest)
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := context.WithValue(r.Context(), WebhookBodyContextKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRawBodyFromContext returns the captured webhook body, if one was
// stored for this request.
func GetRawBodyFromContext(ctx context.Context) ([]byte, bool) {
	body, ok := ctx.Value(WebhookBodyContextKey{}).([]byte)
	return body, ok
}
