// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carebridge/video-session-service/pkg/constants"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		incomingID      string
		expectGenerated bool
	}{
		{
			name:            "reuses the request ID from the gateway",
			incomingID:      "gateway-assigned-id",
			expectGenerated: false,
		},
		{
			name:            "generates a request ID when none is set",
			incomingID:      "",
			expectGenerated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contextID string
			var contextHasID bool

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contextID, contextHasID = r.Context().Value(constants.RequestIDContextID).(string)
				w.WriteHeader(http.StatusOK)
			})

			middleware := RequestIDMiddleware()
			wrappedHandler := middleware(handler)

			req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
			if tt.incomingID != "" {
				req.Header.Set(constants.RequestIDHeader, tt.incomingID)
			}
			w := httptest.NewRecorder()

			wrappedHandler.ServeHTTP(w, req)

			assert.True(t, contextHasID, "Expected a request ID in the request context")
			assert.Equal(t, w.Header().Get(constants.RequestIDHeader), contextID,
				"Response header should echo the context request ID")

			if tt.expectGenerated {
				assert.NotEmpty(t, contextID)
			} else {
				assert.Equal(t, tt.incomingID, contextID)
			}
		})
	}
}
