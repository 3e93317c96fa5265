// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newAuthServer serves only the OAuth token endpoint.
func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "test_token", "token_type": "Bearer"}`))
	}))
}

// testConfig points a client at local auth and API servers with short
// backoffs so retry tests finish quickly.
func testConfig(authURL, baseURL string, maxRetries int) Config {
	return Config{
		AccountID:         "acct",
		ClientID:          "id",
		ClientSecret:      "secret",
		BaseURL:           baseURL,
		AuthURL:           authURL + "/token",
		MaxRetries:        maxRetries,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("fills defaults for unset fields", func(t *testing.T) {
		client := NewClient(Config{
			AccountID:    "acct",
			ClientID:     "id",
			ClientSecret: "secret",
		})

		if client.config.BaseURL != BaseURL {
			t.Errorf("BaseURL = %q, want %q", client.config.BaseURL, BaseURL)
		}
		if client.config.AuthURL != AuthURL {
			t.Errorf("AuthURL = %q, want %q", client.config.AuthURL, AuthURL)
		}
		if client.config.Timeout != DefaultClientTimeout {
			t.Errorf("Timeout = %v, want %v", client.config.Timeout, DefaultClientTimeout)
		}
		if client.config.MaxRetries != DefaultMaxRetries {
			t.Errorf("MaxRetries = %d, want %d", client.config.MaxRetries, DefaultMaxRetries)
		}
		if client.config.InitialBackoff != DefaultInitialBackoff {
			t.Errorf("InitialBackoff = %v, want %v", client.config.InitialBackoff, DefaultInitialBackoff)
		}
		if client.config.MaxBackoff != DefaultMaxBackoff {
			t.Errorf("MaxBackoff = %v, want %v", client.config.MaxBackoff, DefaultMaxBackoff)
		}
		if client.config.BackoffMultiplier != DefaultBackoffMultiplier {
			t.Errorf("BackoffMultiplier = %v, want %v", client.config.BackoffMultiplier, DefaultBackoffMultiplier)
		}
	})

	t.Run("keeps explicit overrides", func(t *testing.T) {
		client := NewClient(Config{
			AccountID:    "acct",
			ClientID:     "id",
			ClientSecret: "secret",
			BaseURL:      "https://api.zoom.example/v2",
			AuthURL:      "https://auth.zoom.example/token",
			Timeout:      45 * time.Second,
			MaxRetries:   7,
		})

		if client.config.BaseURL != "https://api.zoom.example/v2" {
			t.Errorf("BaseURL = %q", client.config.BaseURL)
		}
		if client.config.AuthURL != "https://auth.zoom.example/token" {
			t.Errorf("AuthURL = %q", client.config.AuthURL)
		}
		if client.config.Timeout != 45*time.Second {
			t.Errorf("Timeout = %v", client.config.Timeout)
		}
		if client.config.MaxRetries != 7 {
			t.Errorf("MaxRetries = %d", client.config.MaxRetries)
		}
	})

	t.Run("configures account_credentials grant", func(t *testing.T) {
		client := NewClient(Config{
			AccountID:    "acct-42",
			ClientID:     "id",
			ClientSecret: "secret",
		})

		oc := client.oauthConfig
		if oc == nil {
			t.Fatal("oauthConfig is nil")
		}
		if oc.ClientID != "id" || oc.ClientSecret != "secret" {
			t.Errorf("credentials = %q/%q", oc.ClientID, oc.ClientSecret)
		}
		if oc.TokenURL != AuthURL {
			t.Errorf("TokenURL = %q, want %q", oc.TokenURL, AuthURL)
		}
		if got := oc.EndpointParams.Get("grant_type"); got != "account_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		if got := oc.EndpointParams.Get("account_id"); got != "acct-42" {
			t.Errorf("account_id = %q", got)
		}
	})

	t.Run("authClient carries the configured timeout", func(t *testing.T) {
		client := NewClient(Config{
			AccountID:    "acct",
			ClientID:     "id",
			ClientSecret: "secret",
			Timeout:      12 * time.Second,
		})

		hc := client.authClient(context.Background())
		if hc.Timeout != 12*time.Second {
			t.Errorf("timeout = %v, want 12s", hc.Timeout)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       bool
	}{
		{name: "500 retries", statusCode: 500, want: true},
		{name: "502 retries", statusCode: 502, want: true},
		{name: "503 retries", statusCode: 503, want: true},
		{name: "429 retries", statusCode: 429, want: true},
		{name: "400 does not retry", statusCode: 400, want: false},
		{name: "401 does not retry", statusCode: 401, want: false},
		{name: "404 does not retry", statusCode: 404, want: false},
		{name: "200 does not retry", statusCode: 200, want: false},
		{name: "network error retries", err: errors.New("connection refused"), want: true},
		{name: "cancellation does not retry", err: context.Canceled, want: false},
		{name: "deadline does not retry", err: context.DeadlineExceeded, want: false},
		{
			name: "wrapped cancellation does not retry",
			err:  fmt.Errorf("Get \"/users\": %w", context.Canceled),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("isRetryable(%d, %v) = %v, want %v", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	client := NewClient(Config{
		AccountID:         "acct",
		ClientID:          "id",
		ClientSecret:      "secret",
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	})

	t.Run("first backoff is the initial backoff", func(t *testing.T) {
		if got := client.retryBackoff(0); got != 100*time.Millisecond {
			t.Errorf("retryBackoff(0) = %v, want 100ms", got)
		}
	})

	t.Run("later attempts grow exponentially with jitter", func(t *testing.T) {
		bounds := []struct {
			attempt  int
			min, max time.Duration
		}{
			{attempt: 1, min: 150 * time.Millisecond, max: 250 * time.Millisecond},
			{attempt: 2, min: 300 * time.Millisecond, max: 500 * time.Millisecond},
		}
		for _, b := range bounds {
			for range 20 {
				got := client.retryBackoff(b.attempt)
				if got < b.min || got > b.max {
					t.Fatalf("retryBackoff(%d) = %v, want within [%v, %v]", b.attempt, got, b.min, b.max)
				}
			}
		}
	})

	t.Run("caps at max backoff plus jitter", func(t *testing.T) {
		limit := time.Duration(float64(client.config.MaxBackoff) * 1.25)
		for range 20 {
			if got := client.retryBackoff(10); got > limit {
				t.Fatalf("retryBackoff(10) = %v, want <= %v", got, limit)
			}
		}
	})

	t.Run("never drops below the initial backoff", func(t *testing.T) {
		for range 20 {
			if got := client.retryBackoff(1); got < client.config.InitialBackoff {
				t.Fatalf("retryBackoff(1) = %v, want >= %v", got, client.config.InitialBackoff)
			}
		}
	})
}

func TestParseErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "documented error shape",
			body: `{"code": 3001, "message": "Meeting does not exist"}`,
			want: "zoom API error (code 3001): Meeting does not exist",
		},
		{
			name: "not JSON falls back to raw body",
			body: `gateway timeout`,
			want: "zoom API error: gateway timeout",
		},
		{
			name: "empty message falls back to raw body",
			body: `{"code": 500, "message": ""}`,
			want: `zoom API error: {"code": 500, "message": ""}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseErrorResponse([]byte(tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestDoRequest(t *testing.T) {
	t.Run("attaches the OAuth token", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		var gotAuth string
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 0))
		resp, err := client.doRequest(context.Background(), http.MethodGet, "/users", nil)
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		_ = resp.Body.Close()

		if gotAuth != "Bearer test_token" {
			t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test_token")
		}
	})

	t.Run("sends the body as JSON", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		var gotContentType string
		var gotBody map[string]any
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 0))
		resp, err := client.doRequest(context.Background(), http.MethodPost, "/users/u1/meetings",
			map[string]string{"topic": "checkup"})
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		_ = resp.Body.Close()

		if gotContentType != "application/json" {
			t.Errorf("Content-Type = %q", gotContentType)
		}
		if gotBody["topic"] != "checkup" {
			t.Errorf("body = %v", gotBody)
		}
	})

	t.Run("retries 5xx and returns the eventual success", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		attempts := 0
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts <= 2 {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"code": 500, "message": "hiccup"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok": true}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 3))
		resp, err := client.doRequest(context.Background(), http.MethodGet, "/users", nil)
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("retries 429", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		attempts := 0
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code": 429, "message": "slow down"}`))
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 2))
		resp, err := client.doRequest(context.Background(), http.MethodGet, "/users", nil)
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		_ = resp.Body.Close()

		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("hands 4xx responses to the caller without retrying", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		attempts := 0
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code": 3001, "message": "Meeting does not exist"}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 3))
		resp, err := client.doRequest(context.Background(), http.MethodGet, "/meetings/broken", nil)
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}

		// The error body must still be readable after the client logged it.
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading body: %v", err)
		}
		if !strings.Contains(string(body), "Meeting does not exist") {
			t.Errorf("body = %q, want the original payload", body)
		}
	})

	t.Run("returns the last response when retries run out", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		attempts := 0
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code": 500, "message": "still broken"}`))
		}))
		defer apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiSrv.URL, 2))
		resp, err := client.doRequest(context.Background(), http.MethodGet, "/users", nil)
		if err != nil {
			t.Fatalf("doRequest: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3 (one try plus two retries)", attempts)
		}
	})

	t.Run("wraps the error when every attempt fails on the wire", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		apiURL := apiSrv.URL
		apiSrv.Close()

		client := NewClient(testConfig(authSrv.URL, apiURL, 2))
		_, err := client.doRequest(context.Background(), http.MethodGet, "/users", nil)
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "request failed after 3 attempts") {
			t.Errorf("error = %v, want attempt count in message", err)
		}
	})

	t.Run("stops retrying when the context expires", func(t *testing.T) {
		authSrv := newAuthServer(t)
		defer authSrv.Close()

		attempts := 0
		apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code": 500, "message": "hiccup"}`))
		}))
		defer apiSrv.Close()

		config := testConfig(authSrv.URL, apiSrv.URL, 5)
		config.InitialBackoff = 50 * time.Millisecond
		config.MaxBackoff = time.Second
		client := NewClient(config)

		ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
		defer cancel()

		_, err := client.doRequest(ctx, http.MethodGet, "/users", nil)
		if err == nil {
			t.Fatal("expected an error")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want context.DeadlineExceeded", err)
		}
		if attempts > 3 {
			t.Errorf("attempts = %d, want the deadline to cut retries short", attempts)
		}
	})
}
