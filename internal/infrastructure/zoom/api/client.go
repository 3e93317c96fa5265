// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package api is the low-level Zoom REST client: OAuth, retries, and the
// handful of endpoints the session service calls. No session semantics live
// here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/carebridge/video-session-service/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientAPI is the surface the provider consumes, split out so tests can
// substitute canned responses per endpoint group.
type ClientAPI interface {
	CreateMeeting(ctx context.Context, userID string, request *CreateMeetingRequest) (*CreateMeetingResponse, error)
	EndMeeting(ctx context.Context, meetingID string) error
	ControlRecording(ctx context.Context, meetingID string, request *RecordingControlRequest) error
	GetLiveMeetingParticipants(ctx context.Context, meetingID string) (*MeetingParticipantsResponse, error)
	GetUsers(ctx context.Context) ([]ZoomUser, error)
}

const (
	// BaseURL is the base URL for the Zoom REST API.
	BaseURL = "https://api.zoom.us/v2"
	// AuthURL is the OAuth token endpoint.
	AuthURL = "https://zoom.us/oauth/token"
	// DefaultClientTimeout bounds one HTTP request to Zoom.
	DefaultClientTimeout = 30 * time.Second

	// Retry defaults.
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Config holds the Zoom client credentials and tunables. The URL overrides
// exist for tests that point the client at a local server.
type Config struct {
	AccountID    string
	ClientID     string
	ClientSecret string

	BaseURL string
	AuthURL string
	Timeout time.Duration

	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Client calls the Zoom REST API with Server-to-Server OAuth credentials.
type Client struct {
	config      Config
	oauthConfig *clientcredentials.Config
}

// Ensure that Client implements ClientAPI
var _ ClientAPI = (*Client)(nil)

// NewClient creates a Zoom API client, filling unset config fields with
// defaults.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = BaseURL
	}
	if config.AuthURL == "" {
		config.AuthURL = AuthURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultClientTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = DefaultBackoffMultiplier
	}

	// Zoom Server-to-Server OAuth wants the account_credentials grant with
	// the account id passed as a token endpoint parameter.
	return &Client{
		config: config,
		oauthConfig: &clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     config.AuthURL,
			EndpointParams: url.Values{
				"grant_type": []string{"account_credentials"},
				"account_id": []string{config.AccountID},
			},
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// authClient returns an HTTP client that injects OAuth tokens and emits
// client spans for every provider call.
func (c *Client) authClient(ctx context.Context) *http.Client {
	return &http.Client{
		Timeout: c.config.Timeout,
		Transport: &oauth2.Transport{
			Base:   otelhttp.NewTransport(http.DefaultTransport),
			Source: c.oauthConfig.TokenSource(ctx),
		},
	}
}

// isRetryable reports whether a failed attempt is worth repeating. Network
// errors retry unless the context is done; 5xx and 429 responses retry;
// everything else does not.
func isRetryable(statusCode int, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	if statusCode >= http.StatusInternalServerError {
		return true
	}
	return statusCode == http.StatusTooManyRequests
}

// retryBackoff returns the jittered exponential delay before the next
// attempt. Jitter is ±25% so synchronized retries spread out.
func (c *Client) retryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.config.InitialBackoff
	}

	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffMultiplier, float64(attempt))
	if time.Duration(backoff) > c.config.MaxBackoff {
		backoff = float64(c.config.MaxBackoff)
	}

	jittered := time.Duration(backoff * (1 + 0.25*(rand.Float64()*2-1)))
	if jittered < c.config.InitialBackoff {
		jittered = c.config.InitialBackoff
	}
	return jittered
}

// doRequest performs one authenticated Zoom API call, retrying transient
// failures. Responses with HTTP-level errors come back with their body
// intact so endpoint code can parse the Zoom error payload. Request bodies
// are never logged; they can carry meeting passcodes.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	requestURL := c.config.BaseURL + path
	httpClient := c.authClient(ctx)

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt == 0 {
			slog.DebugContext(ctx, "making Zoom API request",
				"method", method, "path", path, "max_retries", c.config.MaxRetries)
		} else {
			slog.DebugContext(ctx, "retrying Zoom API request",
				"method", method, "path", path, "attempt", attempt, "max_retries", c.config.MaxRetries)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := httpClient.Do(req)
		duration := time.Since(start)

		// 4xx other than 429 is a definitive answer from Zoom: hand it to the
		// caller instead of retrying.
		if err == nil && resp != nil &&
			resp.StatusCode < http.StatusInternalServerError &&
			resp.StatusCode != http.StatusTooManyRequests {
			if lastResp != nil {
				_ = lastResp.Body.Close()
			}
			slog.InfoContext(ctx, "Zoom API request completed",
				"method", method, "path", path, "status", resp.StatusCode,
				"duration", duration.String(), "attempt", attempt+1)
			if resp.StatusCode >= http.StatusBadRequest {
				logErrorBody(ctx, method, path, resp)
			}
			return resp, nil
		}

		// Keep only the newest response; the previous body must be closed.
		if lastResp != nil && resp != nil {
			_ = lastResp.Body.Close()
		}
		if resp != nil {
			lastResp = resp
		}
		lastErr = err

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}

		if !isRetryable(statusCode, err) {
			slog.ErrorContext(ctx, "Zoom API request failed (not retryable)",
				"method", method, "path", path, "status", statusCode,
				"duration", duration.String(), "attempt", attempt+1,
				logging.ErrKey, err)
			break
		}

		if attempt == c.config.MaxRetries {
			slog.ErrorContext(ctx, "Zoom API request failed after all retries",
				"method", method, "path", path, "status", statusCode,
				"duration", duration.String(), "attempts", attempt+1,
				"max_retries", c.config.MaxRetries,
				logging.ErrKey, err, logging.PriorityCritical())
			break
		}

		backoff := c.retryBackoff(attempt)
		slog.WarnContext(ctx, "Zoom API request failed, retrying",
			"method", method, "path", path, "status", statusCode,
			"duration", duration.String(), "attempt", attempt+1,
			"max_retries", c.config.MaxRetries, "backoff", backoff.String(),
			logging.ErrKey, err)

		select {
		case <-ctx.Done():
			if lastResp != nil {
				_ = lastResp.Body.Close()
			}
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr != nil {
		if lastResp != nil {
			_ = lastResp.Body.Close()
		}
		return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
	}

	if lastResp != nil && lastResp.StatusCode >= http.StatusBadRequest {
		logErrorBody(ctx, method, path, lastResp)
	}
	return lastResp, nil
}

// logErrorBody logs a response's error payload and rewinds the body so the
// caller can still read it.
func logErrorBody(ctx context.Context, method, path string, resp *http.Response) {
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	slog.ErrorContext(ctx, "Zoom API error response",
		"method", method, "path", path, "status", resp.StatusCode,
		"body", string(body),
		logging.ErrKey, fmt.Errorf("status: %d", resp.StatusCode))
}

// parseErrorResponse turns a Zoom error payload into an error, falling back
// to the raw body when the payload is not the documented shape.
func parseErrorResponse(body []byte) error {
	var errResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("zoom API error (code %d): %s", errResp.Code, errResp.Message)
	}
	return fmt.Errorf("zoom API error: %s", string(body))
}
