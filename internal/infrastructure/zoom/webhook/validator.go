// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package webhook validates inbound Zoom webhook requests.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/carebridge/video-session-service/internal/domain"
)

// ZoomWebhookValidator checks the x-zm-signature header Zoom sends with
// every webhook delivery.
type ZoomWebhookValidator struct {
	SecretToken string
}

// NewZoomWebhookValidator creates a validator bound to the account's webhook
// secret token.
func NewZoomWebhookValidator(secretToken string) *ZoomWebhookValidator {
	return &ZoomWebhookValidator{SecretToken: secretToken}
}

var _ domain.WebhookValidator = (*ZoomWebhookValidator)(nil)

// sign computes Zoom's v0 signature: HMAC-SHA256 over "v0:{timestamp}:{body}"
// keyed with the secret token, hex encoded with a "v0=" prefix.
func (v *ZoomWebhookValidator) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(v.SecretToken))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature recomputes the v0 signature over the raw body and
// compares it to the delivered header in constant time.
func (v *ZoomWebhookValidator) ValidateSignature(body []byte, signature, timestamp string) error {
	if v.SecretToken == "" {
		return errors.New("webhook secret token not configured")
	}
	if signature == "" {
		return errors.New("missing webhook signature")
	}
	if timestamp == "" {
		return errors.New("missing webhook timestamp")
	}

	expected := v.sign(timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}

// GetSecretToken exposes the shared secret for Zoom's endpoint validation
// challenge.
func (v *ZoomWebhookValidator) GetSecretToken() string {
	return v.SecretToken
}
