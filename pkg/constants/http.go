// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package constants

import (
	"fmt"
	"net/url"
)

// Constants for the HTTP request headers
const (
	// AuthorizationHeader is the header name for the authorization
	AuthorizationHeader string = "authorization"

	// RequestIDHeader is the header name for the request ID
	RequestIDHeader string = "X-REQUEST-ID"

	// WebhookSignatureHeader carries the provider's HMAC signature on
	// inbound webhook requests.
	WebhookSignatureHeader string = "x-zm-signature"

	// WebhookTimestampHeader carries the provider's request timestamp on
	// inbound webhook requests.
	WebhookTimestampHeader string = "x-zm-request-timestamp"
)

// contextRequestID is the type for the request ID context key
type contextRequestID string

// RequestIDContextID is the context ID for the request ID
const RequestIDContextID contextRequestID = "X-REQUEST-ID"

// contextAuthorization is the type for the authorization context key
type contextAuthorization string

// AuthorizationContextID is the context ID for the authorization
const AuthorizationContextID contextAuthorization = "authorization"

// Clinic app domain constants
const (
	// AppDomainDev is the development domain
	AppDomainDev = "app.dev.carebridge.health"
	// AppDomainStaging is the staging domain
	AppDomainStaging = "app.staging.carebridge.health"
	// AppDomainProd is the production domain
	AppDomainProd = "app.carebridge.health"
)

// GetAppDomain returns the clinic app domain for the environment.
// Environment should be one of: "dev", "staging", "prod".
func GetAppDomain(environment string) string {
	switch environment {
	case "dev":
		return AppDomainDev
	case "staging":
		return AppDomainStaging
	case "prod":
		return AppDomainProd
	default:
		return AppDomainProd
	}
}

// AppURLGenerator generates clinic app URLs with environment-specific domains
// or a custom app origin for local development.
type AppURLGenerator struct {
	environment     string
	customAppOrigin string
}

// NewAppURLGenerator creates an AppURLGenerator for the given environment and
// optional custom app origin.
func NewAppURLGenerator(environment, customAppOrigin string) *AppURLGenerator {
	return &AppURLGenerator{
		environment:     environment,
		customAppOrigin: customAppOrigin,
	}
}

// GenerateConsultURL generates the in-app join URL participants receive for a
// video consultation session.
func (g *AppURLGenerator) GenerateConsultURL(sessionUID, passcode string) string {
	if g.customAppOrigin != "" {
		return fmt.Sprintf("%s/consult/%s?code=%s", g.customAppOrigin, sessionUID, url.QueryEscape(passcode))
	}
	domain := GetAppDomain(g.environment)
	return fmt.Sprintf("https://%s/consult/%s?code=%s", domain, sessionUID, url.QueryEscape(passcode))
}
