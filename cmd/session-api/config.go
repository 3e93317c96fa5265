// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/pkg/constants"
)

// flags are the command line flags for the session service.
type flags struct {
	Debug bool
	Port  string
	Bind  string
}

// environment are the environment variables for the session service.
type environment struct {
	Port              string
	NatsURL           string
	ClinicEnvironment string
	AppOrigin         string
	Zoom              zoomConfig
	Termination       terminationConfig
	ChangeFeed        changeFeedConfig
}

// zoomConfig holds the provider credentials.
type zoomConfig struct {
	AccountID          string
	ClientID           string
	ClientSecret       string
	WebhookSecretToken string
}

// terminationConfig holds the tunable lifecycle timings.
type terminationConfig struct {
	GracePeriod      time.Duration
	WatchdogInterval time.Duration
	IdleCeiling      time.Duration
}

// changeFeedConfig holds the change-feed bridge tunables.
type changeFeedConfig struct {
	DebounceWindow time.Duration
}

// parseFlags parses command line flags for the session service
func parseFlags(defaultPort string) flags {
	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", defaultPort, "listen port")
	var bind = flag.String("bind", "*", "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	// Based on the debug flag, set the log level environment variable used by [logging.InitStructureLogConfig]
	if *debug {
		err := os.Setenv("LOG_LEVEL", "debug")
		if err != nil {
			slog.With(logging.ErrKey, err).Error("error setting log level")
			os.Exit(1)
		}
	}

	return flags{
		Debug: *debug,
		Port:  *port,
		Bind:  *bind,
	}
}

// parseEnv parses environment variables for the session service
func parseEnv() environment {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://carebridge-nats.clinic.svc.cluster.local:4222"
	}

	clinicEnvironmentRaw := os.Getenv("CLINIC_ENVIRONMENT")
	var clinicEnvironment string
	switch clinicEnvironmentRaw {
	case "dev", "development":
		clinicEnvironment = "dev"
	case "staging", "stg", "stage":
		clinicEnvironment = "staging"
	case "prod", "production":
		clinicEnvironment = "prod"
	default:
		clinicEnvironment = "prod" // Default to production
	}

	appOrigin := os.Getenv("APP_ORIGIN")

	return environment{
		Port:              port,
		NatsURL:           natsURL,
		ClinicEnvironment: clinicEnvironment,
		AppOrigin:         appOrigin,
		Zoom:              parseZoomConfig(),
		Termination: terminationConfig{
			GracePeriod:      parseDurationEnv("SESSION_GRACE_PERIOD", constants.DefaultTerminationGracePeriod),
			WatchdogInterval: parseDurationEnv("WATCHDOG_INTERVAL", constants.DefaultWatchdogInterval),
			IdleCeiling:      parseDurationEnv("IDLE_SESSION_CEILING", constants.DefaultIdleSessionCeiling),
		},
		ChangeFeed: changeFeedConfig{
			DebounceWindow: parseDurationEnv("CHANGEFEED_DEBOUNCE_WINDOW", constants.DefaultChangeFeedDebounceWindow),
		},
	}
}

// parseZoomConfig parses the provider credentials from environment variables
func parseZoomConfig() zoomConfig {
	accountID := os.Getenv("ZOOM_ACCOUNT_ID")
	if accountID == "" {
		slog.Error("ZOOM_ACCOUNT_ID environment variable is required but not set")
		os.Exit(1)
	}

	clientID := os.Getenv("ZOOM_CLIENT_ID")
	if clientID == "" {
		slog.Error("ZOOM_CLIENT_ID environment variable is required but not set")
		os.Exit(1)
	}

	clientSecret := os.Getenv("ZOOM_CLIENT_SECRET")
	if clientSecret == "" {
		slog.Error("ZOOM_CLIENT_SECRET environment variable is required but not set")
		os.Exit(1)
	}

	webhookSecretToken := os.Getenv("ZOOM_WEBHOOK_SECRET_TOKEN")
	if webhookSecretToken == "" {
		slog.Error("ZOOM_WEBHOOK_SECRET_TOKEN environment variable is required but not set")
		os.Exit(1)
	}

	return zoomConfig{
		AccountID:          accountID,
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		WebhookSecretToken: webhookSecretToken,
	}
}

// parseDurationEnv reads a duration environment variable, falling back to the
// given default when the variable is unset or unparsable.
func parseDurationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		slog.With(logging.ErrKey, err, "name", name, "value", raw).Error("invalid duration environment variable, using default")
		return fallback
	}
	return parsed
}
