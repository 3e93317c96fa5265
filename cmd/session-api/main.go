// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package main is the video session service API that provides a RESTful API
// for managing video consultation sessions and handles NATS messages for the
// session lifecycle.
package main

import (
	"context"
	_ "expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carebridge/video-session-service/internal/handlers"
	"github.com/carebridge/video-session-service/internal/infrastructure/changefeed"
	"github.com/carebridge/video-session-service/internal/infrastructure/messaging"
	"github.com/carebridge/video-session-service/internal/infrastructure/store"
	"github.com/carebridge/video-session-service/internal/infrastructure/zoom"
	zoomapi "github.com/carebridge/video-session-service/internal/infrastructure/zoom/api"
	zoomwebhook "github.com/carebridge/video-session-service/internal/infrastructure/zoom/webhook"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/internal/observability"
	"github.com/carebridge/video-session-service/internal/service"
	"github.com/carebridge/video-session-service/pkg/utils"
)

func main() {
	env := parseEnv()
	flags := parseFlags(env.Port)

	logging.InitStructureLogConfig()

	// Set up the OpenTelemetry SDK. Exporters are configured through the
	// standard OTEL_* environment variables and default to disabled.
	otelShutdown, err := utils.SetupOTelSDK(context.Background())
	if err != nil {
		slog.With(logging.ErrKey, err).Error("error setting up OpenTelemetry")
		os.Exit(1)
	}

	// Initialize the video provider and its webhook validator
	zoomClient := zoomapi.NewClient(zoomapi.Config{
		AccountID:    env.Zoom.AccountID,
		ClientID:     env.Zoom.ClientID,
		ClientSecret: env.Zoom.ClientSecret,
	})
	provider := zoom.NewZoomProvider(zoomClient)
	webhookValidator := zoomwebhook.NewZoomWebhookValidator(env.Zoom.WebhookSecretToken)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	gracefulCloseWG := sync.WaitGroup{}

	// Setup NATS connection
	natsConn, err := setupNATS(ctx, env, &gracefulCloseWG, done)
	if err != nil {
		slog.With(logging.ErrKey, err).Error("error setting up NATS")
		return
	}

	// Get the key-value stores for the service.
	stores, err := getKeyValueStores(ctx, natsConn)
	if err != nil {
		slog.With(logging.ErrKey, err).Error("error getting key-value stores")
		return
	}

	sessionRepository := store.NewNatsCallSessionRepository(stores.Sessions)
	participantRepository := store.NewNatsParticipantRecordRepository(stores.Participants)
	appointmentRepository := store.NewNatsAppointmentRepository(stores.Appointments)

	// Initialize services
	serviceConfig := service.ServiceConfig{
		ClinicEnvironment: env.ClinicEnvironment,
		CustomAppOrigin:   env.AppOrigin,
	}
	messageBuilder := messaging.NewMessageBuilder(natsConn)
	metrics := observability.NewMetrics(observability.DefaultNamespace)
	tracker := service.NewParticipantTracker(participantRepository)
	recording := service.NewRecordingController(sessionRepository, provider)
	policy := service.NewTerminationPolicy(
		sessionRepository,
		participantRepository,
		provider,
		service.TerminationPolicyConfig{
			GracePeriod:      env.Termination.GracePeriod,
			WatchdogInterval: env.Termination.WatchdogInterval,
			IdleCeiling:      env.Termination.IdleCeiling,
		},
	)
	sessionManager := service.NewSessionManager(
		serviceConfig,
		sessionRepository,
		appointmentRepository,
		tracker,
		recording,
		policy,
		provider,
		messageBuilder,
		metrics,
	)
	webhookService := service.NewVideoWebhookService(messageBuilder, webhookValidator)

	// Initialize handlers
	webhookHandler := handlers.NewVideoWebhookHandler(sessionManager)
	sessionHandler := handlers.NewSessionHandler(sessionManager)

	svc := NewSessionAPI(sessionManager, webhookService, webhookHandler, sessionHandler, natsConn)

	httpServer := setupHTTPServer(flags, svc, &gracefulCloseWG)

	// Create NATS subscriptions for the service.
	err = createNatsSubcriptions(ctx, svc, natsConn)
	if err != nil {
		slog.With(logging.ErrKey, err).Error("error creating NATS subscriptions")
		return
	}

	// Watch the KV buckets so writes that arrive outside the webhook flow,
	// like a booking-service cancellation, reconcile promptly.
	bridge := changefeed.NewBridge(
		stores.Sessions,
		stores.Participants,
		stores.Appointments,
		sessionManager,
		metrics,
		changefeed.Config{DebounceWindow: env.ChangeFeed.DebounceWindow},
	)
	if err := bridge.Start(ctx); err != nil {
		slog.With(logging.ErrKey, err).Error("error starting change-feed bridge")
		return
	}

	// The watchdog sweeps ongoing sessions for leaks until shutdown.
	go sessionManager.RunWatchdog(ctx)

	// This next line blocks until SIGINT or SIGTERM is received.
	<-done

	gracefulShutdown(httpServer, natsConn, bridge, policy, otelShutdown, &gracefulCloseWG, cancel)
}

// gracefulShutdown drains the HTTP server, stops the background workers, and
// drains the NATS connection so in-flight messages finish before exit.
func gracefulShutdown(
	httpServer *http.Server,
	natsConn *nats.Conn,
	bridge *changefeed.Bridge,
	policy *service.TerminationPolicy,
	otelShutdown func(context.Context) error,
	gracefulCloseWG *sync.WaitGroup,
	cancel context.CancelFunc,
) {
	slog.Info("gracefully shutting down")

	// Stop the watchdog and the change-feed watch loops.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownSeconds*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.With(logging.ErrKey, err).Error("error shutting down http server")
	}
	// The HTTP listener goroutine never decrements the wait group because
	// ListenAndServe returns the moment Shutdown is called; the Shutdown call
	// above only returns once in-flight requests are drained.
	gracefulCloseWG.Done()

	// Drop pending debounce timers and wait for the watch loops to exit.
	bridge.Shutdown()
	bridge.Wait()

	// Release armed grace timers. Interrupted terminations are repaired by
	// the reconciliation pass on the next startup.
	policy.Shutdown()

	// Drain the NATS connection: subscriptions finish their in-flight
	// messages, then the connection closes and its ClosedHandler releases
	// the wait group.
	if natsConn != nil && !natsConn.IsClosed() {
		if err := natsConn.Drain(); err != nil {
			slog.With(logging.ErrKey, err).Error("error draining NATS connection")
		}
	}

	gracefulCloseWG.Wait()

	if err := otelShutdown(shutdownCtx); err != nil {
		slog.With(logging.ErrKey, err).Error("error shutting down OpenTelemetry")
	}
}
