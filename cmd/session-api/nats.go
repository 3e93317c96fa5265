// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/infrastructure/messaging"
	"github.com/carebridge/video-session-service/internal/infrastructure/store"
	"github.com/carebridge/video-session-service/internal/logging"
)

// gracefulShutdownSeconds is how long shutdown waits for in-flight work.
const gracefulShutdownSeconds = 25

// setupNATS establishes the NATS connection for the service. The connection
// reconnects indefinitely; a permanent close releases the graceful-close wait
// group and raises SIGTERM so the service restarts rather than running
// without its backbone.
func setupNATS(ctx context.Context, env environment, gracefulCloseWG *sync.WaitGroup, done chan os.Signal) (*nats.Conn, error) {
	slog.With("nats_url", env.NatsURL).InfoContext(ctx, "connecting to NATS")

	// The wait group is released by the ClosedHandler once the connection has
	// fully drained.
	gracefulCloseWG.Add(1)
	natsConn, err := nats.Connect(
		env.NatsURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(_ *nats.Conn) {
			slog.With("nats_url", env.NatsURL).DebugContext(ctx, "NATS connection established")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.With(logging.ErrKey, err).WarnContext(ctx, "NATS connection lost, reconnecting")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			slog.With("nats_url", conn.ConnectedUrl()).InfoContext(ctx, "NATS connection reestablished")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				slog.With(logging.ErrKey, err, "subject", sub.Subject, "queue", sub.Queue).ErrorContext(ctx, "async NATS error")
				return
			}
			slog.With(logging.ErrKey, err).ErrorContext(ctx, "async NATS error outside subscription")
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			slog.With("last_error", conn.LastError()).InfoContext(ctx, "NATS connection closed")
			gracefulCloseWG.Done()
			done <- syscall.SIGTERM
		}),
	)
	if err != nil {
		gracefulCloseWG.Done()
		return nil, err
	}

	return natsConn, nil
}

// keyValueStores are the JetStream KV handles backing the repositories and
// the change-feed bridge.
type keyValueStores struct {
	Sessions     jetstream.KeyValue
	Participants jetstream.KeyValue
	Appointments jetstream.KeyValue
}

// getKeyValueStores binds the JetStream key-value buckets. The session and
// participant buckets belong to this service and are created on first start;
// the appointments bucket is a projection owned by the booking service and is
// only bound, never created.
func getKeyValueStores(ctx context.Context, natsConn *nats.Conn) (*keyValueStores, error) {
	js, err := jetstream.New(natsConn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sessions, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: store.KVStoreNameSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind bucket '%s': %w", store.KVStoreNameSessions, err)
	}

	participants, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: store.KVStoreNameParticipants,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind bucket '%s': %w", store.KVStoreNameParticipants, err)
	}

	appointments, err := js.KeyValue(ctx, store.KVStoreNameAppointments)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("bucket '%s' not found: the booking service provisions it: %w", store.KVStoreNameAppointments, err)
		}
		return nil, fmt.Errorf("failed to bind bucket '%s': %w", store.KVStoreNameAppointments, err)
	}

	return &keyValueStores{
		Sessions:     sessions,
		Participants: participants,
		Appointments: appointments,
	}, nil
}

// createNatsSubcriptions sets up the queue subscriptions for the service.
// Every instance joins the same queue group so each message is handled once.
func createNatsSubcriptions(ctx context.Context, svc *SessionAPI, natsConn *nats.Conn) error {
	subjectHandlers := map[string]domain.MessageHandler{
		models.SessionForceEndSubject:               svc.sessionHandler,
		models.VideoWebhookMeetingEndedSubject:      svc.webhookHandler,
		models.VideoWebhookParticipantJoinedSubject: svc.webhookHandler,
		models.VideoWebhookParticipantLeftSubject:   svc.webhookHandler,
		models.VideoWebhookRecordingStartedSubject:  svc.webhookHandler,
		models.VideoWebhookRecordingStoppedSubject:  svc.webhookHandler,
	}

	for subject, handler := range subjectHandlers {
		sub, err := natsConn.QueueSubscribe(subject, models.SessionAPIQueue, func(msg *nats.Msg) {
			handler.HandleMessage(ctx, messaging.NewNatsMsg(msg))
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject '%s': %w", subject, err)
		}
		slog.With("subject", sub.Subject, "queue", models.SessionAPIQueue).DebugContext(ctx, "subscribed to NATS subject")
	}

	return nil
}
