// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package changefeed watches the NATS KV buckets behind the service and
// turns raw entry updates into normalized change-feed events for the
// session manager to reconcile.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/infrastructure/store"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/carebridge/video-session-service/internal/observability"
	"github.com/carebridge/video-session-service/pkg/constants"
	"github.com/nats-io/nats.go/jetstream"
)

// INatsKeyValueWatch is the NATS KV watching interface the bridge is built on.
// It matches jetstream.KeyValue and allows for mocking in tests.
type INatsKeyValueWatch interface {
	Bucket() string
	WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// EventConsumer receives normalized change-feed events and runs the full
// reconciliation pass. The session manager implements it.
type EventConsumer interface {
	HandleChangeFeedEvent(ctx context.Context, event *models.ChangeFeedEvent) error
	ReconcileAllSessions(ctx context.Context) error
}

// Config tunes the bridge. Zero values fall back to the package defaults.
type Config struct {
	// DebounceWindow is how long a key is held after its first update so a
	// burst of writes to one record reconciles once.
	DebounceWindow time.Duration
	// ReconnectMinWait and ReconnectMaxWait bound the backoff between
	// watcher reattach attempts.
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

// bucketWatch pairs a watchable bucket with the table it maps to and the
// key normalization for that bucket's layout.
type bucketWatch struct {
	kv        INatsKeyValueWatch
	table     models.ChangeFeedTable
	normalize func(ctx context.Context, storeKey string) (string, bool)
}

// pendingEvent is a debounced event waiting out its window. The event is
// replaced in place when the same key updates again before the timer fires.
type pendingEvent struct {
	timer *time.Timer
	event *models.ChangeFeedEvent
}

// Bridge subscribes to the session, participant and appointment buckets and
// forwards their mutations to the consumer as change-feed events. Watchers
// are long-lived: a lost watcher is reattached with backoff and followed by
// a full reconciliation pass, because the feed is at-least-once and a gap
// across the outage is possible. The same pass runs once at startup to
// repair anything that happened while the service was down.
type Bridge struct {
	consumer   EventConsumer
	metrics    *observability.Metrics
	keyBuilder *store.KeyBuilder

	watches []bucketWatch

	debounceWindow   time.Duration
	reconnectMinWait time.Duration
	reconnectMaxWait time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool

	wg sync.WaitGroup
}

// NewBridge creates a new Bridge over the three watched buckets.
func NewBridge(
	sessions INatsKeyValueWatch,
	participants INatsKeyValueWatch,
	appointments INatsKeyValueWatch,
	consumer EventConsumer,
	metrics *observability.Metrics,
	config Config,
) *Bridge {
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = constants.DefaultChangeFeedDebounceWindow
	}
	if config.ReconnectMinWait <= 0 {
		config.ReconnectMinWait = constants.DefaultChangeFeedReconnectMinWait
	}
	if config.ReconnectMaxWait <= 0 {
		config.ReconnectMaxWait = constants.DefaultChangeFeedReconnectMaxWait
	}

	b := &Bridge{
		consumer:         consumer,
		metrics:          metrics,
		keyBuilder:       store.NewKeyBuilder(),
		debounceWindow:   config.DebounceWindow,
		reconnectMinWait: config.ReconnectMinWait,
		reconnectMaxWait: config.ReconnectMaxWait,
		pending:          make(map[string]*pendingEvent),
	}
	b.watches = []bucketWatch{
		{kv: sessions, table: models.ChangeFeedTableSessions, normalize: b.sessionUID},
		{kv: participants, table: models.ChangeFeedTableParticipants, normalize: b.participantUID},
		{kv: appointments, table: models.ChangeFeedTableAppointments, normalize: appointmentUID},
	}
	return b
}

// Ready checks if the bridge has everything it needs to start.
func (b *Bridge) Ready() bool {
	if b.consumer == nil || len(b.watches) == 0 {
		return false
	}
	for _, w := range b.watches {
		if w.kv == nil {
			return false
		}
	}
	return true
}

// Start attaches a watcher to every bucket and launches the startup
// reconciliation pass, then returns. Watchers subscribe to updates only:
// pre-existing entries are covered by the reconciliation pass, which runs
// after the watchers are attached so nothing can land between the two
// unobserved. The loops run until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.Ready() {
		slog.ErrorContext(ctx, "change-feed bridge not initialized", logging.PriorityCritical())
		return domain.NewUnavailableError("change-feed bridge not initialized")
	}

	for i := range b.watches {
		w := &b.watches[i]
		watcher, err := w.kv.WatchAll(ctx, jetstream.UpdatesOnly())
		if err != nil {
			return domain.NewInternalError(
				fmt.Sprintf("failed to watch bucket '%s'", w.kv.Bucket()), err)
		}
		b.wg.Add(1)
		go b.watchLoop(ctx, w, watcher)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reconcile(ctx)
	}()

	return nil
}

// Wait blocks until every watch loop has exited after the context given to
// Start is cancelled.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Shutdown releases the pending debounce timers. Events dropped here are
// repaired by the startup reconciliation of the next instance.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, pending := range b.pending {
		pending.timer.Stop()
		delete(b.pending, key)
	}
}

func (b *Bridge) watchLoop(ctx context.Context, w *bucketWatch, watcher jetstream.KeyWatcher) {
	defer b.wg.Done()

	bucket := w.kv.Bucket()
	slog.InfoContext(ctx, "change-feed watcher started", "bucket", bucket)

	for {
		b.consume(ctx, w, watcher)
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "change-feed watcher stopped", "bucket", bucket)
			return
		}

		watcher = b.reattach(ctx, w)
		if watcher == nil {
			slog.InfoContext(ctx, "change-feed watcher stopped", "bucket", bucket)
			return
		}
		if b.metrics != nil {
			b.metrics.ChangeFeedReconnects.Inc()
		}

		// A gap across the outage is possible; re-derive state from the
		// store rather than assuming no events were missed.
		b.reconcile(ctx)
	}
}

// consume drains the watcher until the context is cancelled or the watcher
// dies out from under us.
func (b *Bridge) consume(ctx context.Context, w *bucketWatch, watcher jetstream.KeyWatcher) {
	defer func() {
		if err := watcher.Stop(); err != nil {
			slog.DebugContext(ctx, "error stopping change-feed watcher",
				logging.ErrKey, err, "bucket", w.kv.Bucket())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// Marker signaling the initial replay is complete.
				continue
			}
			b.dispatch(ctx, w, entry)
		}
	}
}

// reattach re-establishes a bucket watcher, backing off between attempts.
// Returns nil once the context is cancelled.
func (b *Bridge) reattach(ctx context.Context, w *bucketWatch) jetstream.KeyWatcher {
	bucket := w.kv.Bucket()
	wait := b.reconnectMinWait

	for {
		slog.WarnContext(ctx, "change-feed watcher lost, reconnecting",
			"bucket", bucket,
			"reconnect_wait", wait.String(),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		watcher, err := w.kv.WatchAll(ctx, jetstream.UpdatesOnly())
		if err == nil {
			slog.InfoContext(ctx, "change-feed watcher reattached", "bucket", bucket)
			return watcher
		}
		slog.ErrorContext(ctx, "change-feed watcher reattach failed",
			logging.ErrKey, err, "bucket", bucket)

		wait *= 2
		if wait > b.reconnectMaxWait {
			wait = b.reconnectMaxWait
		}
	}
}

// dispatch normalizes one KV entry into a change-feed event and enqueues it.
func (b *Bridge) dispatch(ctx context.Context, w *bucketWatch, entry jetstream.KeyValueEntry) {
	key, ok := w.normalize(ctx, entry.Key())
	if !ok {
		return
	}

	event := &models.ChangeFeedEvent{
		Table:    w.table,
		Key:      key,
		Revision: entry.Revision(),
	}
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		event.Operation = models.ChangeFeedOpPut
		event.Row = entry.Value()
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		event.Operation = models.ChangeFeedOpDelete
	default:
		return
	}

	slog.DebugContext(ctx, "observed change-feed entry",
		"table", string(event.Table),
		"key", event.Key,
		"operation", string(event.Operation),
		"revision", event.Revision,
	)
	b.enqueue(event)
}

// enqueue holds the event for the debounce window. A burst of writes to one
// key collapses to its newest state; the window is anchored on the first
// write so a hot key cannot defer delivery forever.
func (b *Bridge) enqueue(event *models.ChangeFeedEvent) {
	pendingKey := string(event.Table) + "/" + event.Key

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if pending, armed := b.pending[pendingKey]; armed {
		pending.event = event
		return
	}

	pending := &pendingEvent{event: event}
	pending.timer = time.AfterFunc(b.debounceWindow, func() {
		b.flush(pendingKey)
	})
	b.pending[pendingKey] = pending
}

func (b *Bridge) flush(pendingKey string) {
	b.mu.Lock()
	pending, armed := b.pending[pendingKey]
	delete(b.pending, pendingKey)
	b.mu.Unlock()
	if !armed {
		return
	}

	// The watch context is unrelated by the time the timer fires.
	ctx := logging.AppendCtx(context.Background(), slog.String("table", string(pending.event.Table)))
	ctx = logging.AppendCtx(ctx, slog.String("key", pending.event.Key))

	if err := b.consumer.HandleChangeFeedEvent(ctx, pending.event); err != nil {
		slog.ErrorContext(ctx, "change-feed event reconciliation failed", logging.ErrKey, err)
	}
}

func (b *Bridge) reconcile(ctx context.Context) {
	if err := b.consumer.ReconcileAllSessions(ctx); err != nil {
		slog.ErrorContext(ctx, "reconciliation pass failed", logging.ErrKey, err)
	}
}

// sessionUID extracts the session UID from an encoded store key. The bucket
// also holds index rows; only entity rows reconcile.
func (b *Bridge) sessionUID(ctx context.Context, storeKey string) (string, bool) {
	return b.entityUID(ctx, storeKey, store.KeyPrefixSession)
}

// participantUID extracts the participant record UID from an encoded store key.
func (b *Bridge) participantUID(ctx context.Context, storeKey string) (string, bool) {
	return b.entityUID(ctx, storeKey, store.KeyPrefixParticipant)
}

func (b *Bridge) entityUID(ctx context.Context, storeKey, prefix string) (string, bool) {
	decoded, err := b.keyBuilder.DecodeKey(storeKey)
	if err != nil {
		slog.WarnContext(ctx, "undecodable key on change-feed, skipping",
			logging.ErrKey, err,
			"key", storeKey,
		)
		return "", false
	}

	uid := strings.TrimPrefix(decoded, "/"+prefix+"/")
	if uid == decoded || uid == "" || strings.Contains(uid, "/") {
		return "", false
	}
	return uid, true
}

// appointmentUID passes the store key through as-is: the appointments bucket
// is owned by the booking subsystem and keys records by plain UID.
func appointmentUID(_ context.Context, storeKey string) (string, bool) {
	return storeKey, storeKey != ""
}
