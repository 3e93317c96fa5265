// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
	"github.com/carebridge/video-session-service/internal/infrastructure/store"
	"github.com/carebridge/video-session-service/internal/observability"
	"github.com/nats-io/nats.go/jetstream"
)

// fakeEntry implements jetstream.KeyValueEntry for testing.
type fakeEntry struct {
	bucket    string
	key       string
	value     []byte
	revision  uint64
	operation jetstream.KeyValueOp
}

func (e *fakeEntry) Bucket() string                  { return e.bucket }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return e.revision }
func (e *fakeEntry) Created() time.Time              { return time.Now() }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return e.operation }

// fakeWatcher implements jetstream.KeyWatcher fed from a test-owned channel.
type fakeWatcher struct {
	updates chan jetstream.KeyValueEntry
	once    sync.Once
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)}
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.updates) })
	return nil
}

// die simulates the watcher failing out from under the bridge.
func (w *fakeWatcher) die() {
	w.once.Do(func() { close(w.updates) })
}

// fakeKV implements INatsKeyValueWatch, handing out one watcher per
// WatchAll call and optionally failing the first attempts.
type fakeKV struct {
	bucket string

	mu         sync.Mutex
	watchers   []*fakeWatcher
	failuresAt int
	watchCalls int
}

func (kv *fakeKV) Bucket() string { return kv.bucket }

func (kv *fakeKV) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.watchCalls++
	if kv.failuresAt > 0 {
		kv.failuresAt--
		return nil, errors.New("consumer setup failed")
	}
	watcher := newFakeWatcher()
	kv.watchers = append(kv.watchers, watcher)
	return watcher, nil
}

func (kv *fakeKV) currentWatcher() *fakeWatcher {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if len(kv.watchers) == 0 {
		return nil
	}
	return kv.watchers[len(kv.watchers)-1]
}

// fakeConsumer records what the bridge forwards.
type fakeConsumer struct {
	events     chan *models.ChangeFeedEvent
	reconciles chan struct{}
	handleErr  error
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		events:     make(chan *models.ChangeFeedEvent, 16),
		reconciles: make(chan struct{}, 16),
	}
}

func (c *fakeConsumer) HandleChangeFeedEvent(_ context.Context, event *models.ChangeFeedEvent) error {
	c.events <- event
	return c.handleErr
}

func (c *fakeConsumer) ReconcileAllSessions(_ context.Context) error {
	c.reconciles <- struct{}{}
	return nil
}

func setupBridgeForTesting(config Config) (*Bridge, *fakeConsumer, *fakeKV, *fakeKV, *fakeKV) {
	consumer := newFakeConsumer()
	sessions := &fakeKV{bucket: store.KVStoreNameSessions}
	participants := &fakeKV{bucket: store.KVStoreNameParticipants}
	appointments := &fakeKV{bucket: store.KVStoreNameAppointments}

	metrics := observability.NewMetricsWith("carebridge_changefeed_test", prometheus.NewRegistry())
	bridge := NewBridge(sessions, participants, appointments, consumer, metrics, config)
	return bridge, consumer, sessions, participants, appointments
}

func startBridgeForTesting(t *testing.T, bridge *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Start(ctx))
	t.Cleanup(func() {
		cancel()
		bridge.Shutdown()
		bridge.Wait()
	})
}

func waitForEvent(t *testing.T, events <-chan *models.ChangeFeedEvent) *models.ChangeFeedEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change-feed event")
		return nil
	}
}

func expectNoEvent(t *testing.T, events <-chan *models.ChangeFeedEvent, wait time.Duration) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected change-feed event: %+v", event)
	case <-time.After(wait):
	}
}

func waitForReconcile(t *testing.T, reconciles <-chan struct{}) {
	t.Helper()
	select {
	case <-reconciles:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reconciliation pass")
	}
}

// fastConfig keeps the timing-sensitive tests quick.
func fastConfig() Config {
	return Config{
		DebounceWindow:   5 * time.Millisecond,
		ReconnectMinWait: 5 * time.Millisecond,
		ReconnectMaxWait: 20 * time.Millisecond,
	}
}

func TestNewBridge(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		bridge, _, _, _, _ := setupBridgeForTesting(Config{})
		assert.True(t, bridge.Ready())
		assert.Equal(t, 250*time.Millisecond, bridge.debounceWindow)
		assert.Equal(t, time.Second, bridge.reconnectMinWait)
		assert.Equal(t, 30*time.Second, bridge.reconnectMaxWait)
	})

	t.Run("not ready without a consumer", func(t *testing.T) {
		metrics := observability.NewMetricsWith("carebridge_changefeed_nil_test", prometheus.NewRegistry())
		bridge := NewBridge(&fakeKV{bucket: "a"}, &fakeKV{bucket: "b"}, &fakeKV{bucket: "c"}, nil, metrics, Config{})
		assert.False(t, bridge.Ready())

		err := bridge.Start(context.Background())
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeUnavailable, domain.GetErrorType(err))
	})

	t.Run("not ready without a bucket", func(t *testing.T) {
		metrics := observability.NewMetricsWith("carebridge_changefeed_nil_kv_test", prometheus.NewRegistry())
		bridge := NewBridge(&fakeKV{bucket: "a"}, nil, &fakeKV{bucket: "c"}, newFakeConsumer(), metrics, Config{})
		assert.False(t, bridge.Ready())
	})
}

func TestBridge_StartFailsWhenWatchFails(t *testing.T) {
	bridge, _, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	sessionsKV.failuresAt = 1

	err := bridge.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeInternal, domain.GetErrorType(err))
}

func TestBridge_StartRunsReconciliationPass(t *testing.T) {
	bridge, consumer, _, _, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	waitForReconcile(t, consumer.reconciles)
}

func TestBridge_ForwardsSessionPut(t *testing.T) {
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	kb := store.NewKeyBuilder()
	row := []byte(`{"uid":"session-1","status":"completed"}`)

	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)
	// The watcher sends nil once the initial replay is done.
	watcher.updates <- nil
	watcher.updates <- &fakeEntry{
		bucket:    store.KVStoreNameSessions,
		key:       kb.EntityKeyEncoded(store.KeyPrefixSession, "session-1"),
		value:     row,
		revision:  7,
		operation: jetstream.KeyValuePut,
	}

	event := waitForEvent(t, consumer.events)
	assert.Equal(t, models.ChangeFeedTableSessions, event.Table)
	assert.Equal(t, models.ChangeFeedOpPut, event.Operation)
	assert.Equal(t, "session-1", event.Key)
	assert.Equal(t, uint64(7), event.Revision)
	assert.JSONEq(t, string(row), string(event.Row))
}

func TestBridge_SkipsIndexAndUndecodableKeys(t *testing.T) {
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	kb := store.NewKeyBuilder()
	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)

	watcher.updates <- &fakeEntry{
		key:       kb.IndexKeyEncoded(store.KeyPrefixIndexMeetingRef, "78123", "session-1"),
		value:     []byte{},
		revision:  1,
		operation: jetstream.KeyValuePut,
	}
	watcher.updates <- &fakeEntry{
		key:       "not-base64!!",
		value:     []byte(`{}`),
		revision:  2,
		operation: jetstream.KeyValuePut,
	}
	watcher.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixSession, "session-2"),
		value:     []byte(`{"uid":"session-2"}`),
		revision:  3,
		operation: jetstream.KeyValuePut,
	}

	// Only the entity row makes it through, proving the loop survived the
	// index and junk keys.
	event := waitForEvent(t, consumer.events)
	assert.Equal(t, "session-2", event.Key)
	expectNoEvent(t, consumer.events, 50*time.Millisecond)
}

func TestBridge_ForwardsParticipantDeleteAndPurge(t *testing.T) {
	bridge, consumer, _, participantsKV, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	kb := store.NewKeyBuilder()
	watcher := participantsKV.currentWatcher()
	require.NotNil(t, watcher)

	watcher.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixParticipant, "record-1"),
		revision:  4,
		operation: jetstream.KeyValueDelete,
	}

	event := waitForEvent(t, consumer.events)
	assert.Equal(t, models.ChangeFeedTableParticipants, event.Table)
	assert.Equal(t, models.ChangeFeedOpDelete, event.Operation)
	assert.Equal(t, "record-1", event.Key)
	assert.Nil(t, event.Row)

	watcher.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixParticipant, "record-2"),
		revision:  5,
		operation: jetstream.KeyValuePurge,
	}

	event = waitForEvent(t, consumer.events)
	assert.Equal(t, models.ChangeFeedOpDelete, event.Operation)
	assert.Equal(t, "record-2", event.Key)
}

func TestBridge_AppointmentKeysArePlain(t *testing.T) {
	bridge, consumer, _, _, appointmentsKV := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	watcher := appointmentsKV.currentWatcher()
	require.NotNil(t, watcher)

	row := []byte(`{"uid":"appointment-1","status":"cancelled"}`)
	watcher.updates <- &fakeEntry{
		key:       "appointment-1",
		value:     row,
		revision:  2,
		operation: jetstream.KeyValuePut,
	}

	event := waitForEvent(t, consumer.events)
	assert.Equal(t, models.ChangeFeedTableAppointments, event.Table)
	assert.Equal(t, "appointment-1", event.Key)
	assert.JSONEq(t, string(row), string(event.Row))
}

func TestBridge_DebounceCoalescesBursts(t *testing.T) {
	config := fastConfig()
	config.DebounceWindow = 60 * time.Millisecond
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(config)
	startBridgeForTesting(t, bridge)

	kb := store.NewKeyBuilder()
	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)

	sessionKey := kb.EntityKeyEncoded(store.KeyPrefixSession, "session-1")
	for revision := uint64(1); revision <= 3; revision++ {
		watcher.updates <- &fakeEntry{
			key:       sessionKey,
			value:     []byte(`{"uid":"session-1"}`),
			revision:  revision,
			operation: jetstream.KeyValuePut,
		}
	}
	watcher.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixSession, "session-2"),
		value:     []byte(`{"uid":"session-2"}`),
		revision:  1,
		operation: jetstream.KeyValuePut,
	}

	// The burst on session-1 collapses to its newest revision; session-2 is
	// untouched by it.
	byKey := map[string]*models.ChangeFeedEvent{}
	for i := 0; i < 2; i++ {
		event := waitForEvent(t, consumer.events)
		byKey[event.Key] = event
	}
	require.Contains(t, byKey, "session-1")
	require.Contains(t, byKey, "session-2")
	assert.Equal(t, uint64(3), byKey["session-1"].Revision)
	expectNoEvent(t, consumer.events, 100*time.Millisecond)
}

func TestBridge_ReattachesAndReconciles(t *testing.T) {
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)

	// Startup pass.
	waitForReconcile(t, consumer.reconciles)

	first := sessionsKV.currentWatcher()
	require.NotNil(t, first)
	first.die()

	// The reattach is followed by a full pass because events may have been
	// lost across the outage.
	waitForReconcile(t, consumer.reconciles)

	kb := store.NewKeyBuilder()
	second := sessionsKV.currentWatcher()
	require.NotNil(t, second)
	require.NotSame(t, first, second)

	second.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixSession, "session-1"),
		value:     []byte(`{"uid":"session-1"}`),
		revision:  9,
		operation: jetstream.KeyValuePut,
	}
	event := waitForEvent(t, consumer.events)
	assert.Equal(t, "session-1", event.Key)
}

func TestBridge_ReattachRetriesWithBackoff(t *testing.T) {
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	startBridgeForTesting(t, bridge)
	waitForReconcile(t, consumer.reconciles)

	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)

	// Two resubscribe attempts fail before the third lands.
	sessionsKV.mu.Lock()
	sessionsKV.failuresAt = 2
	sessionsKV.mu.Unlock()
	watcher.die()

	waitForReconcile(t, consumer.reconciles)

	sessionsKV.mu.Lock()
	calls := sessionsKV.watchCalls
	sessionsKV.mu.Unlock()
	assert.Equal(t, 4, calls, "initial watch, two failed reattaches, one successful")
}

func TestBridge_ConsumerErrorsDoNotStopTheLoop(t *testing.T) {
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(fastConfig())
	consumer.handleErr = errors.New("reconciliation blew up")
	startBridgeForTesting(t, bridge)

	kb := store.NewKeyBuilder()
	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)

	for _, uid := range []string{"session-1", "session-2"} {
		watcher.updates <- &fakeEntry{
			key:       kb.EntityKeyEncoded(store.KeyPrefixSession, uid),
			value:     []byte(`{}`),
			revision:  1,
			operation: jetstream.KeyValuePut,
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[waitForEvent(t, consumer.events).Key] = true
	}
	assert.True(t, seen["session-1"])
	assert.True(t, seen["session-2"])
}

func TestBridge_ShutdownDropsPendingEvents(t *testing.T) {
	config := fastConfig()
	config.DebounceWindow = 500 * time.Millisecond
	bridge, consumer, sessionsKV, _, _ := setupBridgeForTesting(config)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Start(ctx))

	kb := store.NewKeyBuilder()
	watcher := sessionsKV.currentWatcher()
	require.NotNil(t, watcher)
	watcher.updates <- &fakeEntry{
		key:       kb.EntityKeyEncoded(store.KeyPrefixSession, "session-1"),
		value:     []byte(`{}`),
		revision:  1,
		operation: jetstream.KeyValuePut,
	}

	// Give the watch goroutine time to enqueue, then shut down inside the
	// debounce window.
	time.Sleep(50 * time.Millisecond)
	cancel()
	bridge.Shutdown()
	bridge.Wait()

	expectNoEvent(t, consumer.events, 600*time.Millisecond)
}
