// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

// Package store implements the NATS JetStream key-value repositories for the
// video session service.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Bucket names. The session and participant buckets belong to this service;
// the appointment bucket belongs to the booking subsystem and is bound
// read-only.
const (
	// KVStoreNameSessions is the bucket holding call sessions.
	KVStoreNameSessions = "video-sessions"
	// KVStoreNameParticipants is the bucket holding participant presence records.
	KVStoreNameParticipants = "video-call-participants"
	// KVStoreNameAppointments is the booking subsystem's appointment
	// projection. This service only reads from it.
	KVStoreNameAppointments = "appointments"
)

// tracerName is the instrumentation name for the store package.
const tracerName = "github.com/carebridge/video-session-service/internal/infrastructure/store"

// INatsKeyValue is the NATS KV interface the repositories are built on.
// It matches jetstream.KeyValue and allows for mocking in tests.
type INatsKeyValue interface {
	ListKeys(context.Context, ...jetstream.WatchOpt) (jetstream.KeyLister, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(context.Context, string, []byte) (uint64, error)
	Update(context.Context, string, []byte, uint64) (uint64, error)
	Delete(context.Context, string, ...jetstream.KVDeleteOpt) error
}

// NatsBaseRepository carries the KV plumbing shared by the session,
// participant, and appointment repositories: JSON codec, revision-checked
// writes, error taxonomy mapping, and per-operation tracing.
type NatsBaseRepository[T any] struct {
	kv INatsKeyValue
	// entity names the stored type in errors and logs, e.g. "call session".
	entity string
}

// NewNatsBaseRepository creates a base repository over one KV bucket.
func NewNatsBaseRepository[T any](kvStore INatsKeyValue, entityName string) *NatsBaseRepository[T] {
	return &NatsBaseRepository[T]{
		kv:     kvStore,
		entity: entityName,
	}
}

// IsReady reports whether the repository has a bucket bound.
func (r *NatsBaseRepository[T]) IsReady() bool {
	return r.kv != nil
}

// startSpan opens a client span for one KV operation.
func (r *NatsBaseRepository[T]) startSpan(ctx context.Context, op, key string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "nats"),
		attribute.String("db.operation", op),
		attribute.String("db.nats.entity", r.entity),
	}
	if key != "" {
		attrs = append(attrs, attribute.String("db.nats.key", key))
	}
	attrs = append(attrs, extra...)

	return otel.Tracer(tracerName).Start(ctx, "nats.kv."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// spanFail records err on the span and passes it through.
func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *NatsBaseRepository[T]) errNotReady() error {
	return domain.NewUnavailableError(fmt.Sprintf("%s repository is not available", r.entity))
}

// encode marshals an entity for storage.
func (r *NatsBaseRepository[T]) encode(ctx context.Context, entity *T) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("error marshaling %s", r.entity), logging.ErrKey, err)
		return nil, domain.NewInternalError(fmt.Sprintf("failed to marshal %s", r.entity), err)
	}
	return data, nil
}

// mapWriteError translates a revision-checked write failure into the domain
// error taxonomy. A compare-and-swap losing its race surfaces as a conflict.
func (r *NatsBaseRepository[T]) mapWriteError(ctx context.Context, err error, action, key string, revision uint64) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return domain.NewNotFoundError(fmt.Sprintf("%s not found", r.entity), err)
	case strings.Contains(err.Error(), "wrong last sequence"):
		return domain.NewConflictError(fmt.Sprintf("%s has been modified", r.entity), err)
	default:
		slog.ErrorContext(ctx, fmt.Sprintf("error writing %s to NATS KV", r.entity),
			logging.ErrKey, err, "key", key, "revision", revision)
		return domain.NewInternalError(fmt.Sprintf("failed to %s %s in store", action, r.entity), err)
	}
}

// Get retrieves and unmarshals one entity.
func (r *NatsBaseRepository[T]) Get(ctx context.Context, key string) (*T, error) {
	entity, _, err := r.GetWithRevision(ctx, key)
	return entity, err
}

// GetWithRevision retrieves one entity together with the revision its bucket
// entry holds, for a later compare-and-swap write.
func (r *NatsBaseRepository[T]) GetWithRevision(ctx context.Context, key string) (*T, uint64, error) {
	ctx, span := r.startSpan(ctx, "get", key)
	defer span.End()

	if !r.IsReady() {
		return nil, 0, spanFail(span, r.errNotReady())
	}

	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, spanFail(span, domain.NewNotFoundError(
				fmt.Sprintf("%s with key '%s' not found", r.entity, key), err))
		}
		slog.ErrorContext(ctx, fmt.Sprintf("error getting %s from NATS KV", r.entity),
			logging.ErrKey, err, "key", key)
		return nil, 0, spanFail(span, domain.NewInternalError(
			fmt.Sprintf("failed to retrieve %s from store", r.entity), err))
	}

	var entity T
	if err := json.Unmarshal(entry.Value(), &entity); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("error unmarshaling %s", r.entity),
			logging.ErrKey, err, "key", key)
		return nil, 0, spanFail(span, domain.NewInternalError(
			fmt.Sprintf("failed to unmarshal %s data", r.entity), err))
	}

	span.SetStatus(codes.Ok, "")
	return &entity, entry.Revision(), nil
}

// Exists reports whether an entity is present under the key.
func (r *NatsBaseRepository[T]) Exists(ctx context.Context, key string) (bool, error) {
	if _, _, err := r.GetWithRevision(ctx, key); err != nil {
		if domain.GetErrorType(err) == domain.ErrorTypeNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create stores a new entity under the key. It writes through Put, so an
// existing entry under the same key would be overwritten; callers generate
// fresh UIDs before creating.
func (r *NatsBaseRepository[T]) Create(ctx context.Context, key string, entity *T) error {
	ctx, span := r.startSpan(ctx, "put", key)
	defer span.End()

	if !r.IsReady() {
		return spanFail(span, r.errNotReady())
	}

	data, err := r.encode(ctx, entity)
	if err != nil {
		return spanFail(span, err)
	}

	if _, err := r.kv.Put(ctx, key, data); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("error creating %s in NATS KV", r.entity),
			logging.ErrKey, err, "key", key)
		return spanFail(span, domain.NewInternalError(
			fmt.Sprintf("failed to create %s in store", r.entity), err))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Update overwrites the entity only if the bucket entry still holds the
// given revision.
func (r *NatsBaseRepository[T]) Update(ctx context.Context, key string, entity *T, revision uint64) error {
	ctx, span := r.startSpan(ctx, "update", key, attribute.Int64("db.nats.revision", int64(revision)))
	defer span.End()

	if !r.IsReady() {
		return spanFail(span, r.errNotReady())
	}

	data, err := r.encode(ctx, entity)
	if err != nil {
		return spanFail(span, err)
	}

	if _, err := r.kv.Update(ctx, key, data, revision); err != nil {
		return spanFail(span, r.mapWriteError(ctx, err, "update", key, revision))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Delete removes the entity only if the bucket entry still holds the given
// revision.
func (r *NatsBaseRepository[T]) Delete(ctx context.Context, key string, revision uint64) error {
	ctx, span := r.startSpan(ctx, "delete", key, attribute.Int64("db.nats.revision", int64(revision)))
	defer span.End()

	if !r.IsReady() {
		return spanFail(span, r.errNotReady())
	}

	if err := r.kv.Delete(ctx, key, jetstream.LastRevision(revision)); err != nil {
		return spanFail(span, r.mapWriteError(ctx, err, "delete", key, revision))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListKeys returns every key in the bucket, index rows included.
func (r *NatsBaseRepository[T]) ListKeys(ctx context.Context) ([]string, error) {
	ctx, span := r.startSpan(ctx, "list_keys", "")
	defer span.End()

	if !r.IsReady() {
		return nil, spanFail(span, r.errNotReady())
	}

	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("error listing %s keys from NATS KV", r.entity),
			logging.ErrKey, err)
		return nil, spanFail(span, domain.NewInternalError(
			fmt.Sprintf("failed to list %s keys from store", r.entity), err))
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}

	span.SetAttributes(attribute.Int("db.nats.keys_count", len(keys)))
	span.SetStatus(codes.Ok, "")
	return keys, nil
}

// ListEntitiesEncoded fetches every entity whose decoded key starts with the
// given prefix, e.g. "session/". Keys that fail to decode or fetch are
// skipped so one bad row cannot wedge a whole listing; index rows never match
// an entity prefix.
func (r *NatsBaseRepository[T]) ListEntitiesEncoded(ctx context.Context, keyPrefix string, kb *KeyBuilder) ([]*T, error) {
	keys, err := r.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	// DecodeKey returns keys with a leading slash.
	prefix := "/" + keyPrefix
	var entities []*T
	for _, encodedKey := range keys {
		decodedKey, err := kb.DecodeKey(encodedKey)
		if err != nil {
			slog.WarnContext(ctx, "failed to decode key, skipping",
				"encoded_key", encodedKey, logging.ErrKey, err)
			continue
		}
		if !strings.HasPrefix(decodedKey, prefix) {
			continue
		}

		entity, err := r.Get(ctx, encodedKey)
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("failed to get %s, skipping", r.entity),
				"key", encodedKey, logging.ErrKey, err)
			continue
		}
		entities = append(entities, entity)
	}

	return entities, nil
}

// PutIndex writes an empty-valued index row; the key itself is the lookup.
func (r *NatsBaseRepository[T]) PutIndex(ctx context.Context, indexKey string) error {
	if !r.IsReady() {
		return r.errNotReady()
	}

	if _, err := r.kv.Put(ctx, indexKey, []byte{}); err != nil {
		slog.ErrorContext(ctx, "error creating index",
			logging.ErrKey, err, "index_key", indexKey)
		return domain.NewInternalError("failed to create index", err)
	}

	return nil
}

// DeleteIndex removes an index row regardless of revision.
func (r *NatsBaseRepository[T]) DeleteIndex(ctx context.Context, indexKey string) error {
	if !r.IsReady() {
		return r.errNotReady()
	}

	if err := r.kv.Delete(ctx, indexKey); err != nil {
		slog.WarnContext(ctx, "error deleting index",
			logging.ErrKey, err, "index_key", indexKey)
		return domain.NewInternalError("failed to delete index", err)
	}

	return nil
}
