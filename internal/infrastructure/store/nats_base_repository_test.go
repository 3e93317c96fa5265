// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/video-session-service/internal/domain"
	"github.com/carebridge/video-session-service/internal/domain/models"
)

func newSessionBaseRepo(kv INatsKeyValue) *NatsBaseRepository[models.CallSession] {
	return NewNatsBaseRepository[models.CallSession](kv, "call session")
}

func TestNatsBaseRepository_GetWithRevision(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the entity and its revision", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		data, err := json.Marshal(&models.CallSession{UID: "session-1", AppointmentUID: "appointment-1"})
		require.NoError(t, err)
		_, err = kv.Put(ctx, "session-1", data)
		require.NoError(t, err)
		_, err = kv.Put(ctx, "session-1", data)
		require.NoError(t, err)

		got, revision, err := repo.GetWithRevision(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, "session-1", got.UID)
		assert.Equal(t, uint64(2), revision)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		repo := newSessionBaseRepo(newFakeKV())

		_, _, err := repo.GetWithRevision(ctx, "missing")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeNotFound, domain.GetErrorType(err))
	})

	t.Run("malformed row is an internal error", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		_, err := kv.Put(ctx, "session-1", []byte("{not json"))
		require.NoError(t, err)

		_, _, err = repo.GetWithRevision(ctx, "session-1")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeInternal, domain.GetErrorType(err))
	})

	t.Run("nil bucket is unavailable", func(t *testing.T) {
		repo := newSessionBaseRepo(nil)

		_, _, err := repo.GetWithRevision(ctx, "session-1")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeUnavailable, domain.GetErrorType(err))
	})
}

func TestNatsBaseRepository_Exists(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	repo := newSessionBaseRepo(kv)

	data, err := json.Marshal(&models.CallSession{UID: "session-1"})
	require.NoError(t, err)
	_, err = kv.Put(ctx, "session-1", data)
	require.NoError(t, err)

	exists, err := repo.Exists(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	kv.failGet = errors.New("kv down")
	_, err = repo.Exists(ctx, "session-1")
	assert.Error(t, err, "non not-found errors pass through")
}

func TestNatsBaseRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the entity as JSON", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		err := repo.Create(ctx, "session-1", &models.CallSession{UID: "session-1", Status: models.SessionStatusScheduled})
		require.NoError(t, err)

		row, exists := kv.rows["session-1"]
		require.True(t, exists)

		var stored models.CallSession
		require.NoError(t, json.Unmarshal(row.value, &stored))
		assert.Equal(t, models.SessionStatusScheduled, stored.Status)
	})

	t.Run("write failure is an internal error", func(t *testing.T) {
		kv := newFakeKV()
		kv.failPut = errors.New("kv down")
		repo := newSessionBaseRepo(kv)

		err := repo.Create(ctx, "session-1", &models.CallSession{UID: "session-1"})
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeInternal, domain.GetErrorType(err))
	})
}

func TestNatsBaseRepository_Update(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, kv *fakeKV) {
		t.Helper()
		data, err := json.Marshal(&models.CallSession{UID: "session-1", Status: models.SessionStatusScheduled})
		require.NoError(t, err)
		_, err = kv.Put(ctx, "session-1", data)
		require.NoError(t, err)
	}

	t.Run("matching revision writes and bumps", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)
		seed(t, kv)

		err := repo.Update(ctx, "session-1", &models.CallSession{UID: "session-1", Status: models.SessionStatusOngoing}, 1)
		require.NoError(t, err)

		got, revision, err := repo.GetWithRevision(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusOngoing, got.Status)
		assert.Equal(t, uint64(2), revision)
	})

	t.Run("stale revision is a conflict", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)
		seed(t, kv)

		require.NoError(t, repo.Update(ctx, "session-1", &models.CallSession{UID: "session-1"}, 1))

		err := repo.Update(ctx, "session-1", &models.CallSession{UID: "session-1"}, 1)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeConflict, domain.GetErrorType(err))
	})

	t.Run("missing key is not found", func(t *testing.T) {
		repo := newSessionBaseRepo(newFakeKV())

		err := repo.Update(ctx, "missing", &models.CallSession{UID: "missing"}, 1)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeNotFound, domain.GetErrorType(err))
	})

	t.Run("other write failures are internal", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)
		seed(t, kv)

		kv.failUpdate = errors.New("kv down")
		err := repo.Update(ctx, "session-1", &models.CallSession{UID: "session-1"}, 1)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeInternal, domain.GetErrorType(err))
	})
}

func TestNatsBaseRepository_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the row", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		data, err := json.Marshal(&models.CallSession{UID: "session-1"})
		require.NoError(t, err)
		_, err = kv.Put(ctx, "session-1", data)
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, "session-1", 1))

		_, exists := kv.rows["session-1"]
		assert.False(t, exists)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		repo := newSessionBaseRepo(newFakeKV())

		err := repo.Delete(ctx, "missing", 1)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeNotFound, domain.GetErrorType(err))
	})
}

func TestNatsBaseRepository_ListKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("returns every key", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		_, err := kv.Put(ctx, "key-1", []byte("{}"))
		require.NoError(t, err)
		_, err = kv.Put(ctx, "key-2", []byte("{}"))
		require.NoError(t, err)

		keys, err := repo.ListKeys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"key-1", "key-2"}, keys)
	})

	t.Run("lister failure is an internal error", func(t *testing.T) {
		kv := newFakeKV()
		kv.failList = errors.New("kv down")
		repo := newSessionBaseRepo(kv)

		_, err := repo.ListKeys(ctx)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorTypeInternal, domain.GetErrorType(err))
	})
}

func TestNatsBaseRepository_ListEntitiesEncoded(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	repo := newSessionBaseRepo(kv)
	kb := NewKeyBuilder()

	put := func(t *testing.T, key string, value []byte) {
		t.Helper()
		_, err := kv.Put(ctx, key, value)
		require.NoError(t, err)
	}

	session1, err := json.Marshal(&models.CallSession{UID: "session-1"})
	require.NoError(t, err)
	session2, err := json.Marshal(&models.CallSession{UID: "session-2"})
	require.NoError(t, err)

	put(t, kb.EntityKeyEncoded(KeyPrefixSession, "session-1"), session1)
	put(t, kb.EntityKeyEncoded(KeyPrefixSession, "session-2"), session2)
	// Index rows and foreign rows share the bucket but must not list.
	put(t, kb.IndexKeyEncoded(KeyPrefixIndexAppointment, "appointment-1", "session-1"), []byte{})
	put(t, "an unencoded key", []byte("{}"))
	// A malformed row is skipped, not fatal.
	put(t, kb.EntityKeyEncoded(KeyPrefixSession, "session-3"), []byte("{not json"))

	sessions, err := repo.ListEntitiesEncoded(ctx, KeyPrefixSession+"/", kb)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	uids := []string{sessions[0].UID, sessions[1].UID}
	assert.ElementsMatch(t, []string{"session-1", "session-2"}, uids)
}

func TestNatsBaseRepository_Indices(t *testing.T) {
	ctx := context.Background()

	t.Run("put and delete index rows", func(t *testing.T) {
		kv := newFakeKV()
		repo := newSessionBaseRepo(kv)

		require.NoError(t, repo.PutIndex(ctx, "index-key"))

		row, exists := kv.rows["index-key"]
		require.True(t, exists)
		assert.Empty(t, row.value)

		require.NoError(t, repo.DeleteIndex(ctx, "index-key"))

		_, exists = kv.rows["index-key"]
		assert.False(t, exists)
	})

	t.Run("nil bucket is unavailable", func(t *testing.T) {
		repo := newSessionBaseRepo(nil)

		err := repo.PutIndex(ctx, "index-key")
		assert.Equal(t, domain.ErrorTypeUnavailable, domain.GetErrorType(err))

		err = repo.DeleteIndex(ctx, "index-key")
		assert.Equal(t, domain.ErrorTypeUnavailable, domain.GetErrorType(err))
	})
}
