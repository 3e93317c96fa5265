// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// kvRow is one stored value with its revision counter.
type kvRow struct {
	value    []byte
	revision uint64
}

// fakeKV is an in-memory INatsKeyValue for the repository tests. Revisions
// count up from 1 per key, and a stale Update fails with the same "wrong
// last sequence" error text the real server produces.
type fakeKV struct {
	rows map[string]*kvRow

	// Per-operation forced errors.
	failGet    error
	failPut    error
	failUpdate error
	failDelete error
	failList   error
}

func newFakeKV() *fakeKV {
	return &fakeKV{rows: make(map[string]*kvRow)}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	row, ok := f.rows[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeKVEntry{key: key, value: row.value, revision: row.revision}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if f.failPut != nil {
		return 0, f.failPut
	}
	row, ok := f.rows[key]
	if !ok {
		row = &kvRow{}
		f.rows[key] = row
	}
	row.value = value
	row.revision++
	return row.revision, nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if f.failUpdate != nil {
		return 0, f.failUpdate
	}
	row, ok := f.rows[key]
	if !ok {
		return 0, jetstream.ErrKeyNotFound
	}
	if row.revision != revision {
		return 0, errors.New("wrong last sequence")
	}
	row.value = value
	row.revision++
	return row.revision, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if f.failDelete != nil {
		return f.failDelete
	}
	if _, ok := f.rows[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(f.rows, key)
	return nil
}

func (f *fakeKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	if f.failList != nil {
		return nil, f.failList
	}
	keys := make([]string, 0, len(f.rows))
	for key := range f.rows {
		keys = append(keys, key)
	}
	return &fakeKeyLister{keys: keys}, nil
}

// fakeKVEntry implements jetstream.KeyValueEntry.
type fakeKVEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return e.revision }
func (e *fakeKVEntry) Created() time.Time              { return time.Now() }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }
func (e *fakeKVEntry) Bucket() string                  { return "fake-bucket" }

// fakeKeyLister implements jetstream.KeyLister.
type fakeKeyLister struct {
	keys []string
}

func (l *fakeKeyLister) Keys() <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, key := range l.keys {
			ch <- key
		}
	}()
	return ch
}

func (l *fakeKeyLister) Stop() error { return nil }
