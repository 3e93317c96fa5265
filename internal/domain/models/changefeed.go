// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package models

import "encoding/json"

// ChangeFeedOperation is the kind of store mutation a change-feed event
// describes.
type ChangeFeedOperation string

// Change-feed operations.
const (
	ChangeFeedOpPut    ChangeFeedOperation = "put"
	ChangeFeedOpDelete ChangeFeedOperation = "delete"
)

// ChangeFeedTable identifies the KV bucket a change-feed event came from.
type ChangeFeedTable string

// Watched tables.
const (
	ChangeFeedTableSessions     ChangeFeedTable = "video-sessions"
	ChangeFeedTableParticipants ChangeFeedTable = "video-call-participants"
	ChangeFeedTableAppointments ChangeFeedTable = "appointments"
)

// ChangeFeedEvent is a normalized store mutation observed by the realtime
// sync bridge. Row holds the raw JSON value of the entry and is nil for
// deletes; the consumer decodes it based on Table. Delivery is
// at-least-once, so consumers must treat every event as possibly
// redelivered.
type ChangeFeedEvent struct {
	Table     ChangeFeedTable     `json:"table"`
	Operation ChangeFeedOperation `json:"operation"`
	Key       string              `json:"key"`
	Revision  uint64              `json:"revision"`
	Row       json.RawMessage     `json:"row,omitempty"`
}
