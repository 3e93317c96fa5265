// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carebridge/video-session-service/internal/logging"
	"github.com/nats-io/nats.go"
)

// Key layout for the service-owned buckets. Entity rows live under
// "<entity>/<uid>"; lookup index rows live under
// "index/<index>/<value>/<entity-uid>". Every segment is base64 encoded
// before it reaches NATS so arbitrary UIDs survive the KV key restrictions.
const (
	// Entity prefixes
	KeyPrefixSession     = "session"
	KeyPrefixParticipant = "participant"

	// Index prefixes
	KeyPrefixIndex            = "index"
	KeyPrefixIndexMeetingRef  = "meeting-ref"
	KeyPrefixIndexAppointment = "appointment"
)

// KeyBuilder builds and decodes the KV keys used by the session and
// participant buckets.
type KeyBuilder struct{}

// NewKeyBuilder creates a key builder.
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{}
}

// EntityKeyEncoded builds the encoded key for one entity row,
// e.g. "session/<uid>" before encoding.
func (kb *KeyBuilder) EntityKeyEncoded(entityType, uid string) string {
	return kb.encodeOrRaw(fmt.Sprintf("%s/%s", entityType, uid))
}

// IndexKeyEncoded builds the encoded key for one lookup index row,
// e.g. "index/meeting-ref/<value>/<session-uid>" before encoding.
func (kb *KeyBuilder) IndexKeyEncoded(indexType, indexValue, entityUID string) string {
	return kb.encodeOrRaw(fmt.Sprintf("%s/%s/%s/%s", KeyPrefixIndex, indexType, indexValue, entityUID))
}

// encodeOrRaw encodes the key, falling back to the raw key if encoding
// fails. Encoding only fails for empty keys, which no caller produces.
func (kb *KeyBuilder) encodeOrRaw(key string) string {
	encoded, err := kb.EncodeKey(key)
	if err != nil {
		slog.Error("error encoding key", logging.ErrKey, err, "key", key)
		return key
	}
	return encoded
}

// EncodeKey base64-encodes each slash-separated segment of the key and joins
// the segments with dots. From https://github.com/ripienaar/encodedkv
//
// NATS limitations: https://docs.nats.io/nats-concepts/jetstream/key-value-store#notes
func (kb *KeyBuilder) EncodeKey(key string) (string, error) {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	encoded := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == ">" || segment == "*" {
			encoded = append(encoded, segment)
			continue
		}

		dst := make([]byte, base64.StdEncoding.EncodedLen(len(segment)))
		base64.StdEncoding.Encode(dst, []byte(segment))
		encoded = append(encoded, string(dst))
	}

	if len(encoded) == 0 {
		return "", nats.ErrInvalidKey
	}

	return strings.Join(encoded, "."), nil
}

// DecodeKey reverses EncodeKey. The decoded key carries a leading slash,
// e.g. "/session/<uid>".
func (kb *KeyBuilder) DecodeKey(key string) (string, error) {
	segments := strings.Split(key, ".")
	decoded := make([]string, 0, len(segments))
	for _, segment := range segments {
		raw, err := base64.StdEncoding.DecodeString(segment)
		if err != nil {
			return "", err
		}

		decoded = append(decoded, string(raw))
	}

	if len(decoded) == 0 {
		return "", nats.ErrInvalidKey
	}

	return fmt.Sprintf("/%s", strings.Join(decoded, "/")), nil
}
