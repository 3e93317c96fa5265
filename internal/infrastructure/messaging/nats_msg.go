// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package messaging

import (
	"github.com/nats-io/nats.go"
)

// NatsMsg wraps a NATS message so handlers can work with the
// [domain.Message] interface instead of the NATS client type.
type NatsMsg struct {
	msg *nats.Msg
}

// NewNatsMsg creates a new NatsMsg wrapping the given NATS message.
func NewNatsMsg(msg *nats.Msg) *NatsMsg {
	return &NatsMsg{msg: msg}
}

// Subject returns the subject of the message.
func (m *NatsMsg) Subject() string {
	return m.msg.Subject
}

// Data returns the message payload.
func (m *NatsMsg) Data() []byte {
	return m.msg.Data
}

// Respond replies to the message.
func (m *NatsMsg) Respond(data []byte) error {
	return m.msg.Respond(data)
}

// HasReply reports whether the message carries a reply subject.
func (m *NatsMsg) HasReply() bool {
	return m.msg.Reply != ""
}
