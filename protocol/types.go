// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// MessageType is the tag carried in a frame's reserved "type" key.
// The set of valid tags is closed: anything outside the registry below
// is a decode error.
type MessageType string

// The message type registry. Relay control traffic (join,
// channel-joined, session-joined, session-left, protocol-version,
// error) and session traffic (braille-display-info,
// display-size-changed) share one namespace.
const (
	// TypeJoin is the first frame a connecting client sends to a relay:
	// it carries the channel token in "channel" and the client's role
	// in "connection_type".
	TypeJoin MessageType = "join"

	// TypeChannelJoined is the relay's reply to a successful join.
	TypeChannelJoined MessageType = "channel-joined"

	// TypeSessionJoined is broadcast by the relay to the other
	// authenticated clients when a new client joins. Carries the
	// joiner's numeric "id".
	TypeSessionJoined MessageType = "session-joined"

	// TypeSessionLeft is broadcast when an authenticated client
	// disconnects. Carries the leaver's numeric "id".
	TypeSessionLeft MessageType = "session-left"

	// TypeProtocolVersion is announced by the relay as the first frame
	// on every accepted connection, before authentication.
	TypeProtocolVersion MessageType = "protocol-version"

	// TypeBrailleDisplayInfo reports the geometry of a connected
	// braille display. Inbound on the follower session's transport; the
	// secure-desktop handler subscribes to it to learn when the display
	// layout changes.
	TypeBrailleDisplayInfo MessageType = "braille-display-info"

	// TypeDisplaySizeChanged propagates the follower side's known
	// display geometry to the secure-desktop peer. Carries "sizes".
	TypeDisplaySizeChanged MessageType = "display-size-changed"

	// TypeError reports a protocol-level failure to the peer.
	TypeError MessageType = "error"
)

// Version is the relay protocol version announced in
// protocol-version frames.
const Version = 2

// registry is the closed set of known message types.
var registry = map[MessageType]struct{}{
	TypeJoin:               {},
	TypeChannelJoined:      {},
	TypeSessionJoined:      {},
	TypeSessionLeft:        {},
	TypeProtocolVersion:    {},
	TypeBrailleDisplayInfo: {},
	TypeDisplaySizeChanged: {},
	TypeError:              {},
}

// Known reports whether t is in the message type registry.
func (t MessageType) Known() bool {
	_, ok := registry[t]
	return ok
}

// Message is a decoded wire frame: a registered type tag plus its
// fields. Fields never contains the reserved "type" key.
type Message struct {
	Type   MessageType
	Fields map[string]any
}

// NewMessage builds a Message with the given type and fields. A nil
// fields map is valid and means an empty frame body.
func NewMessage(messageType MessageType, fields map[string]any) Message {
	return Message{Type: messageType, Fields: fields}
}

// StringField returns the named field as a string. The second return
// is false when the field is absent or not a string.
func (m Message) StringField(name string) (string, bool) {
	value, ok := m.Fields[name].(string)
	return value, ok
}

// TokenFingerprint returns a short hex BLAKE3 digest of a channel
// token, for use in logs and diagnostics. Raw tokens must never be
// logged: the token is the relay's only authentication secret.
func TokenFingerprint(token string) string {
	digest := blake3.Sum256([]byte(token))
	return hex.EncodeToString(digest[:8])
}
