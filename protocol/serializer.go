// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// typeKey is the reserved envelope key naming the message type.
const typeKey = "type"

// Serializer errors. Callers match with errors.Is; the wrapped error
// carries the offending frame context.
var (
	// ErrMissingType is returned when a decoded frame has no "type" key
	// or its value is not a string.
	ErrMissingType = errors.New("protocol: frame has no type tag")

	// ErrUnknownType is returned when a frame's type tag is not in the
	// message registry.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrReservedField is returned when a message's fields contain the
	// reserved "type" key.
	ErrReservedField = errors.New(`protocol: field name "type" is reserved`)
)

// JSONSerializer encodes and decodes Message envelopes as single-line
// JSON frames. Encode output always ends with a newline, the frame
// delimiter on the wire.
type JSONSerializer struct{}

// Encode serializes a message into a newline-terminated JSON frame.
func (JSONSerializer) Encode(message Message) ([]byte, error) {
	if !message.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, message.Type)
	}
	envelope := make(map[string]any, len(message.Fields)+1)
	for name, value := range message.Fields {
		if name == typeKey {
			return nil, ErrReservedField
		}
		envelope[name] = value
	}
	envelope[typeKey] = string(message.Type)

	frame, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", message.Type, err)
	}
	return append(frame, '\n'), nil
}

// Decode parses one JSON frame into a Message. A frame that is not a
// JSON object, lacks the type key, or carries an unregistered type tag
// is a protocol error.
func (JSONSerializer) Decode(frame []byte) (Message, error) {
	var envelope map[string]any
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Message{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	rawType, ok := envelope[typeKey].(string)
	if !ok {
		return Message{}, ErrMissingType
	}
	messageType := MessageType(rawType)
	if !messageType.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, rawType)
	}
	delete(envelope, typeKey)
	return Message{Type: messageType, Fields: envelope}, nil
}
