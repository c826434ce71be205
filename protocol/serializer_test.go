// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	serializer := JSONSerializer{}

	original := NewMessage(TypeSessionJoined, map[string]any{
		"id": "x",
	})
	frame, err := serializer.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(frame, []byte("\n")) {
		t.Fatalf("frame not newline-terminated: %q", frame)
	}

	decoded, err := serializer.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeSessionJoined {
		t.Fatalf("type = %q, want %q", decoded.Type, TypeSessionJoined)
	}
	if got, _ := decoded.StringField("id"); got != "x" {
		t.Fatalf("id = %q, want %q", got, "x")
	}
	if _, present := decoded.Fields["type"]; present {
		t.Fatal("reserved type key leaked into fields")
	}
}

func TestEncodeEmptyFields(t *testing.T) {
	frame, err := JSONSerializer{}.Encode(NewMessage(TypeChannelJoined, nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := JSONSerializer{}.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeChannelJoined {
		t.Fatalf("type = %q, want %q", decoded.Type, TypeChannelJoined)
	}
	if len(decoded.Fields) != 0 {
		t.Fatalf("expected empty fields, got %v", decoded.Fields)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := JSONSerializer{}.Encode(NewMessage("made-up", nil))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestEncodeRejectsReservedField(t *testing.T) {
	_, err := JSONSerializer{}.Encode(NewMessage(TypeError, map[string]any{
		"type": "smuggled",
	}))
	if !errors.Is(err, ErrReservedField) {
		t.Fatalf("expected ErrReservedField, got %v", err)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := JSONSerializer{}.Decode([]byte(`{"id": 3}`))
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestDecodeRejectsNonStringType(t *testing.T) {
	_, err := JSONSerializer{}.Decode([]byte(`{"type": 7}`))
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := JSONSerializer{}.Decode([]byte(`{"type": "no-such-tag"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := (JSONSerializer{}).Decode([]byte(`{"type": "join"`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestTokenFingerprintStableAndShort(t *testing.T) {
	first := TokenFingerprint("a-channel-token")
	second := TokenFingerprint("a-channel-token")
	if first != second {
		t.Fatalf("fingerprint not stable: %q vs %q", first, second)
	}
	if len(first) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(first))
	}
	if TokenFingerprint("another-token") == first {
		t.Fatal("distinct tokens produced identical fingerprints")
	}
}

func TestConnectionInfoValidate(t *testing.T) {
	valid := ConnectionInfo{
		Hostname: "127.0.0.1",
		Port:     4872,
		Key:      "channel",
		Mode:     ModeFollower,
		Insecure: true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := valid.Address(); got != "127.0.0.1:4872" {
		t.Fatalf("Address = %q", got)
	}

	for name, broken := range map[string]ConnectionInfo{
		"no hostname": {Port: 1, Key: "k", Mode: ModeLeader},
		"zero port":   {Hostname: "h", Key: "k", Mode: ModeLeader},
		"huge port":   {Hostname: "h", Port: 70000, Key: "k", Mode: ModeLeader},
		"no key":      {Hostname: "h", Port: 1, Mode: ModeLeader},
		"bad mode":    {Hostname: "h", Port: 1, Key: "k", Mode: "observer"},
	} {
		if err := broken.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
