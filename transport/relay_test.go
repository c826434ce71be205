// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/holdover-project/holdover/lib/testutil"
	"github.com/holdover-project/holdover/protocol"
)

// fakeRelay is a minimal single-connection relay endpoint giving tests
// full control over the frames a transport receives.
type fakeRelay struct {
	listener net.Listener
	conn     net.Conn
	scanner  *bufio.Scanner
}

func startFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return &fakeRelay{listener: listener}
}

func (f *fakeRelay) info() protocol.ConnectionInfo {
	return protocol.ConnectionInfo{
		Hostname: "127.0.0.1",
		Port:     f.listener.Addr().(*net.TCPAddr).Port,
		Key:      "channel-token",
		Mode:     protocol.ModeLeader,
		Insecure: true,
	}
}

// accept takes the transport's connection and consumes its join frame.
func (f *fakeRelay) accept(t *testing.T) {
	t.Helper()
	conn, err := f.listener.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.conn = conn
	f.scanner = bufio.NewScanner(conn)
	f.scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !f.scanner.Scan() {
		t.Fatalf("no join frame: %v", f.scanner.Err())
	}
	join, err := protocol.JSONSerializer{}.Decode(f.scanner.Bytes())
	if err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join.Type != protocol.TypeJoin {
		t.Fatalf("first frame = %q, want join", join.Type)
	}
	if channel, _ := join.StringField("channel"); channel != "channel-token" {
		t.Fatalf("join channel = %q", channel)
	}
}

// push writes one frame to the connected transport.
func (f *fakeRelay) push(t *testing.T, message protocol.Message) {
	t.Helper()
	frame, err := protocol.JSONSerializer{}.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := f.conn.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// pushRaw writes arbitrary bytes, for malformed-frame tests.
func (f *fakeRelay) pushRaw(t *testing.T, raw string) {
	t.Helper()
	if _, err := f.conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// dialAndRun connects a transport to the fake relay and starts its
// read loop.
func dialAndRun(t *testing.T, f *fakeRelay) *RelayTransport {
	t.Helper()
	accepted := make(chan struct{})
	go func() {
		f.accept(t)
		close(accepted)
	}()
	tr, err := Dial(Config{Info: f.info()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	testutil.RequireClosed(t, accepted, 5*time.Second, "fake relay accept")
	go tr.Run()
	return tr
}

func TestDialRejectsInvalidInfo(t *testing.T) {
	if _, err := Dial(Config{Info: protocol.ConnectionInfo{}}); err == nil {
		t.Fatal("expected error for empty connection info")
	}
}

func TestDispatchInRegistrationOrder(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	order := make(chan string, 4)
	tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		order <- "first"
		return nil
	})
	tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		order <- "second"
		return nil
	})

	f.push(t, protocol.NewMessage(protocol.TypeSessionJoined, map[string]any{"id": 1}))

	if got := testutil.RequireReceive(t, order, 5*time.Second, "first handler"); got != "first" {
		t.Fatalf("first dispatch = %q", got)
	}
	if got := testutil.RequireReceive(t, order, 5*time.Second, "second handler"); got != "second" {
		t.Fatalf("second dispatch = %q", got)
	}
}

func TestUnregisterRemovesExactlyOneHandler(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	calls := make(chan string, 4)
	subscriptionA := tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		calls <- "a"
		return nil
	})
	tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		calls <- "b"
		return nil
	})

	subscriptionA.Unregister()
	subscriptionA.Unregister() // Harmless second call.

	f.push(t, protocol.NewMessage(protocol.TypeSessionJoined, nil))
	if got := testutil.RequireReceive(t, calls, 5*time.Second, "surviving handler"); got != "b" {
		t.Fatalf("dispatch after unregister = %q", got)
	}
	select {
	case extra := <-calls:
		t.Fatalf("unregistered handler still ran: %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerErrorDoesNotStopLoop(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	received := make(chan protocol.Message, 2)
	tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		return errors.New("handler exploded")
	})
	tr.RegisterInbound(protocol.TypeSessionJoined, func(message protocol.Message) error {
		received <- message
		return nil
	})

	f.push(t, protocol.NewMessage(protocol.TypeSessionJoined, nil))
	testutil.RequireReceive(t, received, 5*time.Second, "handler after failing handler")

	// The loop survives: a second frame is still dispatched.
	f.push(t, protocol.NewMessage(protocol.TypeSessionJoined, nil))
	testutil.RequireReceive(t, received, 5*time.Second, "dispatch after handler error")
}

func TestProtocolErrorsDoNotStopLoop(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	received := make(chan protocol.Message, 1)
	tr.RegisterInbound(protocol.TypeChannelJoined, func(message protocol.Message) error {
		received <- message
		return nil
	})

	f.pushRaw(t, "{not json}\n")
	f.pushRaw(t, `{"type":"never-registered"}`+"\n")
	f.push(t, protocol.NewMessage(protocol.TypeChannelJoined, nil))

	testutil.RequireReceive(t, received, 5*time.Second, "frame after protocol errors")
}

func TestCatchAllSeesEveryTypeAfterTypedHandlers(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	order := make(chan string, 4)
	tr.RegisterInbound(protocol.TypeSessionJoined, func(protocol.Message) error {
		order <- "typed"
		return nil
	})
	tr.RegisterCatchAll(func(message protocol.Message) error {
		order <- "catch-all:" + string(message.Type)
		return nil
	})

	f.push(t, protocol.NewMessage(protocol.TypeSessionJoined, nil))
	if got := testutil.RequireReceive(t, order, 5*time.Second, "typed first"); got != "typed" {
		t.Fatalf("first = %q", got)
	}
	if got := testutil.RequireReceive(t, order, 5*time.Second, "catch-all second"); got != "catch-all:session-joined" {
		t.Fatalf("second = %q", got)
	}

	f.push(t, protocol.NewMessage(protocol.TypeSessionLeft, nil))
	if got := testutil.RequireReceive(t, order, 5*time.Second, "catch-all other type"); got != "catch-all:session-left" {
		t.Fatalf("other type = %q", got)
	}
}

func TestSendWritesFrameToPeer(t *testing.T) {
	f := startFakeRelay(t)
	tr := dialAndRun(t, f)

	if err := tr.Send(protocol.TypeDisplaySizeChanged, map[string]any{"sizes": []int{40, 80}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if !f.scanner.Scan() {
		t.Fatalf("no frame: %v", f.scanner.Err())
	}
	message, err := protocol.JSONSerializer{}.Decode(f.scanner.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if message.Type != protocol.TypeDisplaySizeChanged {
		t.Fatalf("type = %q", message.Type)
	}
}

func TestCloseIsIdempotentAndStopsRun(t *testing.T) {
	f := startFakeRelay(t)

	accepted := make(chan struct{})
	go func() {
		f.accept(t)
		close(accepted)
	}()
	tr, err := Dial(Config{Info: f.info()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	testutil.RequireClosed(t, accepted, 5*time.Second, "fake relay accept")

	runResult := make(chan error, 1)
	go func() { runResult <- tr.Run() }()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := testutil.RequireReceive(t, runResult, 5*time.Second, "Run return"); err != nil {
		t.Fatalf("Run after Close: %v", err)
	}
}
