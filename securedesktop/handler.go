// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package securedesktop

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holdover-project/holdover/bridge"
	"github.com/holdover-project/holdover/lib/clock"
	"github.com/holdover-project/holdover/lib/config"
	"github.com/holdover-project/holdover/lib/ipc"
	"github.com/holdover-project/holdover/lib/netutil"
	"github.com/holdover-project/holdover/protocol"
	"github.com/holdover-project/holdover/relay"
	"github.com/holdover-project/holdover/transport"
)

// handshakeWaitTimeout bounds how long the secure-desktop copy waits
// for the handshake event. Expiry is a normal "no remote connection
// available" outcome.
const handshakeWaitTimeout = 2000 * time.Millisecond

// ErrNoConnection is returned by InitializeSecureDesktop when no
// usable handshake is available: the buffer is absent, the event is
// never signaled, or the published endpoint fails validation. It is a
// normal outcome, not a failure.
var ErrNoConnection = errors.New("securedesktop: no connection available")

// FollowerSession is the pre-existing remote session being preserved
// across the transition. The handler only consumes it: a transport to
// bridge, the leader side's display geometry, and a resync trigger.
type FollowerSession interface {
	// Transport returns the session's relay transport, or nil when the
	// session is not connected.
	Transport() *transport.RelayTransport

	// LeaderDisplaySizes returns the display geometry known for the
	// session's leader side.
	LeaderDisplaySizes() []int

	// SetDisplaySize resynchronizes the session's display state.
	SetDisplaySize()
}

// Registration is the handle returned by Notifier.Register. Unregister
// must be idempotent.
type Registration interface {
	Unregister()
}

// Notifier delivers desktop-transition notifications. The handler
// subscribes at construction and unsubscribes in Terminate; the
// handler's callback receives true when the host is moving onto the
// secure desktop and false when it is moving off.
type Notifier interface {
	Register(handler func(entering bool)) Registration
}

// Config configures a Handler.
type Config struct {
	// Runtime names the shared handshake objects and their budget.
	Runtime config.RuntimeConfig

	// Relay configures the loopback relay server started on enter.
	Relay config.RelayConfig

	// Notifier delivers desktop transitions. Nil means the handler is
	// driven manually through EnterSecureDesktop/LeaveSecureDesktop.
	Notifier Notifier

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// Clock drives the bounded handshake wait. Nil means clock.Real().
	Clock clock.Clock
}

// bundle is everything one enter-transition allocates. It is treated
// as a unit: either all of it is live or none of it is.
type bundle struct {
	buffer          *ipc.Buffer
	server          *relay.Server
	leaderTransport *transport.RelayTransport
	bridge          *bridge.Bridge

	// sessionJoined fires when the secure-desktop copy joins the relay;
	// followerDisplay fires when the follower session reports new
	// display geometry. Both forward the follower side's display sizes
	// to the secure-desktop peer.
	sessionJoined   transport.Subscription
	followerDisplay transport.Subscription
}

// Handler maintains remote connections across secure desktop
// transitions. One instance runs on the regular desktop and assembles
// the relay bundle on each enter; the copy launched inside the secure
// desktop constructs its own instance and calls
// InitializeSecureDesktop.
type Handler struct {
	runtime      config.RuntimeConfig
	relayConfig  config.RelayConfig
	logger       *slog.Logger
	clock        clock.Clock
	event        *ipc.Event
	notification Registration

	mu                  sync.Mutex
	followerSession     FollowerSession
	displaySubscription transport.Subscription
	bundle              *bundle
}

// New creates a Handler and opens the named handshake event. Failure
// to create the event is fatal: without it the two processes can never
// rendezvous. When a Notifier is configured, the handler subscribes to
// desktop transitions before returning.
func New(configuration Config) (*Handler, error) {
	if configuration.Logger == nil {
		configuration.Logger = slog.Default()
	}
	if configuration.Clock == nil {
		configuration.Clock = clock.Real()
	}

	event, err := ipc.CreateEvent(configuration.Runtime.Directory, configuration.Runtime.EventName)
	if err != nil {
		return nil, fmt.Errorf("securedesktop: handshake event: %w", err)
	}

	handler := &Handler{
		runtime:     configuration.Runtime,
		relayConfig: configuration.Relay,
		logger:      configuration.Logger,
		clock:       configuration.Clock,
		event:       event,
	}
	if configuration.Notifier != nil {
		handler.notification = configuration.Notifier.Register(handler.onDesktopChange)
	}
	handler.logger.Debug("secure desktop handler initialized", "event", event.Path())
	return handler, nil
}

// Terminate releases the handler: it unsubscribes from desktop
// transitions, tears down any live bundle, and closes the handshake
// event. Cleanup failures are logged and never skip remaining steps.
func (h *Handler) Terminate() {
	h.logger.Debug("terminating secure desktop handler")
	if h.notification != nil {
		h.notification.Unregister()
		h.notification = nil
	}
	h.LeaveSecureDesktop()

	h.mu.Lock()
	h.displaySubscription.Unregister()
	h.displaySubscription = transport.Subscription{}
	h.followerSession = nil
	h.mu.Unlock()

	if err := h.event.Close(); err != nil {
		h.logger.Warn("closing handshake event failed", "error", err)
	}
	h.logger.Info("secure desktop cleanup completed")
}

// FollowerSession returns the currently attached follower session.
func (h *Handler) FollowerSession() FollowerSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.followerSession
}

// SetFollowerSession rebinds the handler to a new follower session.
// Setting the current session again is a no-op. A live bundle is only
// ever valid for exactly one follower session, so it is torn down
// before the rebind; the display-change subscription then moves from
// the old session's transport to the new one's.
func (h *Handler) SetFollowerSession(session FollowerSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session == h.followerSession {
		h.logger.Debug("follower session unchanged, skipping update")
		return
	}

	h.logger.Info("updating follower session reference")
	if h.bundle != nil {
		h.teardownLocked()
	}

	h.displaySubscription.Unregister()
	h.displaySubscription = transport.Subscription{}
	h.followerSession = session
	if session != nil && session.Transport() != nil {
		h.displaySubscription = session.Transport().RegisterInbound(
			protocol.TypeBrailleDisplayInfo, h.forwardDisplayChange)
	}
}

// onDesktopChange is the notification callback: entering assembles the
// bundle, leaving dismantles it.
func (h *Handler) onDesktopChange(entering bool) {
	if entering {
		h.logger.Info("secure desktop state changed", "state", "entering")
		if err := h.EnterSecureDesktop(); err != nil {
			h.logger.Error("entering secure desktop failed", "error", err)
		}
		return
	}
	h.logger.Info("secure desktop state changed", "state", "leaving")
	h.LeaveSecureDesktop()
}

// EnterSecureDesktop assembles the relay bundle: shared buffer, relay
// server on an OS-assigned loopback port with a fresh channel token,
// leader transport, and the bridge to the follower session. Only after
// every resource is live is the handshake event signaled — a waiting
// reader can never observe a half-built bundle.
//
// Any failure releases everything already acquired and publishes
// nothing.
func (h *Handler) EnterSecureDesktop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.followerSession == nil || h.followerSession.Transport() == nil {
		h.logger.Warn("no follower session connected, not entering secure desktop")
		return nil
	}
	if h.bundle != nil {
		h.logger.Warn("previous secure desktop bundle still live, tearing it down first")
		h.teardownLocked()
	}

	buffer, err := ipc.CreateBuffer(h.runtime.Directory, h.runtime.BufferName, h.runtime.BufferSize)
	if err != nil {
		return fmt.Errorf("securedesktop: handshake buffer: %w", err)
	}

	// Tokens are never reused across transitions, so a captured
	// handshake cannot be replayed against a later session.
	channel := uuid.NewString()
	server, err := relay.NewServer(relay.Config{
		BindHost:  h.relayConfig.BindHost,
		Token:     channel,
		AuthGrace: h.relayConfig.AuthGrace,
		Logger:    h.logger,
	})
	if err != nil {
		h.releaseBuffer(buffer)
		return fmt.Errorf("securedesktop: relay server: %w", err)
	}
	h.logger.Info("local relay server started", "port", server.Port())

	payload, err := EncodeHandshake(server.Port(), channel)
	if err == nil {
		err = buffer.WriteString(payload)
	}
	if err != nil {
		// Fail closed: never publish an ambiguous buffer.
		if closeErr := server.Close(); closeErr != nil {
			h.logger.Warn("closing relay server failed", "error", closeErr)
		}
		h.releaseBuffer(buffer)
		return fmt.Errorf("securedesktop: publish handshake: %w", err)
	}

	go server.Serve()

	leader, err := transport.Dial(transport.Config{
		Info: protocol.ConnectionInfo{
			Hostname: "127.0.0.1",
			Port:     server.Port(),
			Key:      channel,
			Mode:     protocol.ModeLeader,
			Insecure: true,
		},
		Logger: h.logger,
	})
	if err != nil {
		if closeErr := server.Close(); closeErr != nil {
			h.logger.Warn("closing relay server failed", "error", closeErr)
		}
		h.releaseBuffer(buffer)
		return fmt.Errorf("securedesktop: leader transport: %w", err)
	}

	followerTransport := h.followerSession.Transport()
	h.bundle = &bundle{
		buffer:          buffer,
		server:          server,
		leaderTransport: leader,
		bridge:          bridge.Connect(followerTransport, leader, h.logger),
		sessionJoined: leader.RegisterInbound(
			protocol.TypeSessionJoined, h.forwardDisplayChange),
		followerDisplay: followerTransport.RegisterInbound(
			protocol.TypeBrailleDisplayInfo, h.forwardDisplayChange),
	}
	go leader.Run()

	h.event.Signal()
	h.logger.Info("secure desktop setup completed",
		"port", server.Port(),
		"token", protocol.TokenFingerprint(channel),
	)
	return nil
}

// LeaveSecureDesktop dismantles the bundle assembled by the last
// enter-transition. Calling it with no live bundle is a no-op.
func (h *Handler) LeaveSecureDesktop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownLocked()
}

// teardownLocked dismantles the live bundle. Every step runs even when
// an earlier one fails; cleanup problems are warnings, never errors.
// Callers hold h.mu.
func (h *Handler) teardownLocked() {
	b := h.bundle
	if b == nil {
		h.logger.Debug("no secure desktop bundle live, nothing to clean up")
		return
	}
	h.bundle = nil

	b.bridge.Disconnect()
	if err := b.server.Close(); err != nil {
		h.logger.Warn("closing relay server failed", "error", err)
	}
	if err := b.leaderTransport.Close(); err != nil {
		h.logger.Warn("closing leader transport failed", "error", err)
	}
	b.sessionJoined.Unregister()
	b.followerDisplay.Unregister()

	if h.followerSession != nil && h.followerSession.Transport() != nil {
		h.followerSession.SetDisplaySize()
	}

	// The event stays set when no secure-desktop copy ever consumed the
	// handshake. Resetting an unset event is harmless.
	h.event.Reset()
	h.releaseBuffer(b.buffer)
	h.logger.Info("secure desktop teardown completed")
}

// releaseBuffer unmaps, closes, and unlinks a handshake buffer,
// logging failures as warnings.
func (h *Handler) releaseBuffer(buffer *ipc.Buffer) {
	if err := buffer.Close(); err != nil {
		h.logger.Warn("closing handshake buffer failed", "error", err)
	}
	if err := buffer.Remove(); err != nil {
		h.logger.Warn("removing handshake buffer failed", "error", err)
	}
}

// InitializeSecureDesktop is run by the process copy launched inside
// the secure desktop. It opens the published handshake buffer, waits
// on the event with a bounded timeout, validates the published
// endpoint, and returns the ConnectionInfo to join the relay as a
// follower.
//
// Every no-handshake outcome — absent buffer, wait timeout, malformed
// payload, endpoint validation failure — returns ErrNoConnection with
// full diagnostics logged, since this path runs in a fresh process
// with no prior state. The buffer is released on every exit path.
func (h *Handler) InitializeSecureDesktop() (protocol.ConnectionInfo, error) {
	h.logger.Info("initializing secure desktop connection")

	buffer, err := ipc.OpenBuffer(h.runtime.Directory, h.runtime.BufferName, h.runtime.BufferSize)
	if err != nil {
		h.logger.Debug("no handshake buffer published", "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}
	defer func() {
		if err := buffer.Close(); err != nil {
			h.logger.Warn("closing handshake buffer failed", "error", err)
		}
	}()

	if err := h.event.Wait(h.clock, handshakeWaitTimeout); err != nil {
		h.logger.Warn("waiting for handshake event failed", "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}

	payload, err := buffer.ReadString()
	if err != nil {
		h.logger.Warn("handshake buffer unreadable", "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}
	// The handshake is consumed; the event supports exactly one waiting
	// reader per write, and the consumer is the one that resets it.
	h.event.Reset()
	port, channel, err := DecodeHandshake(payload)
	if err != nil {
		h.logger.Warn("handshake payload malformed", "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}

	// Probe permission to create sockets at all before trusting the
	// published endpoint.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		h.logger.Warn("socket permission probe failed", "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}
	probe.Close()

	// A stale or spoofed handshake could name a port owned by an
	// unrelated process; only trust a listener running our own image.
	if err := netutil.ListeningProcessMatches(port); err != nil {
		h.logger.Warn("published relay endpoint failed validation", "port", port, "error", err)
		return protocol.ConnectionInfo{}, ErrNoConnection
	}

	h.logger.Info("established secure desktop connection", "port", port)
	return protocol.ConnectionInfo{
		Hostname: "127.0.0.1",
		Port:     port,
		Key:      channel,
		Mode:     protocol.ModeFollower,
		Insecure: true,
	}, nil
}

// forwardDisplayChange adapts inbound display-relevant messages to the
// display-size propagation below.
func (h *Handler) forwardDisplayChange(protocol.Message) error {
	h.onLeaderDisplayChange()
	return nil
}

// onLeaderDisplayChange forwards the follower side's known display
// geometry to the secure-desktop peer over the leader transport.
func (h *Handler) onLeaderDisplayChange() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bundle == nil || h.followerSession == nil {
		h.logger.Warn("no secure desktop relay or follower session available, skipping display change")
		return
	}
	h.logger.Debug("propagating display size change to secure desktop relay")
	err := h.bundle.leaderTransport.Send(protocol.TypeDisplaySizeChanged, map[string]any{
		"sizes": h.followerSession.LeaderDisplaySizes(),
	})
	if err != nil {
		h.logger.Warn("sending display size change failed", "error", err)
	}
}
