// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"log/slog"
	"sync"

	"github.com/holdover-project/holdover/protocol"
	"github.com/holdover-project/holdover/transport"
)

// Bridge forwards messages between two transports in both directions.
// The coupling is verbatim: the forwarded message keeps its type and
// fields exactly as received, with no reinterpretation.
type Bridge struct {
	logger *slog.Logger

	forwardA transport.Subscription
	forwardB transport.Subscription

	disconnectOnce sync.Once
}

// Connect registers a catch-all hook on each transport that forwards
// every received message to the other. The bridge is live from the
// moment Connect returns; call Disconnect to remove both hooks.
func Connect(a, b *transport.RelayTransport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	bridge := &Bridge{logger: logger}
	bridge.forwardA = a.RegisterCatchAll(forwardTo(b))
	bridge.forwardB = b.RegisterCatchAll(forwardTo(a))
	logger.Debug("bridge connected")
	return bridge
}

// forwardTo builds the hook that relays one direction of traffic. A
// send failure is surfaced as a handler error: the read loop logs it
// and keeps running, so a transient write problem on one side never
// takes down the other side's transport.
func forwardTo(destination *transport.RelayTransport) transport.Handler {
	return func(message protocol.Message) error {
		return destination.Send(message.Type, message.Fields)
	}
}

// Disconnect removes both forwarding hooks. No further traffic flows
// in either direction afterwards. Safe to call more than once.
func (b *Bridge) Disconnect() {
	b.disconnectOnce.Do(func() {
		b.forwardA.Unregister()
		b.forwardB.Unregister()
		b.logger.Debug("bridge disconnected")
	})
}
