// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/holdover-project/holdover/lib/netutil"
	"github.com/holdover-project/holdover/protocol"
)

// maxFrameSize caps a single inbound frame, matching the relay
// server's limit.
const maxFrameSize = 1 << 20

// writeTimeout bounds each frame write.
const writeTimeout = 4 * time.Second

// defaultDialTimeout bounds connection establishment when the caller
// does not set one.
const defaultDialTimeout = 5 * time.Second

// Handler consumes one inbound message. A non-nil error is logged by
// the read loop and does not affect other handlers or the loop itself.
type Handler func(protocol.Message) error

// handlerEntry is one registered handler. Entries keep their slice
// position until unregistered, preserving registration order.
type handlerEntry struct {
	id      uint64
	handler Handler
}

// Subscription is the explicit handle returned by handler
// registration. Unregister removes exactly the handler this handle was
// returned for; calling it more than once is harmless.
type Subscription struct {
	once   *sync.Once
	cancel func()
}

// Unregister removes the subscribed handler.
func (s Subscription) Unregister() {
	if s.once != nil {
		s.once.Do(s.cancel)
	}
}

// Config configures a RelayTransport.
type Config struct {
	// Info describes the relay to join: endpoint, channel token, and
	// role.
	Info protocol.ConnectionInfo

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// DialTimeout bounds connection establishment. Zero means five
	// seconds.
	DialTimeout time.Duration
}

// RelayTransport is a client connection to a relay server.
type RelayTransport struct {
	info       protocol.ConnectionInfo
	logger     *slog.Logger
	conn       net.Conn
	serializer protocol.JSONSerializer

	writeMu sync.Mutex

	mu            sync.Mutex
	handlers      map[protocol.MessageType][]handlerEntry
	catchAll      []handlerEntry
	nextHandlerID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay described by config.Info and sends the
// join frame carrying the channel token and role. The read loop is not
// started; call Run on a dedicated goroutine.
func Dial(config Config) (*RelayTransport, error) {
	if err := config.Info.Validate(); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", config.Info.Address(), config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay %s: %w", config.Info.Address(), err)
	}

	t := &RelayTransport{
		info:     config.Info,
		logger:   config.Logger,
		conn:     conn,
		handlers: make(map[protocol.MessageType][]handlerEntry),
		closed:   make(chan struct{}),
	}
	if err := t.Send(protocol.TypeJoin, map[string]any{
		"channel":         config.Info.Key,
		"connection_type": string(config.Info.Mode),
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join relay: %w", err)
	}
	t.logger.Debug("relay transport connected",
		"address", config.Info.Address(),
		"mode", string(config.Info.Mode),
		"token", protocol.TokenFingerprint(config.Info.Key),
	)
	return t, nil
}

// Info returns the connection parameters this transport was dialed
// with.
func (t *RelayTransport) Info() protocol.ConnectionInfo {
	return t.info
}

// RegisterInbound adds a handler for one message type. Handlers for
// the same type run in registration order.
func (t *RelayTransport) RegisterInbound(messageType protocol.MessageType, handler Handler) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	t.handlers[messageType] = append(t.handlers[messageType], handlerEntry{id: id, handler: handler})

	return Subscription{
		once: &sync.Once{},
		cancel: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.handlers[messageType] = removeEntry(t.handlers[messageType], id)
		},
	}
}

// RegisterCatchAll adds a handler invoked for every inbound message,
// after the type-specific handlers. The bridge uses this to forward
// traffic verbatim.
func (t *RelayTransport) RegisterCatchAll(handler Handler) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	t.catchAll = append(t.catchAll, handlerEntry{id: id, handler: handler})

	return Subscription{
		once: &sync.Once{},
		cancel: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.catchAll = removeEntry(t.catchAll, id)
		},
	}
}

// removeEntry returns entries without the entry carrying id, keeping
// order.
func removeEntry(entries []handlerEntry, id uint64) []handlerEntry {
	for i, entry := range entries {
		if entry.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

// Send serializes one message and writes it to the relay.
func (t *RelayTransport) Send(messageType protocol.MessageType, fields map[string]any) error {
	frame, err := t.serializer.Encode(protocol.NewMessage(messageType, fields))
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", messageType, err)
	}
	return nil
}

// Run is the blocking read loop: it decodes inbound frames and
// dispatches each to the handlers registered for its type, then to the
// catch-all hooks. Run returns nil when the transport is closed or the
// peer disconnects normally, and the terminal read error otherwise.
//
// A malformed or unknown-type frame is a protocol error: it is logged
// and the loop continues. A handler error is logged and the remaining
// handlers still run.
func (t *RelayTransport) Run() error {
	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		message, err := t.serializer.Decode(frame)
		if err != nil {
			t.logger.Warn("relay transport protocol error", "error", err)
			continue
		}
		t.dispatch(message)
	}

	err := scanner.Err()
	select {
	case <-t.closed:
		return nil
	default:
	}
	if err == nil || netutil.IsExpectedCloseError(err) {
		return nil
	}
	return fmt.Errorf("transport: read loop: %w", err)
}

// dispatch invokes the handlers for one message: type-specific first,
// catch-all after, each set in registration order.
func (t *RelayTransport) dispatch(message protocol.Message) {
	t.mu.Lock()
	typed := make([]handlerEntry, len(t.handlers[message.Type]))
	copy(typed, t.handlers[message.Type])
	hooks := make([]handlerEntry, len(t.catchAll))
	copy(hooks, t.catchAll)
	t.mu.Unlock()

	for _, entry := range typed {
		if err := entry.handler(message); err != nil {
			t.logger.Warn("inbound handler failed",
				"message_type", string(message.Type), "error", err)
		}
	}
	for _, entry := range hooks {
		if err := entry.handler(message); err != nil {
			t.logger.Warn("catch-all handler failed",
				"message_type", string(message.Type), "error", err)
		}
	}
}

// Close shuts the socket, which unblocks Run. Safe to call more than
// once.
func (t *RelayTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		t.logger.Debug("relay transport closed", "address", t.info.Address())
	})
	return err
}
