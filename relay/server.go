// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/holdover-project/holdover/lib/netutil"
	"github.com/holdover-project/holdover/protocol"
)

// maxFrameSize caps a single wire frame. Session traffic is small
// control messages; 1 MB is far beyond anything legitimate.
const maxFrameSize = 1 << 20

// writeTimeout bounds each frame write so one stalled client cannot
// wedge the broadcast path for the others.
const writeTimeout = 4 * time.Second

// defaultAuthGrace is how long a connecting client has to present the
// channel token before being disconnected.
const defaultAuthGrace = 5 * time.Second

// Config configures a Server.
type Config struct {
	// BindHost is the listen address and must be a loopback address.
	// Empty means 127.0.0.1.
	BindHost string

	// Port is the TCP port to bind. Zero asks the OS for an ephemeral
	// port, the normal mode for secure-desktop channels.
	Port int

	// Token is the channel token every client must present in its
	// join frame. Required.
	Token string

	// AuthGrace bounds the authentication exchange. Zero means the
	// default of five seconds.
	AuthGrace time.Duration

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger
}

// Server is a loopback relay: every frame received from one
// authenticated client is forwarded verbatim to every other
// authenticated client, never echoed to the sender. The payload is
// not interpreted.
type Server struct {
	config     Config
	logger     *slog.Logger
	listener   net.Listener
	serializer protocol.JSONSerializer

	mu           sync.Mutex
	clients      map[*client]struct{}
	pending      map[*client]struct{}
	closed       bool
	nextClientID int

	handlers sync.WaitGroup
}

// client is one accepted connection. writeMu serializes frame writes;
// authenticated clients appear in the server's client set.
type client struct {
	id      int
	conn    net.Conn
	writeMu sync.Mutex
}

// NewServer binds the listening socket and returns a server ready for
// Serve. Binding happens here, before the accept loop starts, so the
// caller can publish the assigned port in the handshake first.
func NewServer(config Config) (*Server, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("relay: a channel token is required")
	}
	if config.BindHost == "" {
		config.BindHost = "127.0.0.1"
	}
	if !isLoopbackHost(config.BindHost) {
		return nil, fmt.Errorf("relay: refusing to bind non-loopback host %q", config.BindHost)
	}
	if config.AuthGrace <= 0 {
		config.AuthGrace = defaultAuthGrace
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	address := net.JoinHostPort(config.BindHost, strconv.Itoa(config.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("relay: listen on %s: %w", address, err)
	}

	server := &Server{
		config:   config,
		logger:   config.Logger,
		listener: listener,
		clients:  make(map[*client]struct{}),
		pending:  make(map[*client]struct{}),
	}
	server.logger.Debug("relay server bound",
		"address", listener.Addr().String(),
		"token", protocol.TokenFingerprint(config.Token),
	)
	return server, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until the server is closed. It blocks and
// is normally run on its own goroutine. Closing the server closes the
// listening socket, which unblocks the accept call; Serve then waits
// for the per-client goroutines to drain.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Error("relay accept failed", "error", err)
			}
			break
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleClient(conn)
		}()
	}
	s.handlers.Wait()
}

// Close shuts the server down: every client socket and the listening
// socket are closed. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	connected := make([]*client, 0, len(s.clients)+len(s.pending))
	for c := range s.clients {
		connected = append(connected, c)
	}
	// Connections still mid-authentication must be cut too, or Serve
	// would linger in its drain for up to the auth grace period.
	for c := range s.pending {
		connected = append(connected, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range connected {
		c.conn.Close()
	}
	s.logger.Info("relay server closed", "clients", len(connected))
	return err
}

// handleClient authenticates one connection and then forwards its
// frames to the other authenticated clients until it disconnects.
func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()
	c := &client{conn: conn}
	if !s.track(c) {
		return
	}
	defer s.untrack(c)

	versionFrame, err := s.serializer.Encode(protocol.NewMessage(protocol.TypeProtocolVersion, map[string]any{
		"version": protocol.Version,
	}))
	if err != nil {
		s.logger.Error("relay encode protocol-version failed", "error", err)
		return
	}
	if err := c.write(versionFrame); err != nil {
		s.logger.Debug("relay client gone before version announce", "error", err)
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	if !s.authenticate(c, scanner) {
		return
	}

	s.admit(c)
	defer s.evict(c)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		// Forward verbatim. The relay never interprets payload content;
		// a copy is taken because the scanner reuses its buffer.
		s.broadcastRaw(c, append(append([]byte{}, frame...), '\n'))
	}
	if err := scanner.Err(); err != nil && !netutil.IsExpectedCloseError(err) {
		s.logger.Debug("relay client read ended", "client", c.id, "error", err)
	}
}

// authenticate reads the client's first frame within the grace period
// and checks the channel token. Returns false when the client must be
// disconnected.
func (s *Server) authenticate(c *client, scanner *bufio.Scanner) bool {
	deadline := time.Now().Add(s.config.AuthGrace)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		s.logger.Debug("relay set auth deadline failed", "error", err)
		return false
	}
	if !scanner.Scan() {
		s.logger.Warn("relay client disconnected before authenticating",
			"remote", c.conn.RemoteAddr().String())
		return false
	}
	message, err := s.serializer.Decode(scanner.Bytes())
	if err != nil {
		s.logger.Warn("relay rejected malformed join frame", "error", err)
		return false
	}
	if message.Type != protocol.TypeJoin {
		s.logger.Warn("relay rejected client: first frame not a join",
			"frame_type", string(message.Type))
		return false
	}
	presented, _ := message.StringField("channel")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.Token)) != 1 {
		s.logger.Warn("relay rejected client: channel token mismatch",
			"presented", protocol.TokenFingerprint(presented),
			"expected", protocol.TokenFingerprint(s.config.Token),
		)
		return false
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Debug("relay clear auth deadline failed", "error", err)
		return false
	}
	return true
}

// track registers a connection that has not yet authenticated, so
// Close can cut it. Returns false when the server is already closed;
// the connection must then be dropped.
func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[c] = struct{}{}
	return true
}

// untrack removes a connection from the pre-auth set. A no-op for
// clients that admit already moved to the connected set.
func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.pending, c)
	s.mu.Unlock()
}

// admit moves an authenticated client from the pre-auth set to the
// connected set, confirms the join, and announces it to the other
// clients.
func (s *Server) admit(c *client) {
	s.mu.Lock()
	delete(s.pending, c)
	s.nextClientID++
	c.id = s.nextClientID
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("relay client joined", "client", c.id)

	if frame, err := s.serializer.Encode(protocol.NewMessage(protocol.TypeChannelJoined, map[string]any{
		"id": c.id,
	})); err == nil {
		if writeErr := c.write(frame); writeErr != nil {
			s.logger.Debug("relay join confirm write failed", "client", c.id, "error", writeErr)
		}
	}
	s.announce(c, protocol.TypeSessionJoined)
}

// evict removes a client from the connected set and announces the
// departure to the remaining clients.
func (s *Server) evict(c *client) {
	s.mu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	closed := s.closed
	s.mu.Unlock()
	if !present || closed {
		return
	}
	s.logger.Info("relay client left", "client", c.id)
	s.announce(c, protocol.TypeSessionLeft)
}

// announce broadcasts a session-joined or session-left notification
// about c to every other authenticated client.
func (s *Server) announce(c *client, messageType protocol.MessageType) {
	frame, err := s.serializer.Encode(protocol.NewMessage(messageType, map[string]any{
		"id": c.id,
	}))
	if err != nil {
		s.logger.Error("relay encode announcement failed", "type", string(messageType), "error", err)
		return
	}
	s.broadcastRaw(c, frame)
}

// broadcastRaw writes a complete frame to every authenticated client
// except the sender. A client whose write fails is closed; its own
// read loop performs the eviction.
func (s *Server) broadcastRaw(sender *client, frame []byte) {
	s.mu.Lock()
	receivers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != sender {
			receivers = append(receivers, c)
		}
	}
	s.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.write(frame); err != nil {
			s.logger.Debug("relay broadcast write failed, dropping client",
				"client", receiver.id, "error", err)
			receiver.conn.Close()
		}
	}
}

// write sends one frame with a bounded deadline. Writes to the same
// client are serialized so broadcast frames never interleave.
func (c *client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// isLoopbackHost reports whether host names a loopback address.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
