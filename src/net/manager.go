package net

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/sirupsen/logrus"
)

// MinPeerWireVersion is the lowest wire version accepted from a peer.
const MinPeerWireVersion uint32 = 1

var (
	// ErrTransportShutdown is returned when operations on a manager are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnreachable is returned when no channel could be established with
	// the peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrCapabilityMismatch is returned when the peer speaks a wire version
	// we refuse, or refuses ours.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrAlreadyConnected is returned when a connection with the peer exists
	// or is being opened.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned by Send when there is no connection with
	// the peer.
	ErrNotConnected = errors.New("not connected")
)

/*
Manager owns the connections of a node, at most one per remote address.

Outbound connections are opened with OpenConnection; inbound connections are
accepted on the StreamLayer once Start has been called. Both go through the
Hello/HelloAck handshake before being registered and reported to the
ConnectionListeners.

When a peer we are already connected to connects again, the new connection
replaces the old one if the old one was inbound (the peer restarted).
Simultaneous dials are resolved by comparing addresses, whichever of the two
channels completes first on each side: the channel dialed by the node with the
smaller address is kept, the other one is closed with DuplicateSuperseded.
*/
type Manager struct {
	self         peers.NodeAddress
	capabilities peers.Capabilities
	stream       StreamLayer
	conf         *config.Config
	clock        clock.Clock
	logger       *logrus.Entry

	connLock    sync.RWMutex
	connections map[peers.NodeAddress]*Connection
	pending     map[peers.NodeAddress]bool

	listenerLock  sync.RWMutex
	connListeners []ConnectionListener
	msgListeners  []MessageListener

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

// NewManager creates a manager advertising the StreamLayer's AdvertiseAddr and
// caps.
func NewManager(
	stream StreamLayer,
	caps peers.Capabilities,
	conf *config.Config,
	clk clock.Clock,
	logger *logrus.Entry,
) (*Manager, error) {

	self, err := peers.ParseNodeAddress(stream.AdvertiseAddr())
	if err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New()
	}

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Manager{
		self:         self,
		capabilities: caps,
		stream:       stream,
		conf:         conf,
		clock:        clk,
		logger:       logger.WithField("self", self.String()),
		connections:  make(map[peers.NodeAddress]*Connection),
		pending:      make(map[peers.NodeAddress]bool),
		shutdownCh:   make(chan struct{}),
	}, nil
}

// Start accepts inbound connections and runs the keep-alive timer.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.listen()
	go m.keepAliveLoop()
}

// Self returns the address this node advertises.
func (m *Manager) Self() peers.NodeAddress {
	return m.self
}

// Capabilities returns the capabilities this node advertises.
func (m *Manager) Capabilities() peers.Capabilities {
	return m.capabilities
}

// LocalAddr is the address the stream layer listens on.
func (m *Manager) LocalAddr() string {
	addr := m.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// IsShutdown is used to check if the manager is shutdown.
func (m *Manager) IsShutdown() bool {
	select {
	case <-m.shutdownCh:
		return true
	default:
		return false
	}
}

// AddConnectionListener ...
func (m *Manager) AddConnectionListener(l ConnectionListener) {
	m.listenerLock.Lock()
	defer m.listenerLock.Unlock()
	m.connListeners = append(m.connListeners, l)
}

// AddMessageListener ...
func (m *Manager) AddMessageListener(l MessageListener) {
	m.listenerLock.Lock()
	defer m.listenerLock.Unlock()
	m.msgListeners = append(m.msgListeners, l)
}

//==============================================================================
// Connections

// Connection returns the open connection with addr.
func (m *Manager) Connection(addr peers.NodeAddress) (*Connection, bool) {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	c, ok := m.connections[addr]
	return c, ok
}

// Connections returns a copy of the open connections.
func (m *Manager) Connections() []*Connection {
	m.connLock.RLock()
	defer m.connLock.RUnlock()

	res := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		res = append(res, c)
	}
	return res
}

// ConnectedAddresses ...
func (m *Manager) ConnectedAddresses() []peers.NodeAddress {
	m.connLock.RLock()
	defer m.connLock.RUnlock()

	res := make([]peers.NodeAddress, 0, len(m.connections))
	for a := range m.connections {
		res = append(res, a)
	}
	return res
}

// NumConnections ...
func (m *Manager) NumConnections() int {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return len(m.connections)
}

// NumOutbound is the number of connections this node dialed.
func (m *Manager) NumOutbound() int {
	m.connLock.RLock()
	defer m.connLock.RUnlock()

	n := 0
	for _, c := range m.connections {
		if c.direction == Outbound {
			n++
		}
	}
	return n
}

// OpenConnection dials addr and performs the handshake. ctx bounds the whole
// operation together with HandshakeTimeout.
func (m *Manager) OpenConnection(ctx context.Context, addr peers.NodeAddress) (*Connection, error) {
	if m.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	if addr == m.self {
		return nil, fmt.Errorf("%w: %s is this node", ErrUnreachable, addr)
	}

	m.connLock.Lock()
	if _, ok := m.connections[addr]; ok || m.pending[addr] {
		m.connLock.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.pending[addr] = true
	m.connLock.Unlock()

	defer func() {
		m.connLock.Lock()
		delete(m.pending, addr)
		m.connLock.Unlock()
	}()

	timeout := m.conf.HandshakeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := m.stream.Dial(addr.String(), timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c := newConnection(m, raw, Outbound)

	if err := m.handshakeOutbound(c, addr, time.Now().Add(timeout)); err != nil {
		raw.Close()
		m.logger.WithFields(logrus.Fields{
			"peer":  addr.String(),
			"error": err,
		}).Debug("Handshake failed")
		return nil, err
	}

	superseded, err := m.registerOutbound(c)
	if err != nil {
		if err == ErrAlreadyConnected {
			c.writeDirect(&wire.CloseConnection{Reason: DuplicateSuperseded.String()}, time.Now().Add(closeWriteTimeout))
		}
		raw.Close()
		return nil, err
	}

	if superseded != nil {
		superseded.Close(DuplicateSuperseded)
	}

	c.clearDeadlines()
	c.start()

	m.logger.WithField("peer", addr.String()).Info("Connected")
	m.notifyConnection(c)

	return c, nil
}

func (m *Manager) handshakeOutbound(c *Connection, addr peers.NodeAddress, deadline time.Time) error {
	nonce := rand.Uint64()

	hello := &wire.Hello{
		Address:      m.self,
		Capabilities: m.capabilities,
		WireVersion:  wire.WireVersion,
		Nonce:        nonce,
	}
	if err := c.writeDirect(hello, deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	env, err := c.readDirect(deadline)
	if err != nil {
		if wire.IsDecodeError(err, wire.VersionMismatch) {
			return fmt.Errorf("%w: %v", ErrCapabilityMismatch, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	switch msg := env.Payload.(type) {
	case *wire.HelloAck:
		if msg.RequestNonce != nonce {
			return fmt.Errorf("%w: handshake nonce mismatch", ErrUnreachable)
		}
		if msg.WireVersion < MinPeerWireVersion {
			return fmt.Errorf("%w: peer wire version %d", ErrCapabilityMismatch, msg.WireVersion)
		}
		c.setPeer(addr, msg.Capabilities, msg.WireVersion)
		return nil
	case *wire.CloseConnection:
		switch msg.Reason {
		case DuplicateSuperseded.String():
			return ErrAlreadyConnected
		case ProtocolViolation.String():
			return fmt.Errorf("%w: refused by peer", ErrCapabilityMismatch)
		default:
			return fmt.Errorf("%w: refused by peer: %s", ErrUnreachable, msg.Reason)
		}
	default:
		return fmt.Errorf("%w: unexpected %s during handshake", ErrUnreachable, env.Payload.Tag())
	}
}

// registerOutbound adds c, returning the connection it replaces, if any. An
// inbound connection from the same peer can only exist here if the peer
// dialed us while we dialed it.
func (m *Manager) registerOutbound(c *Connection) (*Connection, error) {
	m.connLock.Lock()
	defer m.connLock.Unlock()

	if m.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	existing := m.connections[c.remote]
	if existing != nil && !m.keepsOwnDial(c.remote) {
		return nil, ErrAlreadyConnected
	}

	m.connections[c.remote] = c
	return existing, nil
}

// listen accepts incoming connections until shutdown.
func (m *Manager) listen() {
	defer m.wg.Done()

	for {
		conn, err := m.stream.Accept()
		if err != nil {
			if m.IsShutdown() {
				return
			}
			m.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"from": conn.RemoteAddr(),
		}).Debug("Accepted connection")

		m.wg.Add(1)
		go m.handleInbound(newConnection(m, conn, Inbound))
	}
}

// handleInbound runs the server side of the handshake.
func (m *Manager) handleInbound(c *Connection) {
	defer m.wg.Done()

	if m.NumConnections() >= m.conf.MaxConnections {
		m.logger.Debug("Too many connections, refusing inbound connection")
		c.conn.Close()
		return
	}

	deadline := time.Now().Add(m.conf.HandshakeTimeout)

	env, err := c.readDirect(deadline)
	if err != nil {
		m.logger.WithError(err).Debug("Failed to read hello")
		c.conn.Close()
		return
	}

	hello, ok := env.Payload.(*wire.Hello)
	if ok {
		hello.Address = hello.Address.Normalized()
	}
	if !ok || hello.Address.IsZero() || hello.Address == m.self {
		m.logger.WithField("tag", env.Payload.Tag()).Debug("Invalid hello")
		c.conn.Close()
		return
	}

	if hello.WireVersion < MinPeerWireVersion {
		c.writeDirect(&wire.CloseConnection{Reason: ProtocolViolation.String()}, deadline)
		c.conn.Close()
		return
	}

	c.setPeer(hello.Address, hello.Capabilities, hello.WireVersion)

	superseded, err := m.registerInbound(c)
	if err != nil {
		c.writeDirect(&wire.CloseConnection{Reason: DuplicateSuperseded.String()}, deadline)
		c.conn.Close()
		return
	}

	ack := &wire.HelloAck{
		Address:      m.self,
		Capabilities: m.capabilities,
		WireVersion:  wire.WireVersion,
		RequestNonce: hello.Nonce,
	}
	if err := c.writeDirect(ack, deadline); err != nil {
		m.unregister(c)
		c.abort()
		if superseded != nil {
			superseded.Close(DuplicateSuperseded)
		}
		return
	}

	if superseded != nil {
		superseded.Close(DuplicateSuperseded)
	}

	// our own dial to the peer may have replaced c in the meantime
	if !m.isRegistered(c) {
		c.writeDirect(&wire.CloseConnection{Reason: DuplicateSuperseded.String()}, time.Now().Add(closeWriteTimeout))
		c.abort()
		return
	}

	c.clearDeadlines()
	c.start()

	m.logger.WithField("peer", hello.Address.String()).Info("Accepted peer")
	m.notifyConnection(c)
}

// registerInbound adds c, returning the connection it replaces, if any.
func (m *Manager) registerInbound(c *Connection) (*Connection, error) {
	m.connLock.Lock()
	defer m.connLock.Unlock()

	if m.IsShutdown() {
		return nil, ErrTransportShutdown
	}

	existing := m.connections[c.remote]
	if existing != nil && !m.supersedes(existing) {
		return nil, ErrAlreadyConnected
	}

	m.connections[c.remote] = c
	return existing, nil
}

// supersedes decides whether an inbound connection from the peer of existing
// replaces it. A peer that connects to us again has lost the old channel. If
// we dialed the peer while it dialed us, the channel dialed by the node with
// the smaller address wins on both sides.
func (m *Manager) supersedes(existing *Connection) bool {
	if existing.direction == Inbound {
		return true
	}
	return !m.keepsOwnDial(existing.remote)
}

// keepsOwnDial is the tie-break between the channel we dialed to remote and
// the one remote dialed to us. Both nodes evaluate it to the same channel.
func (m *Manager) keepsOwnDial(remote peers.NodeAddress) bool {
	return m.self.String() < remote.String()
}

func (m *Manager) isRegistered(c *Connection) bool {
	m.connLock.RLock()
	defer m.connLock.RUnlock()
	return m.connections[c.remote] == c
}

func (m *Manager) unregister(c *Connection) {
	m.connLock.Lock()
	defer m.connLock.Unlock()

	if m.connections[c.remote] == c {
		delete(m.connections, c.remote)
	}
}

// connectionClosed is called once per started connection, after its
// goroutines have returned.
func (m *Manager) connectionClosed(c *Connection, reason CloseReason) {
	m.unregister(c)

	m.logger.WithFields(logrus.Fields{
		"peer":   c.remote.String(),
		"reason": reason,
	}).Info("Disconnected")

	m.listenerLock.RLock()
	listeners := m.connListeners
	m.listenerLock.RUnlock()

	for _, l := range listeners {
		l.OnDisconnect(c, reason)
	}
}

func (m *Manager) notifyConnection(c *Connection) {
	m.listenerLock.RLock()
	listeners := m.connListeners
	m.listenerLock.RUnlock()

	for _, l := range listeners {
		l.OnConnection(c)
	}
}

func (m *Manager) dispatch(msg wire.Message, c *Connection) {
	m.listenerLock.RLock()
	listeners := m.msgListeners
	m.listenerLock.RUnlock()

	for _, l := range listeners {
		l.OnMessage(msg, c)
	}
}

//==============================================================================
// Sending

// Send queues msg on the connection with addr.
func (m *Manager) Send(addr peers.NodeAddress, msg wire.Message) error {
	c, ok := m.Connection(addr)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(msg)
}

// Broadcast sends msg to every connected peer except exclude whose
// capabilities cover required and the capability the message type needs. It
// returns the number of peers the message was queued for.
func (m *Manager) Broadcast(msg wire.Message, exclude peers.NodeAddress, required peers.Capabilities) int {
	b, err := wire.Encode(msg)
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode broadcast")
		return 0
	}
	if len(b) > m.conf.MaxMessageSize {
		m.logger.WithField("tag", msg.Tag()).Error("Broadcast message too large")
		return 0
	}

	needed, hasNeeded := wire.RequiredCapability(msg)

	n := 0
	for _, c := range m.Connections() {
		if c.Remote() == exclude {
			continue
		}
		caps := c.Capabilities()
		if !caps.SupportsAll(required) {
			continue
		}
		if hasNeeded && !caps.Supports(needed) {
			continue
		}
		if err := c.sendRaw(b); err != nil {
			c.logger.WithError(err).Debug("Failed to queue broadcast")
			continue
		}
		n++
	}

	return n
}

// CloseConnection closes the connection with addr, if any.
func (m *Manager) CloseConnection(addr peers.NodeAddress, reason CloseReason) bool {
	c, ok := m.Connection(addr)
	if !ok {
		return false
	}
	c.Close(reason)
	return true
}

// Shutdown closes every connection with LocalShutdown and stops accepting.
// It returns once all connections are torn down and their listeners
// notified.
func (m *Manager) Shutdown() {
	m.shutdownLock.Lock()
	if m.shutdown {
		m.shutdownLock.Unlock()
		return
	}
	m.shutdown = true
	close(m.shutdownCh)
	m.shutdownLock.Unlock()

	m.stream.Close()

	conns := m.Connections()
	for _, c := range conns {
		c.Close(LocalShutdown)
	}
	for _, c := range conns {
		<-c.Done()
	}

	m.wg.Wait()
}
