package net

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	bufSize = 64 * 1024

	// closeWriteTimeout bounds the write of the CloseConnection message on
	// the way out.
	closeWriteTimeout = time.Second
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when a peer does not drain its queue fast
	// enough. The message is dropped.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrMessageTooLarge is returned for messages exceeding MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// Direction tells which side dialed.
type Direction int

const (
	// Inbound connections were accepted.
	Inbound Direction = iota + 1
	// Outbound connections were dialed.
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// ConnectionState ...
type ConnectionState int

const (
	// Handshaking ...
	Handshaking ConnectionState = iota
	// Open ...
	Open
	// Closed ...
	Closed
)

type pendingPing struct {
	nonce  uint64
	sentAt time.Time
	active bool
}

// Connection is a live, handshaked channel with one peer.
type Connection struct {
	id        string
	conn      net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	direction Direction
	manager   *Manager
	logger    *logrus.Entry

	l            sync.RWMutex
	remote       peers.NodeAddress
	capabilities peers.Capabilities
	peerVersion  uint32
	state        ConnectionState
	lastRTT      time.Duration
	lastActivity time.Time
	violations   map[Violation]int
	ping         pendingPing
	missedPings  int
	reason       CloseReason

	limiter   *rate.Limiter
	sendCh    chan []byte
	inboundCh chan *wire.Envelope

	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeMsg   []byte
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

func newConnection(m *Manager, conn net.Conn, direction Direction) *Connection {
	limit := rate.Inf
	if m.conf.MessageRate > 0 {
		limit = rate.Limit(m.conf.MessageRate)
	}

	id := uuid.New().String()

	return &Connection{
		id:         id,
		conn:       conn,
		r:          bufio.NewReaderSize(conn, bufSize),
		w:          bufio.NewWriterSize(conn, bufSize),
		direction:  direction,
		manager:    m,
		logger:     m.logger.WithFields(logrus.Fields{"conn": id[:8], "dir": direction}),
		violations: make(map[Violation]int),
		limiter:    rate.NewLimiter(limit, m.conf.MessageBurst),
		sendCh:     make(chan []byte, m.conf.SendQueueSize),
		inboundCh:  make(chan *wire.Envelope, m.conf.SendQueueSize),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

//==============================================================================
// Accessors

// ID is a random identifier, unique per connection.
func (c *Connection) ID() string {
	return c.id
}

// Remote returns the address the peer announced in the handshake.
func (c *Connection) Remote() peers.NodeAddress {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.remote
}

// Capabilities returns the capabilities the peer announced in the handshake.
func (c *Connection) Capabilities() peers.Capabilities {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.capabilities
}

// PeerWireVersion ...
func (c *Connection) PeerWireVersion() uint32 {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.peerVersion
}

// Direction ...
func (c *Connection) Direction() Direction {
	return c.direction
}

// RoundTripTime is the last measured Ping/Pong round trip.
func (c *Connection) RoundTripTime() time.Duration {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.lastRTT
}

// LastActivity is the time the last frame was received.
func (c *Connection) LastActivity() time.Time {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.lastActivity
}

// State ...
func (c *Connection) State() ConnectionState {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.state
}

// CloseReason is set once the connection is closing.
func (c *Connection) CloseReason() CloseReason {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.reason
}

// Closing is closed as soon as the connection starts closing.
func (c *Connection) Closing() <-chan struct{} {
	return c.shutdownCh
}

// Done is closed once the connection is fully torn down and listeners have
// been notified.
func (c *Connection) Done() <-chan struct{} {
	return c.doneCh
}

//==============================================================================
// Sending

// Send queues msg. It never blocks: if the peer's queue is full the message
// is dropped and ErrSendQueueFull returned.
func (c *Connection) Send(msg wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if len(b) > c.manager.conf.MaxMessageSize {
		return ErrMessageTooLarge
	}
	return c.sendRaw(b)
}

func (c *Connection) sendRaw(b []byte) error {
	select {
	case <-c.shutdownCh:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- b:
		return nil
	case <-c.shutdownCh:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

//==============================================================================
// Lifecycle

// Close starts closing the connection. Only the first reason counts. The
// peer is told why, unless it is the one who left.
func (c *Connection) Close(reason CloseReason) {
	c.close(reason, reason != PeerClosed && reason != TransportFault)
}

func (c *Connection) close(reason CloseReason, tellPeer bool) {
	c.closeOnce.Do(func() {
		c.l.Lock()
		c.reason = reason
		c.state = Closed
		c.l.Unlock()

		if tellPeer {
			c.closeMsg, _ = wire.Encode(&wire.CloseConnection{Reason: reason.String()})
		}

		c.logger.WithField("reason", reason).Debug("Closing connection")

		close(c.shutdownCh)
	})
}

// ReportViolation charges the peer with v. Exceeding the tolerance of the
// kind closes the connection with ProtocolViolation.
func (c *Connection) ReportViolation(v Violation) {
	c.l.Lock()
	c.violations[v]++
	n := c.violations[v]
	c.l.Unlock()

	c.logger.WithFields(logrus.Fields{
		"violation": v,
		"count":     n,
	}).Warn("Rule violation")

	if n > v.tolerance() {
		c.Close(ProtocolViolation)
	}
}

func (c *Connection) setPeer(remote peers.NodeAddress, caps peers.Capabilities, version uint32) {
	c.l.Lock()
	c.remote = remote
	c.capabilities = caps
	c.peerVersion = version
	c.l.Unlock()

	c.logger = c.logger.WithField("peer", remote.String())
}

// start launches the reader, writer and inbound worker. Once they have all
// returned, the socket is closed and the manager notified.
func (c *Connection) start() {
	c.l.Lock()
	if c.state == Handshaking {
		c.state = Open
	}
	c.lastActivity = c.manager.clock.Now()
	c.l.Unlock()

	c.wg.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.inboundLoop()

	go func() {
		c.wg.Wait()
		c.conn.Close()
		c.manager.connectionClosed(c, c.CloseReason())
		close(c.doneCh)
	}()
}

// abort tears down a registered connection that failed before start. No
// listener is notified.
func (c *Connection) abort() {
	c.Close(TransportFault)
	c.conn.Close()
	close(c.doneCh)
}

//==============================================================================
// Goroutines

func (c *Connection) readLoop() {
	defer c.wg.Done()

	for {
		c.conn.SetReadDeadline(deadline(c.manager.conf.TCPTimeout))

		b, err := wire.ReadFrame(c.r, c.manager.conf.MaxMessageSize)
		if err != nil {
			c.Close(classifyReadError(err))
			return
		}

		c.touch()

		if !c.limiter.Allow() {
			c.ReportViolation(ThrottleExceeded)
			continue
		}

		env, err := wire.Decode(b)
		if err != nil {
			if wire.IsDecodeError(err, wire.UnknownVariant) {
				c.logger.WithError(err).Debug("Dropping message of unknown type")
				continue
			}
			c.logger.WithError(err).Warn("Failed to decode message")
			c.Close(ProtocolViolation)
			return
		}

		switch msg := env.Payload.(type) {
		case *wire.Ping:
			if err := c.Send(&wire.Pong{RequestNonce: msg.Nonce}); err != nil {
				c.logger.WithError(err).Debug("Failed to answer ping")
			}
			continue
		case *wire.Pong:
			c.handlePong(msg)
			continue
		case *wire.CloseConnection:
			c.logger.WithField("reason", msg.Reason).Debug("Peer closed connection")
			// the peer kept another channel with us: it is still online
			if msg.Reason == DuplicateSuperseded.String() {
				c.close(DuplicateSuperseded, false)
			} else {
				c.close(PeerClosed, false)
			}
			return
		case *wire.Hello, *wire.HelloAck:
			c.ReportViolation(UnexpectedMessage)
			continue
		}

		select {
		case c.inboundCh <- env:
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	defer c.conn.Close()

	for {
		select {
		case b := <-c.sendCh:
			if err := c.writeFrame(b, deadline(c.manager.conf.TCPTimeout)); err != nil {
				c.logger.WithError(err).Debug("Write failed")
				c.Close(TransportFault)
				return
			}
		case <-c.shutdownCh:
			if c.closeMsg != nil {
				c.writeFrame(c.closeMsg, time.Now().Add(closeWriteTimeout))
			}
			return
		}
	}
}

func (c *Connection) inboundLoop() {
	defer c.wg.Done()

	for {
		select {
		case env := <-c.inboundCh:
			c.manager.dispatch(env.Payload, c)
		case <-c.shutdownCh:
			return
		}
	}
}

//==============================================================================
// Helpers

func (c *Connection) touch() {
	now := c.manager.clock.Now()
	c.l.Lock()
	c.lastActivity = now
	c.l.Unlock()
}

func (c *Connection) writeFrame(b []byte, deadline time.Time) error {
	c.conn.SetWriteDeadline(deadline)
	if err := wire.WriteFrame(c.w, b); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeDirect and readDirect are used during the handshake, before the
// goroutines start.
func (c *Connection) writeDirect(msg wire.Message, deadline time.Time) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(b, deadline)
}

func (c *Connection) readDirect(deadline time.Time) (*wire.Envelope, error) {
	c.conn.SetReadDeadline(deadline)
	return wire.ReadMessage(c.r, c.manager.conf.MaxMessageSize)
}

func (c *Connection) clearDeadlines() {
	c.conn.SetDeadline(time.Time{})
}

// deadline returns now+d, or no deadline for d <= 0.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func classifyReadError(err error) CloseReason {
	var de *wire.DecodeError
	if errors.As(err, &de) {
		return ProtocolViolation
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return PeerClosed
	}
	return TransportFault
}
