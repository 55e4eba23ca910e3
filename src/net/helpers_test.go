package net

import (
	"io"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/wire"
)

const testTimeout = 2 * time.Second

type disconnect struct {
	conn   *Connection
	reason CloseReason
}

type received struct {
	msg  wire.Message
	conn *Connection
}

type testListener struct {
	connected    chan *Connection
	disconnected chan disconnect
	messages     chan received
}

func newTestListener() *testListener {
	return &testListener{
		connected:    make(chan *Connection, 16),
		disconnected: make(chan disconnect, 16),
		messages:     make(chan received, 64),
	}
}

func (l *testListener) OnConnection(c *Connection) {
	l.connected <- c
}

func (l *testListener) OnDisconnect(c *Connection, reason CloseReason) {
	l.disconnected <- disconnect{c, reason}
}

func (l *testListener) OnMessage(msg wire.Message, c *Connection) {
	l.messages <- received{msg, c}
}

func (l *testListener) waitConnected(t *testing.T) *Connection {
	t.Helper()
	select {
	case c := <-l.connected:
		return c
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for connection")
	}
	return nil
}

func (l *testListener) waitDisconnected(t *testing.T) disconnect {
	t.Helper()
	select {
	case d := <-l.disconnected:
		return d
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for disconnection")
	}
	return disconnect{}
}

func (l *testListener) waitMessage(t *testing.T) received {
	t.Helper()
	select {
	case r := <-l.messages:
		return r
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for message")
	}
	return received{}
}

// testConfig keeps keep-alive out of the way; keep-alive tests drive it with
// a mock clock.
func testConfig(t *testing.T) *config.Config {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.TCPTimeout = 30 * time.Second
	conf.KeepAliveInterval = 10 * time.Second
	conf.PingTimeout = 5 * time.Second
	return conf
}

// newTestManager creates a manager on network. With a mock clock, only the
// accept loop is started so that the test drives keep-alive itself.
func newTestManager(t *testing.T, network *InmemNetwork, conf *config.Config, caps peers.Capabilities, clk clock.Clock) (*Manager, *testListener) {
	layer := network.NewStreamLayer("")

	m, err := NewManager(layer, caps, conf, clk, common.NewTestEntry(t, common.TestLogLevel))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, ok := clk.(*clock.Mock); ok {
		m.wg.Add(1)
		go m.listen()
	} else {
		m.Start()
	}

	l := newTestListener()
	m.AddConnectionListener(l)
	m.AddMessageListener(l)

	return m, l
}

// rawPeer is the remote end of a connection, driven by hand.
type rawPeer struct {
	conn net.Conn
	addr peers.NodeAddress
}

// dialRaw connects to target and completes the handshake announcing addr.
func dialRaw(t *testing.T, network *InmemNetwork, target peers.NodeAddress, addr peers.NodeAddress) *rawPeer {
	layer := network.NewStreamLayer("")
	defer layer.Close()

	conn, err := layer.Dial(target.String(), testTimeout)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	conn.SetDeadline(time.Now().Add(testTimeout))

	err = wire.WriteMessage(conn, &wire.Hello{
		Address:      addr,
		Capabilities: peers.LocalCapabilities(),
		WireVersion:  wire.WireVersion,
		Nonce:        7,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	env, err := wire.ReadMessage(conn, 1<<20)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	ack, ok := env.Payload.(*wire.HelloAck)
	if !ok || ack.RequestNonce != 7 {
		t.Fatalf("expected HelloAck, got %#v", env.Payload)
	}

	conn.SetDeadline(time.Time{})
	return &rawPeer{conn: conn, addr: addr}
}

// drain discards everything the manager sends from now on.
func (p *rawPeer) drain() {
	go io.Copy(ioutil.Discard, p.conn)
}

func (p *rawPeer) send(t *testing.T, msg wire.Message) {
	if err := wire.WriteMessage(p.conn, msg); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
