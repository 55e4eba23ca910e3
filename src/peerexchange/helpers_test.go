package peerexchange

import (
	"testing"
	"time"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

type testNode struct {
	addr     string
	manager  *net.Manager
	exchange *Exchange
}

func testConfig(t *testing.T) *config.Config {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.TCPTimeout = 30 * time.Second
	conf.KeepAliveInterval = 10 * time.Second
	conf.PingTimeout = 5 * time.Second
	return conf
}

func newTestNode(t *testing.T, network *net.InmemNetwork, conf *config.Config) *testNode {
	return newTestNodeAt(t, network, net.NewInmemAddr(), conf)
}

func newTestNodeAt(t *testing.T, network *net.InmemNetwork, addr string, conf *config.Config) *testNode {
	logger := common.NewTestEntry(t, common.TestLogLevel)

	m, err := net.NewManager(network.NewStreamLayer(addr), peers.LocalCapabilities(), conf, nil, logger)
	require.NoError(t, err)

	known, err := peers.NewKnownPeers(conf.MaxKnownPeers, m.Self())
	require.NoError(t, err)

	ex := NewExchange(m, known, conf, nil, logger)
	m.AddConnectionListener(ex)
	m.AddMessageListener(ex)
	m.Start()

	t.Cleanup(func() {
		ex.Shutdown()
		m.Shutdown()
	})

	return &testNode{addr: addr, manager: m, exchange: ex}
}

func fakePeer(t *testing.T, host string, lastSeen int64) peers.Peer {
	return peers.NewPeer(peers.NewNodeAddress(host, 9999), peers.LocalCapabilities(), lastSeen)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
