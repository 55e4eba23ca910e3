package peerexchange

import (
	"context"
	"testing"
	"time"

	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_DisjointSetsUnion(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t))
	b := newTestNode(t, network, testConfig(t))

	now := nowMillis()
	a.exchange.Known().AddAll([]peers.Peer{
		fakePeer(t, "p1.onion", now),
		fakePeer(t, "p2.onion", now),
	})
	b.exchange.Known().AddAll([]peers.Peer{
		fakePeer(t, "p3.onion", now),
		fakePeer(t, "p4.onion", now),
	})

	_, err := a.manager.OpenConnection(context.Background(), b.manager.Self())
	require.NoError(t, err)

	hosts := []string{"p1.onion", "p2.onion", "p3.onion", "p4.onion"}
	for _, n := range []*testNode{a, b} {
		n := n
		eventually(t, func() bool {
			for _, h := range hosts {
				if !n.exchange.Known().Contains(peers.NewNodeAddress(h, 9999)) {
					return false
				}
			}
			return true
		}, "known peers should converge to the union")
	}

	assert.True(t, a.exchange.Known().Contains(b.manager.Self()), "a should know b")
	assert.True(t, b.exchange.Known().Contains(a.manager.Self()), "b should know a")
	assert.False(t, a.exchange.Known().Contains(a.manager.Self()), "a should not know itself")
	assert.Equal(t, 5, a.exchange.Known().Len())
	assert.Equal(t, 5, b.exchange.Known().Len())
}

func TestExchange_MergeFilters(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t))
	b := newTestNode(t, network, testConfig(t))

	c, err := a.manager.OpenConnection(context.Background(), b.manager.Self())
	require.NoError(t, err)

	now := nowMillis()
	future := now + int64(time.Hour/time.Millisecond)
	old := now - int64(30*24*time.Hour/time.Millisecond)

	require.NoError(t, c.Send(&wire.GetPeersRequest{
		Nonce:  1,
		Sender: a.manager.Self(),
		ReportedPeers: []peers.Peer{
			peers.NewPeer(b.manager.Self(), nil, now),
			peers.NewPeer(peers.NodeAddress{}, nil, now),
			fakePeer(t, "old.onion", old),
			fakePeer(t, "future.onion", future),
			fakePeer(t, "fresh.onion", now),
		},
	}))

	fresh := peers.NewNodeAddress("fresh.onion", 9999)
	eventually(t, func() bool { return b.exchange.Known().Contains(fresh) }, "fresh peer should be learned")

	assert.False(t, b.exchange.Known().Contains(b.manager.Self()), "own address should be ignored")
	assert.False(t, b.exchange.Known().Contains(peers.NewNodeAddress("old.onion", 9999)), "stale peer should be ignored")

	p, ok := b.exchange.Known().Get(peers.NewNodeAddress("future.onion", 9999))
	require.True(t, ok)
	assert.True(t, p.LastSeen < future, "LastSeen in the future should be clamped")
}

func TestExchange_TooManyReportedPeers(t *testing.T) {
	network := net.NewInmemNetwork()

	a := newTestNode(t, network, testConfig(t))

	bconf := testConfig(t)
	bconf.MaxReportedPeers = 3
	b := newTestNode(t, network, bconf)

	c, err := a.manager.OpenConnection(context.Background(), b.manager.Self())
	require.NoError(t, err)

	now := nowMillis()
	req := &wire.GetPeersRequest{
		Nonce:  1,
		Sender: a.manager.Self(),
		ReportedPeers: []peers.Peer{
			fakePeer(t, "p1.onion", now),
			fakePeer(t, "p2.onion", now),
			fakePeer(t, "p3.onion", now),
			fakePeer(t, "p4.onion", now),
			fakePeer(t, "p5.onion", now),
		},
	}

	require.NoError(t, c.Send(req))

	eventually(t, func() bool {
		return b.exchange.Known().Contains(peers.NewNodeAddress("p3.onion", 9999))
	}, "truncated list should be merged")
	assert.False(t, b.exchange.Known().Contains(peers.NewNodeAddress("p4.onion", 9999)))
	assert.False(t, b.exchange.Known().Contains(peers.NewNodeAddress("p5.onion", 9999)))

	// repeated offences close the connection
	require.NoError(t, c.Send(req))
	require.NoError(t, c.Send(req))

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatalf("connection should be closed after repeated violations")
	}

	eventually(t, func() bool {
		return !b.exchange.Known().Contains(a.manager.Self())
	}, "offending peer should be forgotten")
}

func TestExchange_UnsolicitedResponse(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t))
	b := newTestNode(t, network, testConfig(t))

	c, err := a.manager.OpenConnection(context.Background(), b.manager.Self())
	require.NoError(t, err)

	require.NoError(t, c.Send(&wire.GetPeersResponse{
		RequestNonce:  12345,
		ReportedPeers: []peers.Peer{fakePeer(t, "sneaky.onion", nowMillis())},
	}))

	// a request sent afterwards is processed, so the response was too
	require.NoError(t, c.Send(&wire.GetPeersRequest{
		Nonce:         2,
		Sender:        a.manager.Self(),
		ReportedPeers: []peers.Peer{fakePeer(t, "marker.onion", nowMillis())},
	}))

	eventually(t, func() bool {
		return b.exchange.Known().Contains(peers.NewNodeAddress("marker.onion", 9999))
	}, "marker should be learned")
	assert.False(t, b.exchange.Known().Contains(peers.NewNodeAddress("sneaky.onion", 9999)))
}

func TestExchange_Maintain(t *testing.T) {
	network := net.NewInmemNetwork()

	conf := testConfig(t)
	conf.OutboundTarget = 3
	a := newTestNode(t, network, conf)
	b := newTestNode(t, network, testConfig(t))
	c := newTestNode(t, network, testConfig(t))

	dead, err := peers.ParseNodeAddress(net.NewInmemAddr())
	require.NoError(t, err)

	now := nowMillis()
	a.exchange.Known().AddAll([]peers.Peer{
		peers.NewPeer(dead, nil, now),
		peers.NewPeer(b.manager.Self(), nil, now-1),
		peers.NewPeer(c.manager.Self(), nil, now-2),
	})

	opened := a.exchange.Maintain()

	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, a.manager.NumOutbound())
	assert.False(t, a.exchange.Known().Contains(dead), "unreachable peer should be forgotten")

	// nothing left to dial
	assert.Equal(t, 0, a.exchange.Maintain())
}

func TestExchange_PeriodicRound(t *testing.T) {
	network := net.NewInmemNetwork()

	conf := testConfig(t)
	conf.PeerExchangeInterval = 20 * time.Millisecond
	conf.OutboundTarget = 2
	a := newTestNode(t, network, conf)
	b := newTestNode(t, network, testConfig(t))
	c := newTestNode(t, network, testConfig(t))

	// b knows c; a only knows b
	b.exchange.Known().Add(peers.NewPeer(c.manager.Self(), nil, nowMillis()))
	a.exchange.Known().Add(peers.NewPeer(b.manager.Self(), nil, nowMillis()))

	a.exchange.Start()

	eventually(t, func() bool {
		_, ok := a.manager.Connection(c.manager.Self())
		return ok
	}, "a should reach c through b's report")
}
