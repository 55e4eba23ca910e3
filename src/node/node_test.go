package node

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bisq-network/bisq-sub073/src/broadcast"
	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/mailbox"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/node/state"
	"github.com/bisq-network/bisq-sub073/src/peerexchange"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

func testConfig(t *testing.T, seeds ...peers.NodeAddress) *config.Config {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.TCPTimeout = 30 * time.Second
	conf.KeepAliveInterval = 10 * time.Second
	conf.PingTimeout = 5 * time.Second
	for _, s := range seeds {
		conf.SeedNodes = append(conf.SeedNodes, s.String())
	}
	return conf
}

func newTestNode(t *testing.T, network *net.InmemNetwork, conf *config.Config, peerStore *peers.JSONPeerStore) *Node {
	key, err := keys.GenerateECDSAKey()
	require.NoError(t, err)

	n, err := NewNode(conf, key, network.NewStreamLayer(net.NewInmemAddr()), nil, peerStore, nil)
	require.NoError(t, err)
	require.NoError(t, n.Init())

	n.RunAsync()
	t.Cleanup(n.Shutdown)

	return n
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

func waitRunning(t *testing.T, n *Node) {
	eventually(t, func() bool { return n.GetState() == state.Running }, "node should finish bootstrapping")
}

func offer(data string, ttl time.Duration) storage.StoragePayload {
	return storage.NewPayload(storage.PlainPayload, nil, ttl, []byte(data))
}

func TestNode_InitialSyncAndGossip(t *testing.T) {
	network := net.NewInmemNetwork()

	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)

	before, err := a.AddData(offer("before", time.Hour))
	require.NoError(t, err)

	b := newTestNode(t, network, testConfig(t, a.Self()), nil)
	waitRunning(t, b)

	eventually(t, func() bool { _, ok := b.Get(before); return ok }, "b should receive existing entries")

	c := newTestNode(t, network, testConfig(t, b.Self()), nil)
	waitRunning(t, c)
	eventually(t, func() bool { _, ok := c.Get(before); return ok }, "c should sync from b")

	after, err := a.AddData(offer("after", time.Hour))
	require.NoError(t, err)

	for _, n := range []*Node{b, c} {
		n := n
		eventually(t, func() bool { _, ok := n.Get(after); return ok }, "new entry should be gossiped")
	}

	require.NoError(t, a.RemoveData(before))
	for _, n := range []*Node{b, c} {
		n := n
		eventually(t, func() bool { _, ok := n.Get(before); return !ok }, "removal should be gossiped")
	}

	assert.Len(t, a.Snapshot(), 1)
}

func TestNode_RemoveAndRefreshErrors(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t), nil)

	assert.Equal(t, ErrNotFound, a.RemoveData(make([]byte, 32)))
	assert.Equal(t, ErrNotFound, a.RefreshData(make([]byte, 32)))

	_, err := a.AddData(offer("bad ttl", 0))
	assert.True(t, errors.Is(err, ErrRejected), "expected ErrRejected, got %v", err)
}

func TestNode_Refresh(t *testing.T) {
	network := net.NewInmemNetwork()

	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)
	b := newTestNode(t, network, testConfig(t, a.Self()), nil)
	waitRunning(t, b)

	hash, err := a.AddData(offer("refresh me", time.Hour))
	require.NoError(t, err)
	eventually(t, func() bool { _, ok := b.Get(hash); return ok }, "b should receive the entry")

	require.NoError(t, a.RefreshData(hash))

	eventually(t, func() bool {
		e, ok := b.Get(hash)
		return ok && e.SequenceNumber == 2
	}, "refresh should reach b")
}

func TestNode_Expiry(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t), nil)

	var l sync.Mutex
	removed := 0
	a.AddStorageListener(&broadcast.ListenerFuncs{
		Removed: func(*storage.ProtectedStorageEntry) {
			l.Lock()
			removed++
			l.Unlock()
		},
	})

	_, err := a.AddData(offer("short lived", 200*time.Millisecond))
	require.NoError(t, err)

	eventually(t, func() bool {
		l.Lock()
		defer l.Unlock()
		return removed == 1
	}, "expired entry should be swept")
	assert.Len(t, a.Snapshot(), 0)
}

func TestNode_Mailbox(t *testing.T) {
	network := net.NewInmemNetwork()

	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)
	b := newTestNode(t, network, testConfig(t, a.Self()), nil)
	waitRunning(t, b)

	received := make(chan mailbox.DecryptedMessage, 1)
	b.AddMailboxListener(mailbox.ListenerFunc(func(m mailbox.DecryptedMessage) {
		received <- m
	}))

	hash, err := a.SendMailbox(b.PubKey(), []byte("trade started"))
	require.NoError(t, err)

	select {
	case m := <-received:
		assert.Equal(t, "trade started", string(m.Message))
		assert.Equal(t, a.PubKey(), m.SenderPubKey)
	case <-time.After(testTimeout):
		t.Fatalf("b should receive the mailbox message")
	}

	// the recipient's removal reaches the sender
	eventually(t, func() bool { _, ok := a.Get(hash); return !ok }, "delivered message should be removed everywhere")
}

func TestNode_DeadOwnerSweep(t *testing.T) {
	network := net.NewInmemNetwork()

	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)
	b := newTestNode(t, network, testConfig(t, a.Self()), nil)
	waitRunning(t, b)

	self := b.Self()
	p := offer("online only", time.Hour)
	p.OwnerAddress = &self

	hash, err := b.AddData(p)
	require.NoError(t, err)
	eventually(t, func() bool { _, ok := a.Get(hash); return ok }, "a should receive the entry")

	b.Shutdown()

	eventually(t, func() bool { _, ok := a.Get(hash); return !ok }, "entry should be dropped when its owner leaves")
}

func TestNode_InvalidDataViolation(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t), nil)

	conf := testConfig(t)
	m, err := net.NewManager(network.NewStreamLayer(net.NewInmemAddr()), peers.LocalCapabilities(), conf, nil,
		common.NewTestEntry(t, common.TestLogLevel))
	require.NoError(t, err)
	m.Start()
	defer m.Shutdown()

	c, err := m.OpenConnection(context.Background(), a.Self())
	require.NoError(t, err)

	key, _ := keys.GenerateECDSAKey()
	entry, err := storage.NewProtectedStorageEntry(
		storage.NewPayload(storage.PlainPayload, keys.FromPublicKey(&key.PublicKey), time.Hour, []byte("x")),
		1, key, time.Now(),
	)
	require.NoError(t, err)
	entry.Signature = []byte{1, 2, 3}

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Send(&wire.AddData{Entry: entry}))
	}

	select {
	case <-c.Done():
		assert.Equal(t, net.PeerClosed, c.CloseReason())
	case <-time.After(testTimeout):
		t.Fatalf("node should close the connection after repeated invalid data")
	}
	assert.Len(t, a.Snapshot(), 0)
}

func TestNode_BootstrapListener(t *testing.T) {
	network := net.NewInmemNetwork()

	dead, err := peers.ParseNodeAddress(net.NewInmemAddr())
	require.NoError(t, err)

	key, _ := keys.GenerateECDSAKey()
	n, err := NewNode(testConfig(t, dead), key, network.NewStreamLayer(net.NewInmemAddr()), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Init())

	failed := make(chan struct{}, 8)
	n.AddBootstrapListener(peerexchange.BootstrapListenerFunc(func() {
		failed <- struct{}{}
	}))

	n.RunAsync()
	defer n.Shutdown()

	select {
	case <-failed:
	case <-time.After(testTimeout):
		t.Fatalf("listener should hear that no seed is available")
	}
	assert.Equal(t, state.Bootstrapping, n.GetState())
}

func TestNode_PeersPersisted(t *testing.T) {
	dir, err := ioutil.TempDir("", "overlay-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)

	path := filepath.Join(dir, config.DefaultPeersFile)
	store := peers.NewJSONPeerStore(path, 10)
	b := newTestNode(t, network, testConfig(t, a.Self()), store)
	waitRunning(t, b)

	b.Shutdown()

	saved, err := store.Peers()
	require.NoError(t, err)
	require.NotEmpty(t, saved)
	assert.Equal(t, a.Self(), saved[0].Address)

	// a restarted node knows its peers before bootstrapping
	key, _ := keys.GenerateECDSAKey()
	c, err := NewNode(testConfig(t), key, network.NewStreamLayer(net.NewInmemAddr()), nil, store, nil)
	require.NoError(t, err)
	require.NoError(t, c.Init())
	defer c.Shutdown()

	assert.Equal(t, a.Self(), c.KnownPeers()[0].Address)
}

func TestNode_Stats(t *testing.T) {
	network := net.NewInmemNetwork()
	a := newTestNode(t, network, testConfig(t), nil)
	waitRunning(t, a)

	_, err := a.AddData(offer("one", time.Hour))
	require.NoError(t, err)

	stats := a.GetStats()
	assert.Equal(t, "Running", stats["state"])
	assert.Equal(t, "1", stats["entries"])
	assert.Equal(t, a.Self().String(), stats["self"])
}
