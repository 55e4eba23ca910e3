package broadcast

import (
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/bisq-network/bisq-sub073/src/wire"
)

type gossip struct {
	msg      wire.Message
	exclude  peers.NodeAddress
	required peers.Capabilities
}

type recordingGossiper struct {
	sync.Mutex
	sent []gossip
}

func (g *recordingGossiper) Broadcast(msg wire.Message, exclude peers.NodeAddress, required peers.Capabilities) int {
	g.Lock()
	defer g.Unlock()
	g.sent = append(g.sent, gossip{msg, exclude, required})
	return 1
}

type recordingListener struct {
	added   []*storage.ProtectedStorageEntry
	removed []*storage.ProtectedStorageEntry
}

func (l *recordingListener) OnAdded(e *storage.ProtectedStorageEntry) {
	l.added = append(l.added, e)
}

func (l *recordingListener) OnRemoved(e *storage.ProtectedStorageEntry) {
	l.removed = append(l.removed, e)
}

func initBus(t *testing.T) (*storage.Store, *Bus, *recordingGossiper, *recordingListener, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1600000000, 0))

	g := &recordingGossiper{}
	bus := NewBus(g, common.NewTestEntry(t, common.TestLogLevel))
	l := &recordingListener{}
	bus.AddListener(l)

	store := storage.NewStore(nil, bus, mock, common.NewTestEntry(t, common.TestLogLevel))
	return store, bus, g, l, mock
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return key, keys.FromPublicKey(&key.PublicKey)
}

var (
	peerA = peers.NewNodeAddress("a.onion", 9999)
	peerB = peers.NewNodeAddress("b.onion", 9999)
)

func TestBus_AddRemove(t *testing.T) {
	store, _, g, l, mock := initBus(t)
	key, pub := newKey(t)

	payload := storage.NewPayload(storage.PlainPayload, pub, time.Hour, []byte("offer"))
	payload.RequiredCapabilities = peers.NewCapabilities(int(peers.GetDataFilter))

	add, _ := storage.NewProtectedStorageEntry(payload, 1, key, mock.Now())
	if res, err := store.TryAdd(add, peerA, true); err != nil || !res.Accepted {
		t.Fatalf("add should be accepted: %s %v", res, err)
	}

	// replay from another peer: nothing published
	store.TryAdd(add, peerB, true)

	if len(l.added) != 1 || len(g.sent) != 1 {
		t.Fatalf("accepted add should be published exactly once, got %d/%d", len(l.added), len(g.sent))
	}
	sent := g.sent[0]
	if _, ok := sent.msg.(*wire.AddData); !ok {
		t.Fatalf("add should be gossiped as AddData, got %s", sent.msg.Tag())
	}
	if sent.exclude != peerA {
		t.Fatalf("gossip should exclude the peer the entry came from")
	}
	if !sent.required.Supports(peers.GetDataFilter) || len(sent.required) != 1 {
		t.Fatalf("gossip should carry the payload's capability requirements")
	}

	removal, _ := storage.NewRemovalEntry(payload, 2, key, mock.Now())
	if res, _ := store.TryRemove(removal, peers.NodeAddress{}, true); !res.Accepted {
		t.Fatalf("removal should be accepted: %s", res)
	}

	if len(l.removed) != 1 || l.removed[0].SequenceNumber != 1 {
		t.Fatalf("listeners should receive the removed entry")
	}
	rm, ok := g.sent[1].msg.(*wire.RemoveData)
	if !ok || rm.Entry.SequenceNumber != 2 {
		t.Fatalf("removal should be gossiped as RemoveData carrying the signed removal")
	}
}

func TestBus_MailboxRemoval(t *testing.T) {
	store, _, g, _, mock := initBus(t)
	sender, senderPub := newKey(t)
	recipient, recipientPub := newKey(t)

	payload := storage.NewMailboxPayload(senderPub, recipientPub, time.Hour, []byte("sealed"))
	add, _ := storage.NewProtectedStorageEntry(payload, 1, sender, mock.Now())
	store.TryAdd(add, peerA, true)

	removal, _ := storage.NewRemovalEntry(payload, 2, recipient, mock.Now())
	store.TryRemove(removal, peerB, true)

	if len(g.sent) != 2 {
		t.Fatalf("expected 2 gossip messages, got %d", len(g.sent))
	}
	if _, ok := g.sent[1].msg.(*wire.RemoveMailboxData); !ok {
		t.Fatalf("mailbox removal should be gossiped as RemoveMailboxData, got %s", g.sent[1].msg.Tag())
	}
	if g.sent[1].exclude != peerB {
		t.Fatalf("gossip should exclude the peer the removal came from")
	}
}

func TestBus_LocalOnlyMutations(t *testing.T) {
	store, _, g, l, mock := initBus(t)
	key, pub := newKey(t)

	payload := storage.NewPayload(storage.PlainPayload, pub, time.Minute, []byte("offer"))
	add, _ := storage.NewProtectedStorageEntry(payload, 1, key, mock.Now())

	// entries from the initial sync are not gossiped
	store.TryAdd(add, peerA, false)
	if len(l.added) != 1 || len(g.sent) != 0 {
		t.Fatalf("non gossiped add should only reach local listeners")
	}

	mock.Add(2 * time.Minute)
	store.ExpireSweep()

	if len(l.removed) != 1 || len(g.sent) != 0 {
		t.Fatalf("expiry should reach local listeners only")
	}
}

func TestBus_Refresh(t *testing.T) {
	store, _, g, l, mock := initBus(t)
	key, pub := newKey(t)

	payload := storage.NewPayload(storage.PlainPayload, pub, time.Hour, []byte("offer"))
	add, _ := storage.NewProtectedStorageEntry(payload, 1, key, mock.Now())
	store.TryAdd(add, peers.NodeAddress{}, true)

	offer, _ := storage.NewRefreshOffer(payload.Hash(), 2, key)
	if res, _ := store.Refresh(offer, peerA, true); !res.Accepted {
		t.Fatalf("refresh should be accepted: %s", res)
	}

	if len(l.added) != 1 || len(l.removed) != 0 {
		t.Fatalf("refresh should not be reported to local listeners")
	}
	if _, ok := g.sent[1].msg.(*wire.RefreshTTL); !ok {
		t.Fatalf("refresh should be gossiped as RefreshTTL")
	}
}

func TestBus_RemoveListener(t *testing.T) {
	store, bus, _, l, mock := initBus(t)
	key, pub := newKey(t)

	calls := 0
	other := &ListenerFuncs{Added: func(*storage.ProtectedStorageEntry) { calls++ }}
	bus.AddListener(other)
	bus.RemoveListener(l)

	payload := storage.NewPayload(storage.PlainPayload, pub, time.Hour, []byte("offer"))
	add, _ := storage.NewProtectedStorageEntry(payload, 1, key, mock.Now())
	store.TryAdd(add, peers.NodeAddress{}, true)

	if len(l.added) != 0 || calls != 1 {
		t.Fatalf("only registered listeners should be notified")
	}
}
