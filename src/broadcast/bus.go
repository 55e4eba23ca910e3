// Package broadcast fans accepted store mutations out to local listeners and
// re-gossips them to connected peers.
package broadcast

import (
	"sync"

	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/sirupsen/logrus"
)

// Listener observes the store. Callbacks run synchronously while the store
// holds its write lock: they must return quickly and must not call back into
// the store's mutators.
type Listener interface {
	OnAdded(entry *storage.ProtectedStorageEntry)
	OnRemoved(entry *storage.ProtectedStorageEntry)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Added   func(*storage.ProtectedStorageEntry)
	Removed func(*storage.ProtectedStorageEntry)
}

// OnAdded implements Listener.
func (f *ListenerFuncs) OnAdded(e *storage.ProtectedStorageEntry) {
	if f.Added != nil {
		f.Added(e)
	}
}

// OnRemoved implements Listener.
func (f *ListenerFuncs) OnRemoved(e *storage.ProtectedStorageEntry) {
	if f.Removed != nil {
		f.Removed(e)
	}
}

// Gossiper sends a message to every connected peer except exclude whose
// capabilities cover required.
type Gossiper interface {
	Broadcast(msg wire.Message, exclude peers.NodeAddress, required peers.Capabilities) int
}

// Bus implements storage.Publisher.
type Bus struct {
	l         sync.RWMutex
	listeners []Listener

	gossiper Gossiper
	logger   *logrus.Entry
}

// NewBus creates a bus. gossiper may be nil, in which case nothing leaves the
// node.
func NewBus(gossiper Gossiper, logger *logrus.Entry) *Bus {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Bus{
		gossiper: gossiper,
		logger:   logger,
	}
}

// AddListener ...
func (b *Bus) AddListener(l Listener) {
	b.l.Lock()
	defer b.l.Unlock()
	b.listeners = append(b.listeners, l)
}

// RemoveListener ...
func (b *Bus) RemoveListener(l Listener) {
	b.l.Lock()
	defer b.l.Unlock()

	for i, x := range b.listeners {
		if x == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish implements storage.Publisher. Local listeners are notified first,
// then the mutation is forwarded to every peer except the one it came from.
// Refreshes are not reported locally: the entry did not change for readers.
func (b *Bus) Publish(m storage.Mutation) {
	if m.Existed {
		b.l.RLock()
		listeners := b.listeners
		b.l.RUnlock()

		for _, l := range listeners {
			switch m.Kind {
			case storage.Added:
				l.OnAdded(m.Entry)
			case storage.Removed:
				l.OnRemoved(m.Entry)
			}
		}
	}

	if !m.Gossip || b.gossiper == nil {
		return
	}

	msg := gossipMessage(m)
	if msg == nil {
		return
	}

	var required peers.Capabilities
	if m.Entry != nil {
		required = m.Entry.Payload.RequiredCapabilities
	}

	n := b.gossiper.Broadcast(msg, m.Source, required)

	b.logger.WithFields(logrus.Fields{
		"tag":   msg.Tag(),
		"peers": n,
	}).Debug("Gossiped mutation")
}

func gossipMessage(m storage.Mutation) wire.Message {
	switch m.Kind {
	case storage.Added:
		return &wire.AddData{Entry: m.Entry}
	case storage.Removed:
		if m.Removal == nil {
			return nil
		}
		if m.Removal.Payload.IsMailbox() {
			return &wire.RemoveMailboxData{Entry: m.Removal}
		}
		return &wire.RemoveData{Entry: m.Removal}
	case storage.Refreshed:
		if m.Refresh == nil {
			return nil
		}
		return &wire.RefreshTTL{Offer: m.Refresh}
	default:
		return nil
	}
}
