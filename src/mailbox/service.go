package mailbox

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// ErrRejected is returned by Send when the local store refuses the entry.
var ErrRejected = errors.New("mailbox entry rejected")

// Listener receives the messages addressed to this node. Calls are made from
// the service's worker goroutine, one at a time.
type Listener interface {
	OnMailboxMessageAdded(msg DecryptedMessage)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(msg DecryptedMessage)

// OnMailboxMessageAdded implements Listener.
func (f ListenerFunc) OnMailboxMessageAdded(msg DecryptedMessage) {
	f(msg)
}

// Store is the part of the protected data store used by the service.
type Store interface {
	TryAdd(entry *storage.ProtectedStorageEntry, source peers.NodeAddress, gossip bool) (storage.Result, error)
	TryRemove(removal *storage.ProtectedStorageEntry, source peers.NodeAddress, gossip bool) (storage.Result, error)
	Filter(keep func(*storage.ProtectedStorageEntry) bool) []*storage.ProtectedStorageEntry
	NextSequenceNumber(hash []byte) uint32
	Now() time.Time
}

// Service sends mailbox messages and delivers the ones addressed to the local
// key. It implements broadcast.Listener; store callbacks only queue work, the
// decryption and the removal happen on the service's worker.
type Service struct {
	key   *ecdsa.PrivateKey
	pub   []byte
	store Store
	ttl   time.Duration

	// delivered holds the hashes of entries already handed to listeners.
	delivered *cache.Cache

	listenerLock sync.RWMutex
	listeners    []Listener

	pendingLock sync.Mutex
	pending     []*storage.ProtectedStorageEntry
	wakeCh      chan struct{}

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	logger *logrus.Entry
}

// NewService creates a mailbox service for key. ttl is the lifetime of
// outgoing messages, and also how long delivered hashes are remembered.
func NewService(key *ecdsa.PrivateKey, store Store, ttl time.Duration, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Service{
		key:        key,
		pub:        keys.FromPublicKey(&key.PublicKey),
		store:      store,
		ttl:        ttl,
		delivered:  cache.New(ttl, ttl/10+time.Minute),
		wakeCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// AddListener ...
func (s *Service) AddListener(l Listener) {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the worker and queues the messages already waiting in the
// store.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.worker()

		waiting := s.store.Filter(func(e *storage.ProtectedStorageEntry) bool {
			return e.Payload.IsAddressedTo(s.pub)
		})
		for _, e := range waiting {
			s.enqueue(e)
		}

		if len(waiting) > 0 {
			s.logger.WithField("messages", len(waiting)).Debug("Found pending mailbox messages")
		}
	})
}

// Shutdown stops the worker. Queued messages that were not processed are
// found again by the next Start.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.wg.Wait()
	})
}

// Send seals message to recipientPub and adds it to the store, which gossips
// it. It returns the hash identifying the entry.
func (s *Service) Send(recipientPub []byte, message []byte) ([]byte, error) {
	recipient, err := keys.ToPublicKey(recipientPub)
	if err != nil {
		return nil, err
	}

	sealed, err := Seal(recipient, s.key, message)
	if err != nil {
		return nil, err
	}

	payload := storage.NewMailboxPayload(s.pub, recipientPub, s.ttl, sealed)
	hash := payload.Hash()

	entry, err := storage.NewProtectedStorageEntry(payload, s.store.NextSequenceNumber(hash), s.key, s.store.Now())
	if err != nil {
		return nil, err
	}

	res, err := s.store.TryAdd(entry, peers.NodeAddress{}, true)
	if err != nil {
		return nil, err
	}
	if !res.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}

	s.logger.WithFields(logrus.Fields{
		"hash":      common.ShortHex(hash, 8),
		"recipient": common.ShortHex(recipientPub, 8),
	}).Debug("Sent mailbox message")

	return hash, nil
}

// OnAdded implements broadcast.Listener.
func (s *Service) OnAdded(entry *storage.ProtectedStorageEntry) {
	if entry.Payload.IsAddressedTo(s.pub) {
		s.enqueue(entry)
	}
}

// OnRemoved implements broadcast.Listener.
func (s *Service) OnRemoved(entry *storage.ProtectedStorageEntry) {}

func (s *Service) enqueue(entry *storage.ProtectedStorageEntry) {
	s.pendingLock.Lock()
	s.pending = append(s.pending, entry)
	s.pendingLock.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.wakeCh:
			s.pendingLock.Lock()
			batch := s.pending
			s.pending = nil
			s.pendingLock.Unlock()

			for _, e := range batch {
				s.deliver(e)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// deliver opens entry, notifies listeners once per entry, and removes it from
// the network.
func (s *Service) deliver(entry *storage.ProtectedStorageEntry) {
	hash := entry.Hash()
	key := storage.ToHashKey(hash).String()

	if err := s.delivered.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return
	}

	logger := s.logger.WithField("hash", common.ShortHex(hash, 8))

	msg, err := Open(s.key, entry.Payload.Data)
	if err != nil {
		logger.WithError(err).Warn("Cannot open mailbox message")
	} else {
		msg.Hash = hash

		s.listenerLock.RLock()
		listeners := s.listeners
		s.listenerLock.RUnlock()

		for _, l := range listeners {
			l.OnMailboxMessageAdded(*msg)
		}
	}

	s.remove(entry, logger)
}

func (s *Service) remove(entry *storage.ProtectedStorageEntry, logger *logrus.Entry) {
	removal, err := storage.NewRemovalEntry(
		entry.Payload,
		s.store.NextSequenceNumber(entry.Hash()),
		s.key,
		s.store.Now(),
	)
	if err != nil {
		logger.WithError(err).Error("Signing mailbox removal")
		return
	}

	res, err := s.store.TryRemove(removal, peers.NodeAddress{}, true)
	if err != nil {
		logger.WithError(err).Error("Removing mailbox message")
		return
	}
	if !res.Accepted {
		logger.WithField("result", res).Debug("Mailbox removal refused")
		return
	}

	logger.Debug("Removed delivered mailbox message")
}
