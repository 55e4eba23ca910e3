package node

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/broadcast"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/mailbox"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/node/state"
	"github.com/bisq-network/bisq-sub073/src/peerexchange"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRejected is returned when the local store refuses an operation.
	ErrRejected = errors.New("rejected")

	// ErrNotFound is returned when no live entry has the given hash.
	ErrNotFound = errors.New("entry not found")
)

// inbound is a peer message waiting for the store.
type inbound struct {
	msg  wire.Message
	conn *net.Connection
}

// Node is an overlay node.
type Node struct {
	state.Manager

	conf   *config.Config
	logger *logrus.Entry
	clock  clock.Clock

	key *ecdsa.PrivateKey
	pub []byte

	manager   *net.Manager
	store     *storage.Store
	bus       *broadcast.Bus
	mailbox   *mailbox.Service
	exchange  *peerexchange.Exchange
	bootstrap *peerexchange.Bootstrap
	peerStore *peers.JSONPeerStore

	inboundCh chan inbound

	// dataRequests maps the nonces of outstanding GetDataRequests to the
	// peer they were sent to.
	dataRequests *cache.Cache

	rndLock sync.Mutex
	rnd     *rand.Rand

	sweepTimer   *ControlTimer
	persistTimer *ControlTimer

	runLock    sync.Mutex
	runStarted bool
	runDoneCh  chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	start time.Time
}

// NewNode assembles a node on top of stream. persistence and peerStore may be
// nil, in which case the store lives in memory and known peers are not
// saved.
func NewNode(
	conf *config.Config,
	key *ecdsa.PrivateKey,
	stream net.StreamLayer,
	persistence storage.Persistence,
	peerStore *peers.JSONPeerStore,
	clk clock.Clock,
) (*Node, error) {
	if clk == nil {
		clk = clock.New()
	}

	logger := conf.Logger()

	manager, err := net.NewManager(stream, peers.LocalCapabilities(), conf, clk, logger.WithField("prefix", "net"))
	if err != nil {
		return nil, err
	}
	self := manager.Self()

	bus := broadcast.NewBus(manager, logger.WithField("prefix", "bus"))

	store := storage.NewStore(persistence, bus, clk, logger.WithField("prefix", "store"))
	store.SetSequencePurge(conf.SequencePurgeAge, conf.MaxSequenceRecords)

	mbox := mailbox.NewService(key, store, conf.MailboxTTL, logger.WithField("prefix", "mailbox"))
	bus.AddListener(mbox)

	known, err := peers.NewKnownPeers(conf.MaxKnownPeers, self)
	if err != nil {
		return nil, err
	}

	seeds, errs := peers.SeedNodes(conf.SeedNodes, self)
	for _, err := range errs {
		logger.WithError(err).Warn("Ignoring seed node")
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	pexLogger := logger.WithField("prefix", "pex")

	n := &Node{
		conf:         conf,
		logger:       logger.WithFields(logrus.Fields{"prefix": "node", "self": self.String()}),
		clock:        clk,
		key:          key,
		pub:          keys.FromPublicKey(&key.PublicKey),
		manager:      manager,
		store:        store,
		bus:          bus,
		mailbox:      mbox,
		exchange:     peerexchange.NewExchange(manager, known, conf, clk, pexLogger),
		bootstrap:    peerexchange.NewBootstrap(manager, seeds, conf, clk, rand.New(rand.NewSource(rnd.Int63())), pexLogger),
		peerStore:    peerStore,
		inboundCh:    make(chan inbound, conf.InboundQueueSize),
		dataRequests: cache.New(conf.HandshakeTimeout+conf.TCPTimeout, time.Minute),
		rnd:          rnd,
		sweepTimer:   NewClockControlTimer(clk),
		persistTimer: NewRandomControlTimer(clk, rand.New(rand.NewSource(rnd.Int63()))),
		runDoneCh:    make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}

	manager.AddConnectionListener(n.exchange)
	manager.AddMessageListener(n.exchange)
	manager.AddConnectionListener(n)
	manager.AddMessageListener(n)

	return n, nil
}

// Init loads persisted entries and known peers.
func (n *Node) Init() error {
	loaded, err := n.store.Load()
	if err != nil {
		return err
	}
	n.logger.WithField("entries", loaded).Debug("Loaded store")

	if n.peerStore != nil {
		saved, err := n.peerStore.Peers()
		if err != nil {
			n.logger.WithError(err).Warn("Cannot read saved peers")
		} else {
			n.exchange.Known().AddAll(saved)
			n.logger.WithField("peers", len(saved)).Debug("Loaded known peers")
		}
	}

	n.SetState(state.Bootstrapping)

	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	n.logger.Debug("RunAsync")
	go n.Run()
}

// Run starts the node's services and processes peer messages until Shutdown
// is called.
func (n *Node) Run() {
	n.runLock.Lock()
	if n.runStarted {
		n.runLock.Unlock()
		return
	}
	n.runStarted = true
	n.start = n.clock.Now()
	n.runLock.Unlock()

	defer close(n.runDoneCh)

	n.manager.Start()
	n.mailbox.Start()
	n.exchange.Start()
	n.bootstrap.Start()

	n.GoFunc(func() { n.sweepTimer.Run(n.conf.ExpirySweepInterval) })
	n.GoFunc(func() { n.persistTimer.Run(n.conf.PeerExchangeInterval) })

	n.logger.WithField("listen", n.manager.LocalAddr()).Info("Running")

	bootstrapped := n.bootstrap.Done()

	for {
		select {
		case in := <-n.inboundCh:
			n.process(in)
		case <-bootstrapped:
			bootstrapped = nil
			n.CompareAndSetState(state.Bootstrapping, state.Running)
			n.GoFunc(n.exchange.Round)
		case <-n.sweepTimer.tickCh:
			n.expire()
			n.sweepTimer.Reset(n.conf.ExpirySweepInterval)
		case <-n.persistTimer.tickCh:
			n.persistPeers()
			n.persistTimer.Reset(n.conf.PeerExchangeInterval)
		case <-n.shutdownCh:
			return
		}
	}
}

// Shutdown stops every service, closes the connections, saves known peers and
// closes the store.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")

		n.SetState(state.Shutdown)
		close(n.shutdownCh)

		n.runLock.Lock()
		running := n.runStarted
		n.runStarted = true
		n.runLock.Unlock()
		if running {
			<-n.runDoneCh
		}

		n.bootstrap.Shutdown()
		n.exchange.Shutdown()
		n.manager.Shutdown()
		n.mailbox.Shutdown()

		n.sweepTimer.Shutdown()
		n.persistTimer.Shutdown()
		n.WaitRoutines()

		n.persistPeers()

		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Closing store")
		}
	})
}

//==============================================================================
// Public API

// AddData signs payload with the node's key and adds it to the store, which
// gossips it. The payload's owner is set to the node's key. It returns the
// payload hash.
func (n *Node) AddData(payload storage.StoragePayload) ([]byte, error) {
	payload.OwnerPubKey = n.pub
	hash := payload.Hash()

	entry, err := storage.NewProtectedStorageEntry(payload, n.store.NextSequenceNumber(hash), n.key, n.store.Now())
	if err != nil {
		return nil, err
	}

	res, err := n.store.TryAdd(entry, peers.NodeAddress{}, true)
	if err != nil {
		return nil, err
	}
	if !res.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}

	return hash, nil
}

// RemoveData removes the entry stored under hash with a removal signed by the
// node's key.
func (n *Node) RemoveData(hash []byte) error {
	e, ok := n.store.Get(hash)
	if !ok {
		return ErrNotFound
	}

	removal, err := storage.NewRemovalEntry(e.Payload, n.store.NextSequenceNumber(hash), n.key, n.store.Now())
	if err != nil {
		return err
	}

	res, err := n.store.TryRemove(removal, peers.NodeAddress{}, true)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}
	return nil
}

// RefreshData restarts the TTL of an entry owned by the node.
func (n *Node) RefreshData(hash []byte) error {
	if _, ok := n.store.Get(hash); !ok {
		return ErrNotFound
	}

	offer, err := storage.NewRefreshOffer(hash, n.store.NextSequenceNumber(hash), n.key)
	if err != nil {
		return err
	}

	res, err := n.store.Refresh(offer, peers.NodeAddress{}, true)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, res.Reason)
	}
	return nil
}

// SendMailbox sends message to the holder of recipientPub.
func (n *Node) SendMailbox(recipientPub []byte, message []byte) ([]byte, error) {
	return n.mailbox.Send(recipientPub, message)
}

// Get returns the live entry stored under hash.
func (n *Node) Get(hash []byte) (*storage.ProtectedStorageEntry, bool) {
	return n.store.Get(hash)
}

// Snapshot returns every live entry.
func (n *Node) Snapshot() []*storage.ProtectedStorageEntry {
	return n.store.Snapshot()
}

// AddStorageListener registers l for store additions and removals.
func (n *Node) AddStorageListener(l broadcast.Listener) {
	n.bus.AddListener(l)
}

// RemoveStorageListener ...
func (n *Node) RemoveStorageListener(l broadcast.Listener) {
	n.bus.RemoveListener(l)
}

// AddMailboxListener registers l for messages addressed to the node.
func (n *Node) AddMailboxListener(l mailbox.Listener) {
	n.mailbox.AddListener(l)
}

// AddBootstrapListener registers l for failed bootstrap rounds.
func (n *Node) AddBootstrapListener(l peerexchange.BootstrapListener) {
	n.bootstrap.AddListener(l)
}

// AddConnectionListener registers l with the connection manager.
func (n *Node) AddConnectionListener(l net.ConnectionListener) {
	n.manager.AddConnectionListener(l)
}

// Self returns the address the node advertises.
func (n *Node) Self() peers.NodeAddress {
	return n.manager.Self()
}

// PubKey returns the compressed public key of the node.
func (n *Node) PubKey() []byte {
	return n.pub
}

// ConnectionManager returns the connection manager.
func (n *Node) ConnectionManager() *net.Manager {
	return n.manager
}

// KnownPeers returns the peers the node knows about, most recently seen
// first.
func (n *Node) KnownPeers() []peers.Peer {
	return n.exchange.Known().List()
}

// GetStats returns information about the node.
func (n *Node) GetStats() map[string]string {
	uptime := time.Duration(0)
	n.runLock.Lock()
	if !n.start.IsZero() {
		uptime = n.clock.Since(n.start)
	}
	n.runLock.Unlock()

	return map[string]string{
		"self":        n.Self().String(),
		"pub_key":     keys.PublicKeyHex(&n.key.PublicKey),
		"state":       n.GetState().String(),
		"connections": strconv.Itoa(n.manager.NumConnections()),
		"outbound":    strconv.Itoa(n.manager.NumOutbound()),
		"known_peers": strconv.Itoa(n.exchange.Known().Len()),
		"entries":     strconv.Itoa(n.store.Len()),
		"inbound":     strconv.Itoa(len(n.inboundCh)),
		"uptime":      uptime.Truncate(time.Second).String(),
	}
}

//==============================================================================
// Housekeeping

func (n *Node) expire() {
	if removed := n.store.ExpireSweep(); removed > 0 {
		n.logger.WithField("removed", removed).Debug("Expired entries")
	}
}

func (n *Node) persistPeers() {
	if n.peerStore == nil {
		return
	}
	if err := n.peerStore.Write(n.exchange.Known().List()); err != nil {
		n.logger.WithError(err).Error("Saving known peers")
	}
}

func (n *Node) nonce() uint64 {
	n.rndLock.Lock()
	defer n.rndLock.Unlock()
	return n.rnd.Uint64()
}
