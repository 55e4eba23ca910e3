// Package overlay assembles a complete node from a Config: key, stream layer,
// persistence and peer store.
package overlay

import (
	"fmt"

	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/node"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/sirupsen/logrus"
)

// Overlay is the top-level object holding the node and the resources it runs
// on.
type Overlay struct {
	Config      *config.Config
	Node        *node.Node
	Stream      net.StreamLayer
	Persistence storage.Persistence
	PeerStore   *peers.JSONPeerStore
	logger      *logrus.Entry
}

// NewOverlay creates an Overlay. Init must be called before Run.
func NewOverlay(c *config.Config) *Overlay {
	return &Overlay{
		Config: c,
		logger: c.Logger(),
	}
}

// Init sets up every component in order. If it fails, nothing is left open.
func (o *Overlay) Init() error {
	if err := o.initKey(); err != nil {
		o.logger.WithError(err).Error("initKey")
		return err
	}

	if err := o.initStore(); err != nil {
		o.logger.WithError(err).Error("initStore")
		return err
	}

	if err := o.initStream(); err != nil {
		o.logger.WithError(err).Error("initStream")
		o.closePersistence()
		return err
	}

	if err := o.initNode(); err != nil {
		o.logger.WithError(err).Error("initNode")
		o.Stream.Close()
		o.closePersistence()
		return err
	}

	return nil
}

// Run starts the node and blocks until it is shut down.
func (o *Overlay) Run() {
	o.Node.Run()
}

// Shutdown stops the node. Persistence is closed by the node itself.
func (o *Overlay) Shutdown() {
	if o.Node != nil {
		o.Node.Shutdown()
	}
}

func (o *Overlay) initKey() error {
	if o.Config.Key != nil {
		return nil
	}

	keyfile := keys.NewSimpleKeyfile(o.Config.Keyfile())

	key, created, err := keyfile.ReadOrGenerateKey()
	if err != nil {
		return fmt.Errorf("reading key from %s: %v", o.Config.Keyfile(), err)
	}

	if created {
		o.logger.WithField("pub_key", keys.PublicKeyHex(&key.PublicKey)).Info("Created a new key")
	}

	o.Config.Key = key

	return nil
}

func (o *Overlay) initStore() error {
	if !o.Config.Store {
		o.logger.Debug("Using in-memory store")
		return nil
	}

	o.logger.WithField("path", o.Config.DatabaseDir).Debug("Attempting to load or create database")

	p, err := storage.NewBadgerPersistence(o.Config.DatabaseDir, o.Config.Logger().WithField("prefix", "badger"))
	if err != nil {
		return err
	}

	o.Persistence = p

	return nil
}

func (o *Overlay) initStream() error {
	var (
		stream net.StreamLayer
		err    error
	)

	if o.Config.SocksProxy != "" {
		stream, err = net.NewSocksStreamLayer(o.Config.BindAddr, o.Config.AdvertiseAddr, o.Config.SocksProxy)
	} else {
		stream, err = net.NewTCPStreamLayer(o.Config.BindAddr, o.Config.AdvertiseAddr)
	}
	if err != nil {
		return err
	}

	o.Stream = stream

	return nil
}

func (o *Overlay) initNode() error {
	o.PeerStore = peers.NewJSONPeerStore(o.Config.PeersFile(), o.Config.MaxPersistedPeers)

	n, err := node.NewNode(o.Config, o.Config.Key, o.Stream, o.Persistence, o.PeerStore, nil)
	if err != nil {
		return err
	}

	if err := n.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %v", err)
	}

	o.Node = n

	return nil
}

func (o *Overlay) closePersistence() {
	if o.Persistence != nil {
		o.Persistence.Close()
	}
}
