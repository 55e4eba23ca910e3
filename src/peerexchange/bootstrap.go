package peerexchange

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSeedNodeAvailable is returned when every seed node failed.
	ErrNoSeedNodeAvailable = errors.New("no seed node available")

	// ErrNoSeedNodes is returned when no seed node is configured.
	ErrNoSeedNodes = errors.New("no seed nodes configured")
)

// BootstrapListener is notified every time a round of dials fails on all
// seeds.
type BootstrapListener interface {
	OnNoSeedNodeAvailable()
}

// BootstrapListenerFunc adapts a function to BootstrapListener.
type BootstrapListenerFunc func()

// OnNoSeedNodeAvailable implements BootstrapListener.
func (f BootstrapListenerFunc) OnNoSeedNodeAvailable() {
	f()
}

// Bootstrap connects the node to one of its seed nodes.
type Bootstrap struct {
	manager *net.Manager
	seeds   []peers.NodeAddress
	timeout time.Duration
	backoff *Backoff
	rnd     *rand.Rand
	clock   clock.Clock
	logger  *logrus.Entry

	listenerLock sync.RWMutex
	listeners    []BootstrapListener

	doneCh       chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewBootstrap creates a Bootstrap dialing seeds through manager.
func NewBootstrap(
	manager *net.Manager,
	seeds []peers.NodeAddress,
	conf *config.Config,
	clk clock.Clock,
	rnd *rand.Rand,
	logger *logrus.Entry,
) *Bootstrap {
	if clk == nil {
		clk = clock.New()
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Bootstrap{
		manager:    manager,
		seeds:      seeds,
		timeout:    conf.HandshakeTimeout + conf.TCPTimeout,
		backoff:    NewBackoff(conf.BootstrapBackoffMin, conf.BootstrapBackoffMax, rnd),
		rnd:        rnd,
		clock:      clk,
		logger:     logger,
		doneCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// AddListener ...
func (b *Bootstrap) AddListener(l BootstrapListener) {
	b.listenerLock.Lock()
	defer b.listenerLock.Unlock()
	b.listeners = append(b.listeners, l)
}

// Connect makes one pass over the seeds, in random order, and returns the
// first connection established.
func (b *Bootstrap) Connect(ctx context.Context) (*net.Connection, error) {
	if len(b.seeds) == 0 {
		return nil, ErrNoSeedNodes
	}

	order := make([]peers.NodeAddress, len(b.seeds))
	copy(order, b.seeds)
	b.rnd.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	for _, addr := range order {
		if c, ok := b.manager.Connection(addr); ok {
			return c, nil
		}

		dctx, cancel := context.WithTimeout(ctx, b.timeout)
		c, err := b.manager.OpenConnection(dctx, addr)
		cancel()

		if err == nil {
			return c, nil
		}
		if errors.Is(err, net.ErrAlreadyConnected) {
			if c, ok := b.manager.Connection(addr); ok {
				return c, nil
			}
		}
		if errors.Is(err, net.ErrTransportShutdown) || ctx.Err() != nil {
			return nil, err
		}

		b.logger.WithFields(logrus.Fields{
			"seed":  addr,
			"error": err,
		}).Debug("Seed node unreachable")
	}

	return nil, ErrNoSeedNodeAvailable
}

// Start runs Connect in the background until it succeeds, waiting a backoff
// delay between rounds. Done is closed once a seed is connected, or when no
// seed is configured.
func (b *Bootstrap) Start() {
	b.wg.Add(1)
	go b.run()
}

// Done ...
func (b *Bootstrap) Done() <-chan struct{} {
	return b.doneCh
}

// Shutdown stops the retry loop.
func (b *Bootstrap) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdownCh)
	})
	b.wg.Wait()
}

func (b *Bootstrap) run() {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		c, err := b.Connect(ctx)
		switch {
		case err == nil:
			b.logger.WithField("seed", c.Remote()).Info("Connected to seed node")
			b.backoff.Reset()
			close(b.doneCh)
			return
		case errors.Is(err, ErrNoSeedNodes):
			b.logger.Info("No seed nodes configured")
			close(b.doneCh)
			return
		case errors.Is(err, ErrNoSeedNodeAvailable):
			b.notifyNoSeed()
		default:
			b.logger.WithError(err).Debug("Bootstrap stopped")
			return
		}

		delay := b.backoff.Next()
		b.logger.WithFields(logrus.Fields{
			"attempt": b.backoff.Attempts(),
			"retry":   delay,
		}).Warn("No seed node available")

		timer := b.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-b.shutdownCh:
			timer.Stop()
			return
		}
	}
}

func (b *Bootstrap) notifyNoSeed() {
	b.listenerLock.RLock()
	listeners := b.listeners
	b.listenerLock.RUnlock()

	for _, l := range listeners {
		l.OnNoSeedNodeAvailable()
	}
}
