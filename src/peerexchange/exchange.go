package peerexchange

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/config"
	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// requestTTL is how long an unanswered GetPeersRequest is remembered.
const requestTTL = 5 * time.Minute

// Exchange trades known peers with connected peers and keeps the node's
// outbound connections at their target. It implements net.ConnectionListener
// and net.MessageListener.
type Exchange struct {
	manager *net.Manager
	known   *peers.KnownPeers
	conf    *config.Config
	clock   clock.Clock
	logger  *logrus.Entry

	// requests maps outstanding request nonces to the peer they were sent to.
	requests *cache.Cache

	rndLock sync.Mutex
	rnd     *rand.Rand

	maintainLock sync.Mutex

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// NewExchange creates an Exchange merging into known. It does not register
// itself with manager.
func NewExchange(
	manager *net.Manager,
	known *peers.KnownPeers,
	conf *config.Config,
	clk clock.Clock,
	logger *logrus.Entry,
) *Exchange {
	if clk == nil {
		clk = clock.New()
	}
	return &Exchange{
		manager:    manager,
		known:      known,
		conf:       conf,
		clock:      clk,
		logger:     logger,
		requests:   cache.New(requestTTL, requestTTL),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		shutdownCh: make(chan struct{}),
	}
}

// Known returns the known-peer set.
func (e *Exchange) Known() *peers.KnownPeers {
	return e.known
}

// Start launches the periodic exchange.
func (e *Exchange) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.loop()
	})
}

// Shutdown ...
func (e *Exchange) Shutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})
	e.wg.Wait()
}

func (e *Exchange) loop() {
	defer e.wg.Done()

	ticker := e.clock.Ticker(e.conf.PeerExchangeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Round()
		case <-e.shutdownCh:
			return
		}
	}
}

// Round forgets stale peers, asks every connected peer for its peers, and
// opens connections toward the outbound target.
func (e *Exchange) Round() {
	if pruned := e.known.Prune(e.nowMillis() - e.conf.MaxPeerAge.Milliseconds()); pruned > 0 {
		e.logger.WithField("pruned", pruned).Debug("Forgot stale peers")
	}

	for _, c := range e.manager.Connections() {
		e.RequestPeers(c)
	}

	e.Maintain()
}

//==============================================================================
// Listeners

// OnConnection implements net.ConnectionListener.
func (e *Exchange) OnConnection(c *net.Connection) {
	e.known.Add(peers.NewPeer(c.Remote(), c.Capabilities(), e.nowMillis()))
	e.RequestPeers(c)
}

// OnDisconnect implements net.ConnectionListener. The peer stays known with
// the time it was last connected.
func (e *Exchange) OnDisconnect(c *net.Connection, reason net.CloseReason) {
	if reason == net.ProtocolViolation {
		e.known.Remove(c.Remote())
		return
	}
	e.known.Add(peers.NewPeer(c.Remote(), c.Capabilities(), e.nowMillis()))
}

// OnMessage implements net.MessageListener.
func (e *Exchange) OnMessage(msg wire.Message, c *net.Connection) {
	switch m := msg.(type) {
	case *wire.GetPeersRequest:
		e.handleRequest(m, c)
	case *wire.GetPeersResponse:
		e.handleResponse(m, c)
	}
}

//==============================================================================
// Exchange

// RequestPeers sends our sample of peers to c and asks for its own.
func (e *Exchange) RequestPeers(c *net.Connection) {
	nonce := e.nonce()

	req := &wire.GetPeersRequest{
		Nonce:         nonce,
		Sender:        e.manager.Self(),
		ReportedPeers: e.reportable(c.Remote()),
	}

	e.requests.Set(strconv.FormatUint(nonce, 10), c.Remote(), cache.DefaultExpiration)

	if err := c.Send(req); err != nil {
		e.requests.Delete(strconv.FormatUint(nonce, 10))
		e.logger.WithFields(logrus.Fields{
			"peer":  c.Remote(),
			"error": err,
		}).Debug("Cannot send GetPeersRequest")
	}
}

func (e *Exchange) handleRequest(req *wire.GetPeersRequest, c *net.Connection) {
	e.merge(req.ReportedPeers, c)

	res := &wire.GetPeersResponse{
		RequestNonce:  req.Nonce,
		ReportedPeers: e.reportable(c.Remote()),
	}
	if err := c.Send(res); err != nil {
		e.logger.WithFields(logrus.Fields{
			"peer":  c.Remote(),
			"error": err,
		}).Debug("Cannot send GetPeersResponse")
	}
}

func (e *Exchange) handleResponse(res *wire.GetPeersResponse, c *net.Connection) {
	key := strconv.FormatUint(res.RequestNonce, 10)

	to, ok := e.requests.Get(key)
	if !ok || to.(peers.NodeAddress) != c.Remote() {
		e.logger.WithField("peer", c.Remote()).Debug("Unsolicited GetPeersResponse")
		return
	}
	e.requests.Delete(key)

	e.merge(res.ReportedPeers, c)
}

// merge adds reported peers to the known set. Oversized lists count as a
// violation and are truncated. LastSeen values from the future are clamped,
// and peers older than MaxPeerAge are ignored.
func (e *Exchange) merge(reported []peers.Peer, c *net.Connection) int {
	if max := e.conf.MaxReportedPeers; len(reported) > max {
		e.logger.WithFields(logrus.Fields{
			"peer":     c.Remote(),
			"reported": len(reported),
		}).Warn("Too many reported peers")
		c.ReportViolation(net.TooManyReportedPeers)
		reported = reported[:max]
	}

	now := e.nowMillis()
	cutoff := now - e.conf.MaxPeerAge.Milliseconds()

	accepted := make([]peers.Peer, 0, len(reported))
	for _, p := range reported {
		p.Address = p.Address.Normalized()
		if p.Address.IsZero() || p.Address == e.manager.Self() {
			continue
		}
		if p.LastSeen > now {
			p.LastSeen = now
		}
		if p.LastSeen < cutoff {
			continue
		}
		accepted = append(accepted, p)
	}

	n := e.known.AddAll(accepted)
	if n > 0 {
		e.logger.WithFields(logrus.Fields{
			"peer": c.Remote(),
			"new":  n,
		}).Debug("Learned peers")
	}
	return n
}

// reportable returns at most MaxReportedPeers peers: the connected ones
// first, stamped with the current time, then the known ones. to is left out,
// since a peer does not need to hear about itself.
func (e *Exchange) reportable(to peers.NodeAddress) []peers.Peer {
	max := e.conf.MaxReportedPeers
	now := e.nowMillis()

	seen := map[peers.NodeAddress]bool{
		to:               true,
		e.manager.Self(): true,
	}
	res := []peers.Peer{}

	for _, c := range e.manager.Connections() {
		if len(res) >= max {
			return res
		}
		if seen[c.Remote()] {
			continue
		}
		seen[c.Remote()] = true
		res = append(res, peers.NewPeer(c.Remote(), c.Capabilities(), now))
	}

	for _, p := range e.known.Sample(max, func(a peers.NodeAddress) bool { return seen[a] }) {
		if len(res) >= max {
			break
		}
		res = append(res, p)
	}

	return res
}

//==============================================================================
// Outbound connections

// Maintain dials known peers until the node holds OutboundTarget outbound
// connections or runs out of candidates. Peers that cannot be reached are
// forgotten; another peer may report them again.
func (e *Exchange) Maintain() int {
	e.maintainLock.Lock()
	defer e.maintainLock.Unlock()

	need := e.conf.OutboundTarget - e.manager.NumOutbound()
	if need <= 0 || e.manager.NumConnections() >= e.conf.MaxConnections {
		return 0
	}

	candidates := e.known.Sample(e.known.Len(), func(a peers.NodeAddress) bool {
		_, connected := e.manager.Connection(a)
		return connected
	})

	opened := 0
	for _, p := range candidates {
		if opened >= need {
			break
		}
		select {
		case <-e.shutdownCh:
			return opened
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.conf.HandshakeTimeout+e.conf.TCPTimeout)
		_, err := e.manager.OpenConnection(ctx, p.Address)
		cancel()

		switch {
		case err == nil:
			opened++
		case errors.Is(err, net.ErrTransportShutdown):
			return opened
		case errors.Is(err, net.ErrAlreadyConnected):
		default:
			e.logger.WithFields(logrus.Fields{
				"peer":  p.Address,
				"error": err,
			}).Debug("Cannot connect to known peer")
			if errors.Is(err, net.ErrUnreachable) {
				e.known.Remove(p.Address)
			}
		}
	}

	return opened
}

func (e *Exchange) nonce() uint64 {
	e.rndLock.Lock()
	defer e.rndLock.Unlock()
	return e.rnd.Uint64()
}

func (e *Exchange) nowMillis() int64 {
	return e.clock.Now().UnixMilli()
}
