package node

import (
	"strconv"

	"github.com/bisq-network/bisq-sub073/src/net"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
	"github.com/bisq-network/bisq-sub073/src/wire"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// responseSlack is the room kept in a GetDataResponse for everything but the
// entries.
const responseSlack = 1024

//==============================================================================
// Listeners

// OnConnection implements net.ConnectionListener. Every dialed peer is asked
// for the entries we are missing.
func (n *Node) OnConnection(c *net.Connection) {
	if c.Direction() == net.Outbound {
		n.requestData(c)
	}
}

// OnDisconnect implements net.ConnectionListener. Unless we closed the
// connection ourselves, the peer is considered offline and the entries that
// require it to be online are dropped.
func (n *Node) OnDisconnect(c *net.Connection, reason net.CloseReason) {
	if reason.Intended() {
		return
	}
	if removed := n.store.RemoveOwnerEntries(c.Remote()); removed > 0 {
		n.logger.WithFields(logrus.Fields{
			"peer":    c.Remote(),
			"reason":  reason,
			"removed": removed,
		}).Debug("Removed entries of offline owner")
	}
}

// OnMessage implements net.MessageListener. Store messages are queued for the
// node's loop; a full queue drops them, as gossip reaches us through other
// peers too.
func (n *Node) OnMessage(msg wire.Message, c *net.Connection) {
	switch msg.(type) {
	case *wire.AddData, *wire.RemoveData, *wire.RemoveMailboxData, *wire.RefreshTTL,
		*wire.GetDataRequest, *wire.GetDataResponse:
	default:
		return
	}

	select {
	case n.inboundCh <- inbound{msg: msg, conn: c}:
	default:
		n.logger.WithFields(logrus.Fields{
			"peer": c.Remote(),
			"tag":  msg.Tag(),
		}).Warn("Inbound queue full, dropping message")
	}
}

//==============================================================================
// Processing

func (n *Node) process(in inbound) {
	from := in.conn.Remote()

	switch m := in.msg.(type) {
	case *wire.AddData:
		res, err := n.store.TryAdd(m.Entry, from, true)
		n.checkResult(in, res, err)
	case *wire.RemoveData:
		res, err := n.store.TryRemove(m.Entry, from, true)
		n.checkResult(in, res, err)
	case *wire.RemoveMailboxData:
		if m.Entry == nil || !m.Entry.Payload.IsMailbox() {
			in.conn.ReportViolation(net.InvalidData)
			return
		}
		res, err := n.store.TryRemove(m.Entry, from, true)
		n.checkResult(in, res, err)
	case *wire.RefreshTTL:
		res, err := n.store.Refresh(m.Offer, from, true)
		n.checkResult(in, res, err)
	case *wire.GetDataRequest:
		n.handleDataRequest(m, in.conn)
	case *wire.GetDataResponse:
		n.handleDataResponse(m, in.conn)
	}
}

// checkResult charges the sender for rejections that only a faulty or
// malicious peer produces. Stale sequence numbers and expired entries are
// ordinary gossip races.
func (n *Node) checkResult(in inbound, res storage.Result, err error) {
	if err != nil {
		n.logger.WithError(err).Error("Store failure")
	}
	if res.Accepted {
		return
	}

	n.logger.WithFields(logrus.Fields{
		"peer":   in.conn.Remote(),
		"tag":    in.msg.Tag(),
		"result": res,
	}).Debug("Rejected peer data")

	if res.Reason.IsViolation() {
		in.conn.ReportViolation(net.InvalidData)
	}
}

//==============================================================================
// Initial data

// requestData asks c for the entries we do not hold. Peers that cannot filter
// get an empty exclusion list and send everything.
func (n *Node) requestData(c *net.Connection) {
	nonce := n.nonce()

	req := &wire.GetDataRequest{Nonce: nonce}
	if c.Capabilities().Supports(peers.GetDataFilter) {
		req.ExcludedKeys = n.store.Hashes()
	}

	key := strconv.FormatUint(nonce, 10)
	n.dataRequests.Set(key, c.Remote(), cache.DefaultExpiration)

	if err := c.Send(req); err != nil {
		n.dataRequests.Delete(key)
		n.logger.WithFields(logrus.Fields{
			"peer":  c.Remote(),
			"error": err,
		}).Warn("Cannot send GetDataRequest")
	}
}

func (n *Node) handleDataRequest(req *wire.GetDataRequest, c *net.Connection) {
	excluded := make(map[storage.HashKey]bool, len(req.ExcludedKeys))
	for _, k := range req.ExcludedKeys {
		excluded[storage.ToHashKey(k)] = true
	}

	caps := c.Capabilities()
	candidates := n.store.Filter(func(e *storage.ProtectedStorageEntry) bool {
		return !excluded[e.Key()] && caps.SupportsAll(e.Payload.RequiredCapabilities)
	})

	budget := n.conf.MaxMessageSize - responseSlack
	res := &wire.GetDataResponse{
		RequestNonce: req.Nonce,
		Entries:      make([]*storage.ProtectedStorageEntry, 0, len(candidates)),
	}
	for _, e := range candidates {
		b, err := e.Marshal()
		if err != nil {
			continue
		}
		if len(b) > budget {
			res.WasTruncated = true
			break
		}
		budget -= len(b)
		res.Entries = append(res.Entries, e)
	}

	if err := c.Send(res); err != nil {
		n.logger.WithFields(logrus.Fields{
			"peer":  c.Remote(),
			"error": err,
		}).Warn("Cannot send GetDataResponse")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"peer":      c.Remote(),
		"entries":   len(res.Entries),
		"truncated": res.WasTruncated,
	}).Debug("Answered GetDataRequest")
}

// handleDataResponse adds the entries without gossiping them. A truncated
// response is followed by another request, as long as the previous one
// brought something new.
func (n *Node) handleDataResponse(res *wire.GetDataResponse, c *net.Connection) {
	key := strconv.FormatUint(res.RequestNonce, 10)

	to, ok := n.dataRequests.Get(key)
	if !ok || to.(peers.NodeAddress) != c.Remote() {
		n.logger.WithField("peer", c.Remote()).Debug("Unsolicited GetDataResponse")
		return
	}
	n.dataRequests.Delete(key)

	added := 0
	for _, e := range res.Entries {
		r, err := n.store.TryAdd(e, c.Remote(), false)
		n.checkResult(inbound{msg: res, conn: c}, r, err)
		if r.Accepted && !r.Duplicate {
			added++
		}
	}

	n.logger.WithFields(logrus.Fields{
		"peer":      c.Remote(),
		"received":  len(res.Entries),
		"added":     added,
		"truncated": res.WasTruncated,
	}).Debug("Initial data received")

	if res.WasTruncated && added > 0 {
		n.requestData(c)
	}
}
