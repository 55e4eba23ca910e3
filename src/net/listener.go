package net

import "github.com/bisq-network/bisq-sub073/src/wire"

// ConnectionListener is notified when connections open and close.
// OnDisconnect is called exactly once per connection that was reported by
// OnConnection.
type ConnectionListener interface {
	OnConnection(c *Connection)
	OnDisconnect(c *Connection, reason CloseReason)
}

// MessageListener receives every message that is not handled by the
// connection itself (handshake, keep-alive, close). It is called from the
// connection's inbound worker, so a listener blocking delays only that peer.
type MessageListener interface {
	OnMessage(msg wire.Message, c *Connection)
}
