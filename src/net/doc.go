// Package net manages the connections between overlay nodes.
//
// The Manager owns one Connection per remote NodeAddress. Connections are
// persistent and full duplex: each runs a reader goroutine, a writer goroutine
// fed by a bounded send queue, and a worker dispatching inbound messages to
// listeners, so a slow peer never stalls traffic with another.
//
// Connections start with a Hello/HelloAck handshake in which both sides
// announce their address, capabilities and wire version. Capabilities are
// fixed for the lifetime of the connection. After the handshake, the Manager
// sends a Ping on every connection at a fixed interval and closes connections
// that stop answering.
//
// The bytes travel over a StreamLayer. There are three implementations:
//
// - TCP: plain TCP, for local networks and tests
//
// - SOCKS: outbound connections are dialed through a SOCKS5 proxy, typically a
// local Tor daemon, and inbound connections arrive on a local port the hidden
// service forwards to. AdvertiseAddr is then the onion address.
//
// - Inmem: net.Pipe connections inside one process, used only for testing
//
// Every termination is classified by a CloseReason, reported once to the
// ConnectionListeners.
package net
