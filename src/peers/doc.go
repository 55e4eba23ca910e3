// Package peers defines how remote nodes are identified and what they can do.
//
// A NodeAddress is the rendezvous address of a node (host and port). It is a
// comparable value, so it is used directly as a map key.
//
// Capabilities is the list of optional features a peer advertised during the
// handshake. A nil list means the peer predates capability negotiation and is
// assumed to support every legacy feature.
//
// KnownPeers is the bounded set of addresses learned from seed nodes and peer
// exchange. It evicts the least recently seen peer when full, and can be
// persisted to a JSON file with JSONPeerStore.
package peers
