// Package node ties the components of an overlay node together.
//
// A Node owns the connection manager, the protected data store, the broadcast
// bus, the mailbox service and the peer exchange. Store mutations received
// from peers are queued by the connection workers and applied by a single
// goroutine, in the order they were received. Accepted mutations are handed
// to the bus, which notifies local listeners and forwards them to every other
// peer.
//
// Initial data
//
// After dialing a peer, a node sends a GetDataRequest listing the hashes it
// already holds. The peer answers with the remaining unexpired entries whose
// capability requirements the requester meets. Entries received this way are
// checked like any other, but they are not gossiped again: every node
// performs its own initial sync.
//
// Housekeeping
//
// Expired entries are removed at a fixed interval, and known peers are
// written to disk so that a restarted node can reconnect without its seeds.
// When a connection is lost for any reason other than a local decision, the
// entries whose owner must be online and lives at that address are removed.
package node
