package storage

import "github.com/bisq-network/bisq-sub073/src/peers"

// MutationKind ...
type MutationKind int

const (
	// Added ...
	Added MutationKind = iota
	// Removed ...
	Removed
	// Refreshed ...
	Refreshed
)

// String ...
func (k MutationKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	case Refreshed:
		return "Refreshed"
	default:
		return "Unknown"
	}
}

// RemoveCause distinguishes signed removals from local housekeeping.
type RemoveCause int

const (
	// RemovedByOwner is a signed removal.
	RemovedByOwner RemoveCause = iota
	// RemovedExpired is the TTL sweep.
	RemovedExpired
	// RemovedOwnerOffline is the dead-owner sweep.
	RemovedOwnerOffline
)

// Mutation describes one accepted change of the store.
type Mutation struct {
	Kind MutationKind

	// Entry is the stored entry for adds and refreshes. For removals it is
	// the removed entry, or the removal itself when nothing was stored.
	Entry *ProtectedStorageEntry

	// Removal is the signed removal, set for RemovedByOwner.
	Removal *ProtectedStorageEntry

	// Refresh is set for Refreshed.
	Refresh *RefreshOffer

	Cause RemoveCause

	// Existed is false for a removal of an entry the store did not hold.
	Existed bool

	// Source is the peer the mutation came from; zero for local operations.
	Source peers.NodeAddress

	// Gossip asks the publisher to forward the mutation to other peers.
	Gossip bool
}

// Publisher receives every accepted mutation, synchronously, while the store
// holds its writer lock. Implementations must not call back into the store's
// mutating methods from Publish.
type Publisher interface {
	Publish(Mutation)
}
