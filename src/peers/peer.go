package peers

// Peer is a reported peer: an address, what it advertised the last time it
// was connected, and when it was last seen, in unix milliseconds.
type Peer struct {
	Address      NodeAddress
	Capabilities Capabilities
	LastSeen     int64
}

// NewPeer ...
func NewPeer(addr NodeAddress, caps Capabilities, lastSeen int64) Peer {
	return Peer{
		Address:      addr,
		Capabilities: caps,
		LastSeen:     lastSeen,
	}
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []Peer, addr NodeAddress) (int, []Peer) {
	index := -1
	otherPeers := make([]Peer, 0, len(peers))
	for i, p := range peers {
		if p.Address != addr {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
