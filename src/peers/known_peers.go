package peers

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// KnownPeers is a bounded set of peers. When the set is full, a new peer
// evicts the stored one with the oldest LastSeen, unless it is older than all
// of them, in which case it is refused.
type KnownPeers struct {
	l     sync.Mutex
	self  NodeAddress
	size  int
	cache *lru.Cache
}

// NewKnownPeers creates a set holding at most size peers. The node's own
// address is never admitted.
func NewKnownPeers(size int, self NodeAddress) (*KnownPeers, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &KnownPeers{
		self:  self,
		size:  size,
		cache: cache,
	}, nil
}

// SetSelf changes the address filtered out of the set, and drops it if it was
// already present.
func (k *KnownPeers) SetSelf(self NodeAddress) {
	k.l.Lock()
	defer k.l.Unlock()
	k.self = self
	k.cache.Remove(self)
}

// Add merges p into the set and reports whether the address was new. An
// existing record keeps the most recent LastSeen, and its capabilities are
// replaced only by a non-nil list.
func (k *KnownPeers) Add(p Peer) bool {
	k.l.Lock()
	defer k.l.Unlock()
	return k.add(p)
}

func (k *KnownPeers) add(p Peer) bool {
	if p.Address.IsZero() || p.Address == k.self {
		return false
	}

	existing, ok := k.cache.Get(p.Address)
	if ok {
		old := existing.(Peer)
		if p.LastSeen < old.LastSeen {
			p.LastSeen = old.LastSeen
		}
		if p.Capabilities == nil {
			p.Capabilities = old.Capabilities
		}
		k.cache.Add(p.Address, p)
		return false
	}

	if k.cache.Len() >= k.size {
		oldest, ok := k.oldest()
		if ok {
			if p.LastSeen < oldest.LastSeen {
				return false
			}
			k.cache.Remove(oldest.Address)
		}
	}

	k.cache.Add(p.Address, p)
	return true
}

func (k *KnownPeers) oldest() (Peer, bool) {
	var res Peer
	found := false
	for _, key := range k.cache.Keys() {
		v, ok := k.cache.Peek(key)
		if !ok {
			continue
		}
		p := v.(Peer)
		if !found || p.LastSeen < res.LastSeen {
			res = p
			found = true
		}
	}
	return res, found
}

// AddAll merges a list and returns the number of new addresses.
func (k *KnownPeers) AddAll(peers []Peer) int {
	k.l.Lock()
	defer k.l.Unlock()

	n := 0
	for _, p := range peers {
		if k.add(p) {
			n++
		}
	}
	return n
}

// Get ...
func (k *KnownPeers) Get(addr NodeAddress) (Peer, bool) {
	v, ok := k.cache.Peek(addr)
	if !ok {
		return Peer{}, false
	}
	return v.(Peer), true
}

// Contains ...
func (k *KnownPeers) Contains(addr NodeAddress) bool {
	return k.cache.Contains(addr)
}

// Remove ...
func (k *KnownPeers) Remove(addr NodeAddress) {
	k.cache.Remove(addr)
}

// Len ...
func (k *KnownPeers) Len() int {
	return k.cache.Len()
}

// List returns every peer, most recently seen first.
func (k *KnownPeers) List() []Peer {
	k.l.Lock()
	keys := k.cache.Keys()
	res := make([]Peer, 0, len(keys))
	for _, key := range keys {
		if v, ok := k.cache.Peek(key); ok {
			res = append(res, v.(Peer))
		}
	}
	k.l.Unlock()

	ByLastSeen(res)
	return res
}

// Sample returns at most n peers, most recently seen first, skipping the
// addresses for which exclude returns true.
func (k *KnownPeers) Sample(n int, exclude func(NodeAddress) bool) []Peer {
	res := []Peer{}
	for _, p := range k.List() {
		if len(res) >= n {
			break
		}
		if exclude != nil && exclude(p.Address) {
			continue
		}
		res = append(res, p)
	}
	return res
}

// Prune removes peers whose LastSeen is older than cutoff (unix millis) and
// returns how many were removed.
func (k *KnownPeers) Prune(cutoff int64) int {
	k.l.Lock()
	defer k.l.Unlock()

	n := 0
	for _, key := range k.cache.Keys() {
		v, ok := k.cache.Peek(key)
		if ok && v.(Peer).LastSeen < cutoff {
			k.cache.Remove(key)
			n++
		}
	}
	return n
}

// ByLastSeen sorts peers by descending LastSeen.
func ByLastSeen(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].LastSeen > peers[j].LastSeen
	})
}
