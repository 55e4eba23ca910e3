package peers

import "sort"

// Capability is an integer tag advertising support for an optional message
// type.
type Capability int

// Capabilities known to this implementation. Values are stable on the wire.
const (
	// TorNetwork is advertised by nodes reachable over Tor.
	TorNetwork Capability = 0
	// Mailbox marks support for mailbox entries.
	Mailbox Capability = 1
	// RefreshTTL marks support for the RefreshTTL message.
	RefreshTTL Capability = 2
	// GetDataFilter marks support for excluded keys in GetDataRequest.
	GetDataFilter Capability = 3
)

// Capabilities is the ordered list a peer advertised. A nil value means the
// peer never sent one.
type Capabilities []int

// LocalCapabilities returns the capabilities this node advertises.
func LocalCapabilities() Capabilities {
	return Capabilities{
		int(TorNetwork),
		int(Mailbox),
		int(RefreshTTL),
		int(GetDataFilter),
	}
}

// NewCapabilities returns a sorted, deduplicated list.
func NewCapabilities(ids ...int) Capabilities {
	c := make(Capabilities, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			c = append(c, id)
		}
	}
	sort.Ints(c)
	return c
}

// IsLegacy is true when no capability list was ever received.
func (c Capabilities) IsLegacy() bool {
	return c == nil
}

// Supports reports whether the capability is present. Legacy peers support
// everything.
func (c Capabilities) Supports(required Capability) bool {
	if c == nil {
		return true
	}
	for _, id := range c {
		if id == int(required) {
			return true
		}
	}
	return false
}

// SupportsAll is Supports over a list of requirements. An empty requirement
// list is always satisfied.
func (c Capabilities) SupportsAll(required Capabilities) bool {
	for _, r := range required {
		if !c.Supports(Capability(r)) {
			return false
		}
	}
	return true
}

// Intersect returns the capabilities present in both lists. A legacy side
// yields the other side unchanged.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	res := Capabilities{}
	for _, id := range c {
		if other.Supports(Capability(id)) {
			res = append(res, id)
		}
	}
	return res
}
