package peers

import "testing"

func TestParseNodeAddress(t *testing.T) {
	addr, err := ParseNodeAddress("ABCDEF.onion:9999")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if addr.Host != "abcdef.onion" || addr.Port != 9999 {
		t.Fatalf("unexpected address %#v", addr)
	}
	if !addr.IsOnion() {
		t.Fatalf("address should be an onion address")
	}
	if addr.String() != "abcdef.onion:9999" {
		t.Fatalf("String should be abcdef.onion:9999, not %s", addr.String())
	}

	bad := []string{"", "nohost", ":80", "host:port", "host:0", "host:70000"}
	for _, s := range bad {
		if _, err := ParseNodeAddress(s); err == nil {
			t.Fatalf("%q should not parse", s)
		}
	}
}

func TestNodeAddressMapKey(t *testing.T) {
	m := make(map[NodeAddress]int)

	a1 := NewNodeAddress("localhost", 1)
	a2, _ := ParseNodeAddress("LOCALHOST:1")

	m[a1] = 1
	m[a2]++

	if len(m) != 1 || m[a1] != 2 {
		t.Fatalf("equal addresses should share a map entry: %v", m)
	}

	if NewNodeAddress("localhost", 2) == a1 {
		t.Fatalf("addresses with different ports should differ")
	}
}

func TestExcludePeer(t *testing.T) {
	peers := []Peer{
		NewPeer(NewNodeAddress("a", 1), nil, 0),
		NewPeer(NewNodeAddress("b", 1), nil, 0),
		NewPeer(NewNodeAddress("c", 1), nil, 0),
	}

	index, others := ExcludePeer(peers, NewNodeAddress("b", 1))
	if index != 1 {
		t.Fatalf("index should be 1, not %d", index)
	}
	if len(others) != 2 {
		t.Fatalf("others should have 2 peers, not %d", len(others))
	}
}
