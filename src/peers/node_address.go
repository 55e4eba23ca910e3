package peers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeAddress identifies a reachable node. It has value semantics: two
// NodeAddresses are equal iff host and port are equal.
type NodeAddress struct {
	Host string
	Port int
}

// NewNodeAddress ...
func NewNodeAddress(host string, port int) NodeAddress {
	return NodeAddress{Host: strings.ToLower(host), Port: port}
}

// ParseNodeAddress parses a host:port string. Hosts are lowercased so that
// onion addresses compare equal regardless of case.
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return NodeAddress{}, err
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("missing host in address %q", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid port in address %q: %v", s, err)
	}
	if port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("port out of range in address %q", s)
	}

	return NewNodeAddress(host, port), nil
}

// String returns host:port.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Normalized returns a with its host lowercased, as built by
// NewNodeAddress. Addresses decoded from the wire go through it before being
// compared.
func (a NodeAddress) Normalized() NodeAddress {
	return NewNodeAddress(a.Host, a.Port)
}

// IsZero ...
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// IsOnion reports whether the host is a Tor hidden service.
func (a NodeAddress) IsOnion() bool {
	return strings.HasSuffix(a.Host, ".onion")
}
