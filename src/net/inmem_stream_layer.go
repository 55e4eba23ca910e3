package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewInmemAddr returns a new in-memory address with a random UUID as the
// host.
func NewInmemAddr() string {
	return fmt.Sprintf("%s.inmem:9999", uuid.New().String())
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }

// InmemNetwork routes in-memory connections between stream layers, to allow
// nodes to be tested without going over a network.
type InmemNetwork struct {
	l      sync.RWMutex
	layers map[string]*InmemStreamLayer
}

// NewInmemNetwork ...
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		layers: make(map[string]*InmemStreamLayer),
	}
}

// NewStreamLayer creates a layer reachable at addr, or at a random address if
// addr is empty.
func (n *InmemNetwork) NewStreamLayer(addr string) *InmemStreamLayer {
	if addr == "" {
		addr = NewInmemAddr()
	}

	layer := &InmemStreamLayer{
		network:    n,
		addr:       addr,
		acceptCh:   make(chan net.Conn),
		shutdownCh: make(chan struct{}),
	}

	n.l.Lock()
	n.layers[addr] = layer
	n.l.Unlock()

	return layer
}

// Disconnect makes addr unreachable, without closing the connections it
// already has.
func (n *InmemNetwork) Disconnect(addr string) {
	n.l.Lock()
	defer n.l.Unlock()
	delete(n.layers, addr)
}

func (n *InmemNetwork) get(addr string) (*InmemStreamLayer, bool) {
	n.l.RLock()
	defer n.l.RUnlock()
	layer, ok := n.layers[addr]
	return layer, ok
}

// InmemStreamLayer implements StreamLayer with net.Pipe.
type InmemStreamLayer struct {
	network    *InmemNetwork
	addr       string
	acceptCh   chan net.Conn
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// Dial implements the StreamLayer interface.
func (i *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	target, ok := i.network.get(address)
	if !ok {
		return nil, fmt.Errorf("failed to connect to peer: %v", address)
	}

	client, server := net.Pipe()

	select {
	case target.acceptCh <- server:
		return client, nil
	case <-target.shutdownCh:
	case <-time.After(timeout):
	}

	client.Close()
	server.Close()
	return nil, fmt.Errorf("failed to connect to peer: %v", address)
}

// Accept implements the net.Listener interface.
func (i *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-i.acceptCh:
		return conn, nil
	case <-i.shutdownCh:
		return nil, ErrTransportShutdown
	}
}

// Close implements the net.Listener interface.
func (i *InmemStreamLayer) Close() error {
	i.closeOnce.Do(func() {
		close(i.shutdownCh)
		i.network.l.Lock()
		if i.network.layers[i.addr] == i {
			delete(i.network.layers, i.addr)
		}
		i.network.l.Unlock()
	})
	return nil
}

// Addr implements the net.Listener interface.
func (i *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(i.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (i *InmemStreamLayer) AdvertiseAddr() string {
	return i.addr
}
