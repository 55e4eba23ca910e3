package net

import (
	"errors"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

var errDialTimeout = errors.New("dial through proxy timed out")

// SocksStreamLayer dials through a SOCKS5 proxy and accepts on a local TCP
// port. With Tor, the proxy is the daemon's SocksPort and the local port is
// the target of a HiddenServicePort; advertise is the onion address.
type SocksStreamLayer struct {
	proxyAddr string
	advertise string
	listener  net.Listener
}

// NewSocksStreamLayer ...
func NewSocksStreamLayer(bindAddr, advertise, proxyAddr string) (*SocksStreamLayer, error) {
	if advertise == "" {
		return nil, errNotAdvertisable
	}

	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	return &SocksStreamLayer{
		proxyAddr: proxyAddr,
		advertise: advertise,
		listener:  list,
	}, nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Dial implements the StreamLayer interface. The timeout covers the
// connection to the proxy and the SOCKS handshake, which for a hidden service
// includes building the circuit.
func (s *SocksStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", s.proxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialer.Dial("tcp", address)
		resCh <- dialResult{conn, err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-time.After(timeout):
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, errDialTimeout
	}
}

// Accept implements the net.Listener interface.
func (s *SocksStreamLayer) Accept() (net.Conn, error) {
	return s.listener.Accept()
}

// Close implements the net.Listener interface.
func (s *SocksStreamLayer) Close() error {
	return s.listener.Close()
}

// Addr implements the net.Listener interface.
func (s *SocksStreamLayer) Addr() net.Addr {
	return s.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (s *SocksStreamLayer) AdvertiseAddr() string {
	return s.advertise
}
