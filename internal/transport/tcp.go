package transport

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/net/netutil"
)

// ListenTCP listens on ep. A positive maxConns caps concurrently accepted
// connections; Accept blocks while the cap is reached.
func ListenTCP(ep Endpoint, maxConns int) (net.Listener, error) {
	maddr := ep.Multiaddr
	if maddr == nil {
		tcpAddr, err := net.ResolveTCPAddr("tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		if maddr, err = manet.FromNetAddr(tcpAddr); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	ml, err := manet.Listen(maddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", maddr, err)
	}
	ln := manet.NetListener(ml)
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// DialTCP connects to a tcp endpoint
func DialTCP(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if ep.Multiaddr != nil {
		var d manet.Dialer
		conn, err := d.DialContext(ctx, ep.Multiaddr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", ep.Multiaddr, err)
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep.Address, err)
	}
	return conn, nil
}

// ListenerMultiaddr reports where a listener is reachable as a multiaddr
func ListenerMultiaddr(ln net.Listener) (ma.Multiaddr, error) {
	if p, ok := ln.(*P2PListener); ok {
		addrs := p.Multiaddrs()
		if len(addrs) == 0 {
			return nil, fmt.Errorf("transport: p2p host has no listen addresses")
		}
		return addrs[0], nil
	}
	return manet.FromNetAddr(ln.Addr())
}
