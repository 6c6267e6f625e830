// Package transport carries the control-link byte stream. Every transport
// yields plain net.Conn and net.Listener values so the device server and the
// host exchanger never see which one is in use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Network names a transport
type Network string

const (
	TCP       Network = "tcp"
	WebSocket Network = "ws"
	P2P       Network = "p2p"
)

const (
	DefaultPort = 5000
	p2pPrefix   = "p2p:"
)

var ErrUnsupportedNetwork = errors.New("transport: unsupported network")

// Endpoint is a parsed link address
type Endpoint struct {
	Network Network
	// Address is host:port for tcp and the full URL for ws
	Address string
	// Multiaddr is set for tcp endpoints given as multiaddrs and for p2p
	Multiaddr ma.Multiaddr
}

func (e Endpoint) String() string {
	switch {
	case e.Network == P2P && e.Multiaddr != nil:
		return p2pPrefix + e.Multiaddr.String()
	case e.Multiaddr != nil:
		return e.Multiaddr.String()
	}
	return e.Address
}

// ParseEndpoint accepts
//
//	host:port | host               tcp, port 5000 when omitted
//	/ip4/1.2.3.4/tcp/5000          tcp multiaddr
//	ws://host:port/link            websocket
//	/ip4/.../tcp/4001/p2p/<peer>   libp2p dial target
//	p2p:/ip4/0.0.0.0/tcp/4001      libp2p listen address
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Endpoint{}, errors.New("transport: empty endpoint")

	case strings.HasPrefix(s, "ws://"), strings.HasPrefix(s, "wss://"):
		u, err := url.Parse(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: %w", err)
		}
		if u.Path == "" {
			u.Path = "/link"
		}
		return Endpoint{Network: WebSocket, Address: u.String()}, nil

	case strings.HasPrefix(s, p2pPrefix):
		maddr, err := ma.NewMultiaddr(strings.TrimPrefix(s, p2pPrefix))
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: %w", err)
		}
		return Endpoint{Network: P2P, Multiaddr: maddr}, nil

	case strings.HasPrefix(s, "/"):
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: %w", err)
		}
		if _, err := maddr.ValueForProtocol(ma.P_P2P); err == nil {
			return Endpoint{Network: P2P, Multiaddr: maddr}, nil
		}
		addr, err := manet.ToNetAddr(maddr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: %w", err)
		}
		if addr.Network() != "tcp" && addr.Network() != "tcp4" && addr.Network() != "tcp6" {
			return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, addr.Network())
		}
		return Endpoint{Network: TCP, Address: addr.String(), Multiaddr: maddr}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, strconv.Itoa(DefaultPort)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return Endpoint{}, fmt.Errorf("transport: bad port %q", port)
	}
	return Endpoint{Network: TCP, Address: net.JoinHostPort(host, port)}, nil
}

// Options configures Listen and Dial
type Options struct {
	// MaxConnections caps concurrently open tcp connections on a listener
	MaxConnections int
	// IdentityPath persists the libp2p key, empty for an ephemeral identity
	IdentityPath string
}

// Listen opens a listener for ep
func Listen(ep Endpoint, opts Options) (net.Listener, error) {
	switch ep.Network {
	case TCP:
		return ListenTCP(ep, opts.MaxConnections)
	case WebSocket:
		return ListenWS(ep)
	case P2P:
		h, err := NewHost(opts.IdentityPath, ep.Multiaddr)
		if err != nil {
			return nil, err
		}
		return ListenP2P(h, true), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, ep.Network)
}

// Dial connects to ep
func Dial(ctx context.Context, ep Endpoint, opts Options) (net.Conn, error) {
	switch ep.Network {
	case TCP:
		return DialTCP(ctx, ep)
	case WebSocket:
		return DialWS(ctx, ep)
	case P2P:
		h, err := NewHost(opts.IdentityPath)
		if err != nil {
			return nil, err
		}
		conn, err := DialP2PAddr(ctx, h, ep.Multiaddr)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		return &ownedConn{Conn: conn, closeHost: h.Close}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, ep.Network)
}

// ownedConn closes the dialing host along with the stream
type ownedConn struct {
	net.Conn
	closeHost func() error
}

func (c *ownedConn) Close() error {
	return errors.Join(c.Conn.Close(), c.closeHost())
}
