package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolID is the libp2p stream protocol carrying the control link
const ProtocolID protocol.ID = "/genericocl/ctrl/1.0.0"

// PersistentIdentity holds the private key and peer ID
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity writes id to path with owner-only permissions
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity reads an identity saved by SaveIdentity
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateKey returns the key stored at path, generating and saving a new
// Ed25519 key when none exists. An empty path yields an ephemeral key.
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		id, err := LoadIdentity(path)
		if err == nil {
			priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
			if err != nil {
				return nil, fmt.Errorf("transport: identity %s: %w", path, err)
			}
			pid, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return nil, err
			}
			if id.PeerID != "" && id.PeerID != pid.String() {
				return nil, fmt.Errorf("transport: identity %s: peer id does not match key", path)
			}
			return priv, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("transport: identity %s: %w", path, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return priv, nil
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
		return nil, fmt.Errorf("transport: save identity: %w", err)
	}
	return priv, nil
}

// NewHost starts a libp2p host. With no listen addresses it only dials.
func NewHost(identityPath string, listen ...ma.Multiaddr) (libp2p_host.Host, error) {
	priv, err := LoadOrCreateKey(identityPath)
	if err != nil {
		return nil, err
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listen) > 0 {
		opts = append(opts, libp2p.ListenAddrs(listen...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: libp2p: %w", err)
	}
	return h, nil
}

// P2PListener hands inbound control-link streams out as connections
type P2PListener struct {
	host      libp2p_host.Host
	ownsHost  bool
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenP2P registers the control-link protocol on h. When ownsHost is set,
// closing the listener also closes h.
func ListenP2P(h libp2p_host.Host, ownsHost bool) *P2PListener {
	l := &P2PListener{
		host:     h,
		ownsHost: ownsHost,
		conns:    make(chan net.Conn),
		closed:   make(chan struct{}),
	}
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		select {
		case l.conns <- newStreamConn(s):
		case <-l.closed:
			_ = s.Reset()
		}
	})
	return l
}

// Accept implements net.Listener
func (l *P2PListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener
func (l *P2PListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.host.RemoveStreamHandler(ProtocolID)
		if l.ownsHost {
			err = l.host.Close()
		}
	})
	return err
}

// Addr implements net.Listener
func (l *P2PListener) Addr() net.Addr {
	return p2pAddr{id: l.host.ID()}
}

// Multiaddrs returns dialable addresses including the /p2p/ component
func (l *P2PListener) Multiaddrs() []ma.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: l.host.ID(), Addrs: l.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

// Host returns the underlying libp2p host
func (l *P2PListener) Host() libp2p_host.Host { return l.host }

// DialP2PAddr dials a multiaddr that ends in /p2p/<peer id>
func DialP2PAddr(ctx context.Context, h libp2p_host.Host, target ma.Multiaddr) (net.Conn, error) {
	info, err := peer.AddrInfoFromP2pAddr(target)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return DialP2P(ctx, h, *info)
}

// DialP2P connects to info and opens a control-link stream
func DialP2P(ctx context.Context, h libp2p_host.Host, info peer.AddrInfo) (net.Conn, error) {
	if err := h.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", info.ID, err)
	}
	s, err := h.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream to %s: %w", info.ID, err)
	}
	return newStreamConn(s), nil
}

// streamConn adapts a libp2p stream to net.Conn
type streamConn struct {
	network.Stream
}

func newStreamConn(s network.Stream) *streamConn {
	return &streamConn{Stream: s}
}

func (c *streamConn) LocalAddr() net.Addr {
	return p2pAddr{id: c.Conn().LocalPeer(), maddr: c.Conn().LocalMultiaddr()}
}

func (c *streamConn) RemoteAddr() net.Addr {
	return p2pAddr{id: c.Conn().RemotePeer(), maddr: c.Conn().RemoteMultiaddr()}
}

type p2pAddr struct {
	id    peer.ID
	maddr ma.Multiaddr
}

func (a p2pAddr) Network() string { return string(P2P) }

func (a p2pAddr) String() string {
	if a.maddr == nil {
		return "/p2p/" + a.id.String()
	}
	return a.maddr.String() + "/p2p/" + a.id.String()
}
