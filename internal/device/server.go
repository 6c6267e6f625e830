package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

const readChunkSize = 64 << 10

// ServerConfig configures the control link
type ServerConfig struct {
	// IdleTimeout closes a session that sends nothing for this long, zero disables
	IdleTimeout time.Duration
	// AcceptRate and AcceptBurst throttle connection attempts per remote host,
	// a zero rate disables throttling
	AcceptRate  int
	AcceptBurst int
}

// DefaultServerConfig returns the daemon defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		AcceptRate:  5,
		AcceptBurst: 10,
	}
}

// Server accepts host connections and serves one session at a time
type Server struct {
	dev     *Device
	cfg     ServerConfig
	logger  *utils.Logger
	limiter *limiter.TokenBucket
	active  atomic.Bool
}

// NewServer binds a control link to dev
func NewServer(dev *Device, cfg ServerConfig) (*Server, error) {
	s := &Server{
		dev:    dev,
		cfg:    cfg,
		logger: dev.logger.Component("link"),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = cfg.AcceptRate
		}
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.AcceptRate),
				Duration: time.Second,
				Burst:    int64(burst),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			return nil, fmt.Errorf("link: accept limiter: %w", err)
		}
		s.limiter = tb
	}
	return s, nil
}

// Serve accepts connections on ln until ctx ends or the listener fails.
// Sessions are served inline, so a second host waits in the backlog until the
// first disconnects.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("Listening", utils.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("link: accept: %w", err)
		}

		if !s.admit(conn) {
			_ = conn.Close()
			continue
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) admit(conn net.Conn) bool {
	remote := remoteHost(conn)
	if s.limiter != nil && !s.limiter.Allow(remote) {
		s.logger.Warn("Connection throttled", utils.String("remote", remote))
		s.dev.metrics.ConnectionRejected()
		return false
	}
	if s.active.Load() {
		s.logger.Warn("Connection refused, session active", utils.String("remote", remote))
		s.dev.metrics.ConnectionRejected()
		return false
	}
	return true
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.active.Store(true)
	defer s.active.Store(false)

	sess := &session{
		id:     utils.GenerateID(),
		conn:   conn,
		dev:    s.dev,
		idle:   s.cfg.IdleTimeout,
		reasm:  protocol.NewReassembler(),
		logger: s.logger.With(utils.String("remote", conn.RemoteAddr().String())),
	}
	sess.logger = sess.logger.With(utils.String("session", utils.ShortID(sess.id)))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	s.dev.metrics.SessionAccepted()
	sess.logger.Info("Session started")
	if err := sess.run(ctx); err != nil && ctx.Err() == nil {
		sess.logger.Warn("Session ended", utils.Err(err))
		return
	}
	sess.logger.Info("Session closed")
}

// ServeConn serves a single already-established connection until it closes
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.serveConn(ctx, conn)
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

type session struct {
	id     string
	conn   net.Conn
	dev    *Device
	idle   time.Duration
	reasm  *protocol.Reassembler
	out    []byte
	logger *utils.Logger
}

func (s *session) run(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	for {
		if s.idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			_, _ = s.reasm.Write(buf[:n])
			if derr := s.drain(ctx); derr != nil {
				return derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

// drain handles every complete packet currently buffered
func (s *session) drain(ctx context.Context) error {
	for {
		pkt, err := s.reasm.Next()
		switch {
		case errors.Is(err, protocol.ErrNeedMoreData):
			return nil
		case errors.Is(err, protocol.ErrLengthMismatch):
			s.logger.Warn("Malformed packet", utils.String("command", pkt.Command.String()), utils.Err(err))
			s.dev.metrics.PacketReceived(protocol.CommandName(pkt.Command))
			if werr := s.reply(s.dev.nak()); werr != nil {
				return werr
			}
			continue
		case err != nil:
			return fmt.Errorf("framing: %w", err)
		}

		s.logger.Debug("Packet", utils.String("command", pkt.Command.String()), utils.Int("length", pkt.Len()))
		rsp, ok := s.dev.Handle(ctx, pkt)
		if !ok {
			continue
		}
		if err := s.reply(rsp); err != nil {
			return err
		}
	}
}

func (s *session) reply(p protocol.Packet) error {
	var err error
	s.out, err = protocol.AppendEncode(s.out[:0], p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Command, err)
	}
	if _, err := s.conn.Write(s.out); err != nil {
		return fmt.Errorf("write %s: %w", p.Command, err)
	}
	return nil
}
