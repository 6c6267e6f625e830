package host

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around device exchanges
type BreakerConfig struct {
	// FailureThreshold consecutive transport failures open the circuit
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a probe
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the queue defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenTimeout: 5 * time.Second}
}

// exchanger performs strict request/response round trips over one
// connection. A transport failure drops the connection; the next exchange
// redials. Only transport failures count against the breaker, a NAK is a
// normal response.
type exchanger struct {
	dial    func(ctx context.Context) (net.Conn, error)
	conn    net.Conn
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *utils.Logger
	metrics *metrics.Queue

	// onConnect runs after every successful (re)dial, before the first request
	onConnect func(conn net.Conn) error

	out []byte
}

func newExchanger(dial func(ctx context.Context) (net.Conn, error), timeout time.Duration, bc BreakerConfig, logger *utils.Logger, m *metrics.Queue) *exchanger {
	if bc.FailureThreshold == 0 {
		bc.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	x := &exchanger{dial: dial, timeout: timeout, logger: logger, metrics: m}
	x.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device-link",
		MaxRequests: 1,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				utils.String("breaker", name),
				utils.String("from", from.String()),
				utils.String("to", to.String()),
			)
		},
	})
	return x
}

// connect dials if no connection is held
func (x *exchanger) connect(ctx context.Context) error {
	if x.conn != nil {
		return nil
	}
	conn, err := x.dial(ctx)
	if err != nil {
		return WrapQueueError(ErrCodeDeviceUnreachable, "dial device", err)
	}
	if x.onConnect != nil {
		if err := x.onConnect(conn); err != nil {
			_ = conn.Close()
			return WrapQueueError(ErrCodeDeviceUnreachable, "initialise link", err)
		}
	}
	x.conn = conn
	return nil
}

// roundTrip sends req and returns the device's single response
func (x *exchanger) roundTrip(ctx context.Context, req protocol.Packet) (protocol.Packet, error) {
	return x.roundTripTimeout(ctx, req, x.timeout)
}

func (x *exchanger) roundTripTimeout(ctx context.Context, req protocol.Packet, timeout time.Duration) (protocol.Packet, error) {
	out, err := x.breaker.Execute(func() (interface{}, error) {
		return x.exchange(ctx, req, timeout)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return protocol.Packet{}, WrapQueueError(ErrCodeCircuitOpen, "device link circuit open", err)
		}
		return protocol.Packet{}, err
	}
	return out.(protocol.Packet), nil
}

func (x *exchanger) exchange(ctx context.Context, req protocol.Packet, timeout time.Duration) (protocol.Packet, error) {
	if err := x.connect(ctx); err != nil {
		return protocol.Packet{}, err
	}

	start := time.Now()
	if err := x.setDeadline(timeout); err != nil {
		return protocol.Packet{}, x.fail("set deadline", err)
	}

	var err error
	x.out, err = protocol.AppendEncode(x.out[:0], req)
	if err != nil {
		// Encoding failures are caller errors and leave the link intact.
		return protocol.Packet{}, WrapQueueError(ErrCodeInvalidValue, "encode "+req.Command.String(), err)
	}
	if _, err := x.conn.Write(x.out); err != nil {
		return protocol.Packet{}, x.fail("write "+req.Command.String(), err)
	}

	rsp, err := protocol.ReadPacket(x.conn)
	if err != nil {
		return protocol.Packet{}, x.fail("read response to "+req.Command.String(), err)
	}
	x.metrics.ObserveExchange(time.Since(start))
	return rsp, nil
}

// send writes req without waiting for a response
func (x *exchanger) send(conn net.Conn, req protocol.Packet) error {
	if x.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(x.timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WritePacket(conn, req)
}

func (x *exchanger) setDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return x.conn.SetDeadline(time.Time{})
	}
	return x.conn.SetDeadline(time.Now().Add(timeout))
}

// fail drops the connection and classifies err
func (x *exchanger) fail(op string, err error) error {
	x.drop()
	x.logger.Warn("Device link failed", utils.String("op", op), utils.Err(err))

	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return WrapQueueError(ErrCodeExchangeTimeout, op, err)
	}
	if errors.Is(err, protocol.ErrShortPacket) || errors.Is(err, protocol.ErrLengthMismatch) {
		return WrapQueueError(ErrCodeProtocol, op, err)
	}
	return WrapQueueError(ErrCodeDeviceUnreachable, op, err)
}

func (x *exchanger) drop() {
	if x.conn != nil {
		_ = x.conn.Close()
		x.conn = nil
	}
}

func (x *exchanger) close() error {
	if x.conn == nil {
		return nil
	}
	err := x.conn.Close()
	x.conn = nil
	return err
}
