package host

import (
	"context"
	"net"
	"sync"

	"github.com/jackyluk/genericOCL/internal/transport"
	"github.com/jackyluk/genericOCL/internal/utils"
)

const DefaultMemorySize = 16 << 20

// DeviceConfig describes how to reach a device
type DeviceConfig struct {
	Endpoint   transport.Endpoint
	Transport  transport.Options
	MemorySize uint32
	Logger     *utils.Logger
}

// Device is the host's handle on one remote compute device. Only one command
// queue may hold its connection at a time.
type Device struct {
	cfg    DeviceConfig
	logger *utils.Logger

	mu     sync.Mutex
	inUse  bool
	dialFn func(ctx context.Context) (net.Conn, error)
}

// NewDevice returns a handle; no connection is made until a queue is created
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("host")
	}
	d := &Device{cfg: cfg, logger: cfg.Logger}
	d.dialFn = func(ctx context.Context) (net.Conn, error) {
		return transport.Dial(ctx, cfg.Endpoint, cfg.Transport)
	}
	return d
}

// NewDeviceWithDialer is NewDevice with a custom connection factory
func NewDeviceWithDialer(cfg DeviceConfig, dial func(ctx context.Context) (net.Conn, error)) *Device {
	d := NewDevice(cfg)
	d.dialFn = dial
	return d
}

// MemorySize is the device global memory size assumed by allocators
func (d *Device) MemorySize() uint32 { return d.cfg.MemorySize }

// Endpoint returns the configured link address
func (d *Device) Endpoint() transport.Endpoint { return d.cfg.Endpoint }

func (d *Device) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse {
		return NewQueueError(ErrCodeOutOfResources, "device already has a command queue")
	}
	d.inUse = true
	return nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inUse = false
}

func (d *Device) dial(ctx context.Context) (net.Conn, error) {
	return d.dialFn(ctx)
}
