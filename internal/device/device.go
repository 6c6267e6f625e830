// Package device implements the compute device daemon: its global memory, the
// kernel artifact store and the control link that serves host commands.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultMemorySize = 16 << 20

// Options configures a Device
type Options struct {
	MemorySize   int
	ArtifactPath string
	Scheduler    compute.SchedulerConfig
	Loader       compute.KernelLoader
	Logger       *utils.Logger
	// Registerer receives the device collectors when set
	Registerer prometheus.Registerer
}

// Device owns the state that outlives a single host session
type Device struct {
	logger    *utils.Logger
	memory    *MemoryRegion
	kernels   *KernelStore
	scheduler *compute.Scheduler
	metrics   *metrics.Device

	mu       sync.Mutex
	workSize protocol.GlobalWorkSize
}

// New builds a device and its execution pool
func New(opts Options) (*Device, error) {
	if opts.Loader == nil {
		return nil, errors.New("device: kernel loader required")
	}
	if opts.MemorySize <= 0 {
		opts.MemorySize = DefaultMemorySize
	}
	if opts.ArtifactPath == "" {
		opts.ArtifactPath = "kernel.wasm"
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger("device")
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = opts.Logger.Component("scheduler")
	}

	memory := NewMemoryRegion(opts.MemorySize)
	kernels, err := NewKernelStore(opts.ArtifactPath)
	if err != nil {
		return nil, err
	}
	sched, err := compute.NewScheduler(opts.Scheduler, opts.Loader, memory)
	if err != nil {
		return nil, err
	}

	d := &Device{
		logger:    opts.Logger,
		memory:    memory,
		kernels:   kernels,
		scheduler: sched,
		workSize:  protocol.GlobalWorkSize{X: 1, Y: 1, Z: 1},
	}
	if opts.Registerer != nil {
		d.metrics = metrics.NewDevice(opts.Registerer, func() float64 {
			return float64(sched.Stats().Busy)
		})
	}
	return d, nil
}

// Memory exposes the device global memory
func (d *Device) Memory() *MemoryRegion { return d.memory }

// Scheduler exposes the execution pool
func (d *Device) Scheduler() *compute.Scheduler { return d.scheduler }

// Kernels exposes the artifact store
func (d *Device) Kernels() *KernelStore { return d.kernels }

// Handle executes one decoded packet and returns the response, if any. RESET
// is the only command that is never answered.
func (d *Device) Handle(ctx context.Context, pkt protocol.Packet) (protocol.Packet, bool) {
	d.metrics.PacketReceived(protocol.CommandName(pkt.Command))

	if pkt.Version != protocol.Version {
		d.logger.Warn("Unsupported protocol version", utils.Int("version", int(pkt.Version)))
		return d.nak(), true
	}

	switch pkt.Command {
	case protocol.CmdReset:
		d.kernels.Reset()
		d.logger.Info("Device reset")
		return protocol.Packet{}, false

	case protocol.CmdMemWrite:
		m := pkt.Mem()
		if m == nil {
			return d.nak(), true
		}
		if _, err := d.memory.WriteAt(m.Data, int64(m.Offset)); err != nil {
			d.logger.Warn("Rejected memory write", utils.Uint32("offset", m.Offset), utils.Int("bytes", len(m.Data)), utils.Err(err))
			return d.nak(), true
		}
		return protocol.NewAck(), true

	case protocol.CmdMemReadReq:
		m := pkt.Mem()
		if m == nil {
			return d.nak(), true
		}
		if m.AccessLength > protocol.MaxMemData {
			d.logger.Warn("Read does not fit in one response", utils.Uint32("length", m.AccessLength))
			return d.nak(), true
		}
		data, err := d.memory.Read(m.Offset, m.AccessLength)
		if err != nil {
			d.logger.Warn("Rejected memory read", utils.Uint32("offset", m.Offset), utils.Uint32("length", m.AccessLength), utils.Err(err))
			return d.nak(), true
		}
		return protocol.NewMemReadResponse(m.Offset, data), true

	case protocol.CmdLoadKernelChunk:
		k := pkt.Kernel()
		if k == nil {
			return d.nak(), true
		}
		complete, err := d.kernels.Accept(k)
		if err != nil {
			d.logger.Warn("Rejected kernel chunk", utils.Uint32("offset", k.Offset), utils.Uint32("total", k.TotalSize), utils.Err(err))
			return d.nak(), true
		}
		if complete {
			gen, _ := d.kernels.Current()
			d.logger.Info("Kernel loaded", utils.Uint32("bytes", k.TotalSize), utils.Uint64("generation", gen))
		}
		return protocol.NewAck(), true

	case protocol.CmdSetGlobalWorkSize:
		g := pkt.WorkSize()
		if g == nil {
			return d.nak(), true
		}
		d.mu.Lock()
		d.workSize = *g
		d.mu.Unlock()
		d.logger.Debug("Global work size set", utils.Uint32("x", g.X), utils.Uint32("y", g.Y), utils.Uint32("z", g.Z))
		return protocol.NewAck(), true

	case protocol.CmdStartKernel:
		if err := d.start(ctx); err != nil {
			d.logger.Warn("Kernel start failed", utils.Err(err))
			return d.nak(), true
		}
		return protocol.NewAck(), true
	}

	d.logger.Warn("Unexpected command", utils.String("command", pkt.Command.String()))
	return d.nak(), true
}

// ErrNoValidKernel is returned by START_KERNEL before a complete artifact arrived
var ErrNoValidKernel = errors.New("device: no valid kernel loaded")

func (d *Device) start(ctx context.Context) error {
	gen, ok := d.kernels.Current()
	if !ok {
		return ErrNoValidKernel
	}
	d.mu.Lock()
	ws := d.workSize
	d.mu.Unlock()

	report, err := d.scheduler.AddWork(ctx, compute.Job{
		ArtifactPath: d.kernels.Path(),
		Generation:   gen,
		X:            ws.X,
		Y:            ws.Y,
		Z:            ws.Z,
	})
	d.metrics.NDRangeFinished(report.Dispatched, report.Elapsed)
	if err != nil {
		return fmt.Errorf("ndrange %dx%dx%d: %w", ws.X, ws.Y, ws.Z, err)
	}
	d.logger.Info("NDRange complete",
		utils.Uint64("items", report.Items),
		utils.Duration("elapsed", report.Elapsed.Round(time.Microsecond)),
	)
	return nil
}

func (d *Device) nak() protocol.Packet {
	d.metrics.NakSent()
	return protocol.NewNak()
}

// Close stops the execution pool and releases the artifact store
func (d *Device) Close() error {
	return errors.Join(d.scheduler.Close(), d.kernels.Close())
}
