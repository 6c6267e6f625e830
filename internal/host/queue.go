package host

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackyluk/genericOCL/internal/compiler"
	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/utils"
)

// QueueConfig configures a CommandQueue
type QueueConfig struct {
	// ExchangeTimeout bounds each request/response exchange
	ExchangeTimeout time.Duration
	// KernelTimeout bounds the START_KERNEL exchange, which lasts as long as
	// the whole NDRange
	KernelTimeout time.Duration
	// EventExpiry is how long completed events are retained
	EventExpiry time.Duration
	ChunkSize   int
	Breaker     BreakerConfig
	Compiler    compiler.Compiler
	Logger      *utils.Logger
	Metrics     *metrics.Queue
	// Now is the clock used for completion times, time.Now when nil
	Now func() time.Time
}

// DefaultQueueConfig returns the host defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		ExchangeTimeout: 10 * time.Second,
		KernelTimeout:   5 * time.Minute,
		EventExpiry:     60 * time.Second,
		ChunkSize:       protocol.DefaultChunkSize,
		Breaker:         DefaultBreakerConfig(),
	}
}

type loadedKernel struct {
	kernel  *Kernel
	version uint64
	gx, gy  uint32
}

// CommandQueue orders commands for one device. Enqueue calls only append; a
// single dispatcher goroutine executes commands strictly in FIFO order, one
// at a time, so a command starts only after every earlier command completed.
type CommandQueue struct {
	device *Device
	cfg    QueueConfig
	logger *utils.Logger
	ex     *exchanger

	// loaded is the kernel layout currently on the device; dispatcher only
	loaded loadedKernel

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*Event // head is in flight
	retained []*Event // completed, awaiting expiry
	closed   bool
	exited   chan struct{}
}

// NewCommandQueue connects to dev, resets it and starts the dispatcher. It
// fails with OUT_OF_RESOURCES if dev already has a queue and with
// DEVICE_UNREACHABLE if the device cannot be dialled.
func NewCommandQueue(ctx context.Context, dev *Device, cfg QueueConfig) (*CommandQueue, error) {
	def := DefaultQueueConfig()
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if cfg.KernelTimeout == 0 {
		cfg.KernelTimeout = def.KernelTimeout
	}
	if cfg.EventExpiry == 0 {
		cfg.EventExpiry = def.EventExpiry
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkSize > protocol.MaxKernelData {
		return nil, NewQueueError(ErrCodeInvalidValue, "chunk size too large").WithContext("chunk_size", cfg.ChunkSize)
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if cfg.Compiler == nil {
		cfg.Compiler = compiler.WATCompiler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = dev.logger.Component("queue")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := dev.acquire(); err != nil {
		return nil, err
	}

	q := &CommandQueue{
		device: dev,
		cfg:    cfg,
		logger: cfg.Logger,
		exited: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.ex = newExchanger(dev.dial, cfg.ExchangeTimeout, cfg.Breaker, cfg.Logger, cfg.Metrics)
	q.ex.onConnect = q.onConnect

	if err := q.ex.connect(ctx); err != nil {
		dev.release()
		return nil, err
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.run()

	q.logger.Info("Command queue ready", utils.String("device", dev.Endpoint().String()))
	return q, nil
}

// onConnect resets device state at the start of every connection. RESET
// draws no response.
func (q *CommandQueue) onConnect(conn net.Conn) error {
	q.loaded = loadedKernel{}
	return q.ex.send(conn, protocol.NewReset())
}

func (q *CommandQueue) enqueue(ev *Event) (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, NewQueueError(ErrCodeQueueClosed, "enqueue on closed queue").WithContext("command", ev.typ.String())
	}
	q.pending = append(q.pending, ev)
	q.evictLocked(q.cfg.Now())
	q.cfg.Metrics.SetDepth(len(q.pending))
	q.cond.Broadcast()
	return ev, nil
}

func (q *CommandQueue) newEvent(typ CommandType) *Event {
	return newEvent(utils.GenerateID(), typ)
}

// EnqueueWriteBuffer copies data into buf at offset. data is captured at
// enqueue time.
func (q *CommandQueue) EnqueueWriteBuffer(buf *Buffer, offset uint32, data []byte) (*Event, error) {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return nil, NewQueueError(ErrCodeInvalidValue, "write too large")
	}
	devOff, err := buf.span(offset, uint32(len(data)))
	if err != nil {
		return nil, err
	}

	ev := q.newEvent(CommandWriteBuffer)
	for start := 0; ; {
		end := min(start+protocol.MaxMemData, len(data))
		chunk := append([]byte(nil), data[start:end]...)
		ev.requests = append(ev.requests, protocol.NewMemWrite(devOff+uint32(start), chunk))
		if end == len(data) {
			break
		}
		start = end
	}
	return q.enqueue(ev)
}

// EnqueueReadBuffer fills dst from buf at offset. dst must not be touched
// until the event completes.
func (q *CommandQueue) EnqueueReadBuffer(buf *Buffer, offset uint32, dst []byte) (*Event, error) {
	ev, err := q.readEvent(CommandReadBuffer, buf, offset, dst)
	if err != nil {
		return nil, err
	}
	return q.enqueue(ev)
}

// EnqueueMapBuffer returns length bytes of buf read back from the device.
// With blocking set it waits, like Finish, until the queue has drained.
func (q *CommandQueue) EnqueueMapBuffer(ctx context.Context, buf *Buffer, offset, length uint32, blocking bool) ([]byte, *Event, error) {
	mapped := make([]byte, length)
	ev, err := q.readEvent(CommandMapBuffer, buf, offset, mapped)
	if err != nil {
		return nil, nil, err
	}
	if _, err := q.enqueue(ev); err != nil {
		return nil, nil, err
	}
	if blocking {
		if err := q.Finish(ctx); err != nil {
			return mapped, ev, err
		}
		if err := ev.Err(); err != nil {
			return mapped, ev, err
		}
	}
	return mapped, ev, nil
}

func (q *CommandQueue) readEvent(typ CommandType, buf *Buffer, offset uint32, dst []byte) (*Event, error) {
	if uint64(len(dst)) > uint64(^uint32(0)) {
		return nil, NewQueueError(ErrCodeInvalidValue, "read too large")
	}
	devOff, err := buf.span(offset, uint32(len(dst)))
	if err != nil {
		return nil, err
	}

	ev := q.newEvent(typ)
	ev.sink = dst
	for start := 0; start < len(dst); start += protocol.MaxMemData {
		n := min(len(dst)-start, protocol.MaxMemData)
		ev.requests = append(ev.requests, protocol.NewMemReadRequest(devOff+uint32(start), uint32(n)))
	}
	return ev, nil
}

// EnqueueUnmapBuffer releases a mapping. Nothing is written back.
func (q *CommandQueue) EnqueueUnmapBuffer(buf *Buffer, mapped []byte) (*Event, error) {
	if buf == nil {
		return nil, NewQueueError(ErrCodeInvalidValue, "nil buffer")
	}
	return q.enqueue(q.newEvent(CommandUnmapBuffer))
}

// EnqueueBarrier completes once every earlier command has
func (q *CommandQueue) EnqueueBarrier() (*Event, error) {
	return q.enqueue(q.newEvent(CommandBarrier))
}

// EnqueueNDRangeKernel runs kernel over a workDim-dimensional global work
// size. Missing dimensions default to 1.
func (q *CommandQueue) EnqueueNDRangeKernel(kernel *Kernel, workDim int, global []uint32) (*Event, error) {
	if kernel == nil {
		return nil, NewQueueError(ErrCodeInvalidValue, "nil kernel")
	}
	if workDim < 1 || workDim > 3 || len(global) < workDim {
		return nil, NewQueueError(ErrCodeInvalidValue, "invalid work dimensions").
			WithContext("work_dim", workDim).
			WithContext("sizes", len(global))
	}
	nd := &ndrange{kernel: kernel, global: [3]uint32{1, 1, 1}}
	copy(nd.global[:], global[:workDim])

	ev := q.newEvent(CommandNDRangeKernel)
	ev.ndrange = nd
	return q.enqueue(ev)
}

// Flush is a no-op; the dispatcher already submits commands as they arrive
func (q *CommandQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return NewQueueError(ErrCodeQueueClosed, "flush on closed queue")
	}
	return nil
}

// Finish blocks until every command enqueued so far has completed
func (q *CommandQueue) Finish(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Pending returns the number of queued or in-flight commands
func (q *CommandQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Retained returns the number of completed events not yet expired
func (q *CommandQueue) Retained() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retained)
}

// Close drains outstanding commands, stops the dispatcher and releases the
// device for another queue
func (q *CommandQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.exited
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.exited
	q.cancel()
	err := q.ex.close()
	q.device.release()
	q.logger.Info("Command queue closed")
	return err
}

func (q *CommandQueue) run() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.mu.Unlock()

		err := q.dispatch(ev)
		now := q.cfg.Now()
		ev.complete(err, now)
		q.cfg.Metrics.CommandDone(ev.typ.String(), err)
		if err != nil {
			q.logger.Warn("Command failed", utils.String("command", ev.typ.String()), utils.String("id", utils.ShortID(ev.id)), utils.Err(err))
		}

		q.mu.Lock()
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.retained = append(q.retained, ev)
		q.evictLocked(now)
		q.cfg.Metrics.SetDepth(len(q.pending))
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// evictLocked drops completed events older than the expiry
func (q *CommandQueue) evictLocked(now time.Time) {
	keep := q.retained[:0]
	for _, ev := range q.retained {
		if now.Sub(ev.CompletedAt()) < q.cfg.EventExpiry {
			keep = append(keep, ev)
		}
	}
	for i := len(keep); i < len(q.retained); i++ {
		q.retained[i] = nil
	}
	q.retained = keep
}

func (q *CommandQueue) dispatch(ev *Event) error {
	switch ev.typ {
	case CommandWriteBuffer:
		for _, req := range ev.requests {
			if err := q.expectAck(req); err != nil {
				return err
			}
		}
		return nil

	case CommandReadBuffer, CommandMapBuffer:
		pos := 0
		for _, req := range ev.requests {
			n, err := q.read(req, ev.sink[pos:])
			if err != nil {
				return err
			}
			pos += n
		}
		return nil

	case CommandNDRangeKernel:
		return q.runNDRange(ev.ndrange)

	case CommandUnmapBuffer, CommandBarrier:
		return nil
	}
	return NewQueueError(ErrCodeInvalidValue, "unknown command type").WithContext("type", int(ev.typ))
}

func (q *CommandQueue) expectAck(req protocol.Packet) error {
	return q.expectAckTimeout(req, q.cfg.ExchangeTimeout)
}

func (q *CommandQueue) expectAckTimeout(req protocol.Packet, timeout time.Duration) error {
	rsp, err := q.ex.roundTripTimeout(q.ctx, req, timeout)
	if err != nil {
		return err
	}
	switch rsp.Command {
	case protocol.CmdAck:
		return nil
	case protocol.CmdNak:
		return NewQueueError(ErrCodeDeviceNak, "device rejected "+req.Command.String())
	}
	return NewQueueError(ErrCodeProtocol, "unexpected response").
		WithContext("request", req.Command.String()).
		WithContext("response", rsp.Command.String())
}

func (q *CommandQueue) read(req protocol.Packet, dst []byte) (int, error) {
	rsp, err := q.ex.roundTrip(q.ctx, req)
	if err != nil {
		return 0, err
	}
	want := req.Mem()
	switch rsp.Command {
	case protocol.CmdMemReadRsp:
	case protocol.CmdNak:
		return 0, NewQueueError(ErrCodeDeviceNak, "device rejected read").
			WithContext("offset", want.Offset).
			WithContext("length", want.AccessLength)
	default:
		return 0, NewQueueError(ErrCodeProtocol, "unexpected response to read").WithContext("response", rsp.Command.String())
	}

	got := rsp.Mem()
	if got == nil || got.Offset != want.Offset || got.AccessLength != want.AccessLength {
		return 0, NewQueueError(ErrCodeProtocol, "read response does not match request")
	}
	return copy(dst, got.Data), nil
}
