package host

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackyluk/genericOCL/internal/compiler"
	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/jackyluk/genericOCL/internal/device"
	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/transport"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMemory = 1 << 17

// nameCompiler emits the kernel name as the artifact, which is what the
// device's FuncLoader resolves
type nameCompiler struct {
	mu    sync.Mutex
	calls int
	last  compiler.Request
	fail  error
}

func (c *nameCompiler) Compile(_ context.Context, req compiler.Request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = req
	if c.fail != nil {
		return nil, c.fail
	}
	return []byte(req.Name), nil
}

func (c *nameCompiler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// harness runs a real device behind in-memory pipes
type harness struct {
	dev    *device.Device
	srv    *device.Server
	loader *compute.FuncLoader
	comp   *nameCompiler
	ctx    context.Context

	mu    sync.Mutex
	conns []net.Conn
	dials int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{loader: compute.NewFuncLoader(), comp: &nameCompiler{}}

	var err error
	h.dev, err = device.New(device.Options{
		MemorySize:   testMemory,
		ArtifactPath: filepath.Join(t.TempDir(), "kernel.bin"),
		Scheduler:    compute.SchedulerConfig{PoolSize: 4},
		Loader:       h.loader,
		Logger:       utils.NopLogger(),
	})
	require.NoError(t, err)
	h.srv, err = device.NewServer(h.dev, device.ServerConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	t.Cleanup(func() {
		cancel()
		h.mu.Lock()
		for _, c := range h.conns {
			_ = c.Close()
		}
		h.mu.Unlock()
		_ = h.dev.Close()
	})
	return h
}

func (h *harness) dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	h.mu.Lock()
	h.conns = append(h.conns, client, server)
	h.dials++
	h.mu.Unlock()
	go h.srv.ServeConn(h.ctx, server)
	return client, nil
}

// dropServer closes the device end of the most recent connection
func (h *harness) dropServer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conns[len(h.conns)-1].Close()
}

func (h *harness) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *harness) hostDevice(memory uint32) *Device {
	return NewDeviceWithDialer(DeviceConfig{MemorySize: memory, Logger: utils.NopLogger()}, h.dial)
}

func (h *harness) queue(t *testing.T, dev *Device) *CommandQueue {
	t.Helper()
	cfg := DefaultQueueConfig()
	cfg.Compiler = h.comp
	cfg.Logger = utils.NopLogger()
	cfg.ExchangeTimeout = 5 * time.Second
	q, err := NewCommandQueue(context.Background(), dev, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func words(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func wait(t *testing.T, ev *Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ev.Wait(ctx))
}

func finish(t *testing.T, q *CommandQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Finish(ctx))
}

// ========== SUCCESS CASES ==========

func TestVectorAdd(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	mem := NewContext(dev)

	const n = 16
	a, err := mem.CreateBuffer(4 * n)
	require.NoError(t, err)
	b, err := mem.CreateBuffer(4 * n)
	require.NoError(t, err)
	c, err := mem.CreateBuffer(4 * n)
	require.NoError(t, err)

	h.loader.Register("vadd", func(x, _, _ int, m compute.Memory) error {
		i := uint32(4 * x)
		av, err := m.Load32(a.Offset() + i)
		if err != nil {
			return err
		}
		bv, err := m.Load32(b.Offset() + i)
		if err != nil {
			return err
		}
		return m.Store32(c.Offset()+i, av+bv)
	})

	av := make([]uint32, n)
	bv := make([]uint32, n)
	for i := range av {
		av[i] = uint32(i)
		bv[i] = uint32(100 * i)
	}

	k := NewKernel("vadd", []byte("vadd source"))
	require.NoError(t, k.SetArgBuffer(0, a))
	require.NoError(t, k.SetArgBuffer(1, b))
	require.NoError(t, k.SetArgBuffer(2, c))

	_, err = q.EnqueueWriteBuffer(a, 0, words(av...))
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(b, 0, words(bv...))
	require.NoError(t, err)
	nd, err := q.EnqueueNDRangeKernel(k, 1, []uint32{n})
	require.NoError(t, err)
	out := make([]byte, 4*n)
	rd, err := q.EnqueueReadBuffer(c, 0, out)
	require.NoError(t, err)

	wait(t, rd)
	assert.Equal(t, StatusComplete, nd.Status())
	assert.NoError(t, nd.Err())
	for i := 0; i < n; i++ {
		assert.Equal(t, uint32(101*i), binary.LittleEndian.Uint32(out[4*i:]), "element %d", i)
	}
	assert.Equal(t, out, rd.Data())

	assert.Equal(t, 1, h.comp.Calls())
	assert.False(t, k.IsNew())
	assert.Equal(t, []compiler.Arg{
		{Offset: a.Offset(), Size: 4 * n},
		{Offset: b.Offset(), Size: 4 * n},
		{Offset: c.Offset(), Size: 4 * n},
	}, h.comp.last.Args)
	assert.Equal(t, uint32(n), h.comp.last.GlobalX)
	assert.Equal(t, uint32(1), h.comp.last.GlobalY)
}

func TestKernelTransferOnlyWhenChanged(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)

	h.loader.Register("noop", func(int, int, int, compute.Memory) error { return nil })
	k := NewKernel("noop", []byte("noop"))
	require.NoError(t, k.SetArg(0, 4))

	run := func(global ...uint32) {
		t.Helper()
		ev, err := q.EnqueueNDRangeKernel(k, len(global), global)
		require.NoError(t, err)
		wait(t, ev)
	}

	run(4)
	run(4)
	assert.Equal(t, 1, h.comp.Calls(), "unchanged kernel is not retransferred")

	run(8)
	assert.Equal(t, 2, h.comp.Calls(), "work size is compiled into the artifact")

	require.NoError(t, k.SetArg(1, 8))
	assert.True(t, k.IsNew())
	run(8)
	assert.Equal(t, 3, h.comp.Calls())
	assert.False(t, k.IsNew())
}

func TestWorkDimensionsDefaultToOne(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)

	var mu sync.Mutex
	seen := map[[3]int]bool{}
	h.loader.Register("grid", func(x, y, z int, _ compute.Memory) error {
		mu.Lock()
		seen[[3]int{x, y, z}] = true
		mu.Unlock()
		return nil
	})

	ev, err := q.EnqueueNDRangeKernel(NewKernel("grid", []byte("g")), 2, []uint32{3, 2, 99})
	require.NoError(t, err)
	wait(t, ev)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 6)
	assert.True(t, seen[[3]int{2, 1, 0}])
	assert.False(t, seen[[3]int{0, 0, 1}], "third dimension ignored for work_dim 2")
}

func TestLargeTransfersAreSplit(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	buf, err := NewContext(dev).CreateBuffer(100000)
	require.NoError(t, err)

	data := make([]byte, 100000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	wr, err := q.EnqueueWriteBuffer(buf, 0, data)
	require.NoError(t, err)
	assert.Len(t, wr.requests, 2)

	out := make([]byte, len(data))
	rd, err := q.EnqueueReadBuffer(buf, 0, out)
	require.NoError(t, err)
	wait(t, rd)
	assert.Equal(t, data, out)
}

func TestMapBufferBlocking(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	buf, err := NewContext(dev).CreateBuffer(16)
	require.NoError(t, err)

	_, err = q.EnqueueWriteBuffer(buf, 4, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mapped, ev, err := q.EnqueueMapBuffer(ctx, buf, 2, 8, true)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, ev.Status())
	assert.Equal(t, []byte{0, 0, 1, 2, 3, 4, 0, 0}, mapped)

	un, err := q.EnqueueUnmapBuffer(buf, mapped)
	require.NoError(t, err)
	bar, err := q.EnqueueBarrier()
	require.NoError(t, err)
	wait(t, bar)
	assert.Equal(t, StatusComplete, un.Status())
	assert.Equal(t, 0, q.Pending())
}

func TestEventsCompleteInOrder(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	buf, err := NewContext(dev).CreateBuffer(64)
	require.NoError(t, err)

	var events []*Event
	for i := 0; i < 10; i++ {
		ev, err := q.EnqueueWriteBuffer(buf, uint32(i), []byte{byte(i)})
		require.NoError(t, err)
		events = append(events, ev)
	}
	finish(t, q)

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CompletedAt().Before(events[i-1].CompletedAt()))
	}
}

func TestEventExpiry(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)

	var mu sync.Mutex
	now := time.Unix(1000, 0)
	cfg := DefaultQueueConfig()
	cfg.Compiler = h.comp
	cfg.Logger = utils.NopLogger()
	cfg.EventExpiry = time.Minute
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	q, err := NewCommandQueue(context.Background(), dev, cfg)
	require.NoError(t, err)
	defer q.Close()

	ev, err := q.EnqueueBarrier()
	require.NoError(t, err)
	wait(t, ev)
	finish(t, q)
	assert.Equal(t, 1, q.Retained())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = q.EnqueueBarrier()
	require.NoError(t, err)
	finish(t, q)
	assert.Equal(t, 1, q.Retained(), "the expired event was evicted")
}

func TestReconnectResetsDevice(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)

	h.loader.Register("noop", func(int, int, int, compute.Memory) error { return nil })
	k := NewKernel("noop", []byte("noop"))
	ev, err := q.EnqueueNDRangeKernel(k, 1, []uint32{2})
	require.NoError(t, err)
	wait(t, ev)
	require.Equal(t, 1, h.comp.Calls())

	h.dropServer()
	buf, err := NewContext(dev).CreateBuffer(4)
	require.NoError(t, err)
	lost, err := q.EnqueueWriteBuffer(buf, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = lost.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrCodeDeviceUnreachable, Code(err))

	ev, err = q.EnqueueNDRangeKernel(k, 1, []uint32{2})
	require.NoError(t, err)
	wait(t, ev)
	assert.Equal(t, 2, h.Dials())
	assert.Equal(t, 2, h.comp.Calls(), "kernel is retransferred after the device reset")
}

// ========== ERROR CASES ==========

func TestOneQueuePerDevice(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)

	_, err := NewCommandQueue(context.Background(), dev, QueueConfig{Compiler: h.comp, Logger: utils.NopLogger()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfResources))

	require.NoError(t, q.Close())
	q2, err := NewCommandQueue(context.Background(), dev, QueueConfig{Compiler: h.comp, Logger: utils.NopLogger()})
	require.NoError(t, err)
	require.NoError(t, q2.Close())
}

func TestClosedQueue(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	buf, err := NewContext(dev).CreateBuffer(4)
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err = q.EnqueueWriteBuffer(buf, 0, []byte{1})
	assert.Equal(t, ErrCodeQueueClosed, Code(err))
	_, err = q.EnqueueBarrier()
	assert.True(t, errors.Is(err, ErrQueueClosed))
	assert.Equal(t, ErrCodeQueueClosed, Code(q.Flush()))
}

func TestDialFailureReleasesDevice(t *testing.T) {
	calls := 0
	dev := NewDeviceWithDialer(DeviceConfig{Logger: utils.NopLogger()}, func(context.Context) (net.Conn, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	for i := 0; i < 2; i++ {
		_, err := NewCommandQueue(context.Background(), dev, QueueConfig{Logger: utils.NopLogger()})
		require.Error(t, err)
		assert.Equal(t, ErrCodeDeviceUnreachable, Code(err))
	}
	assert.Equal(t, 2, calls)
}

func TestInvalidArguments(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)
	buf, err := NewContext(dev).CreateBuffer(8)
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{"write past buffer", func() error { _, err := q.EnqueueWriteBuffer(buf, 4, make([]byte, 8)); return err }},
		{"read past buffer", func() error { _, err := q.EnqueueReadBuffer(buf, 9, nil); return err }},
		{"nil buffer", func() error { _, err := q.EnqueueWriteBuffer(nil, 0, []byte{1}); return err }},
		{"nil kernel", func() error { _, err := q.EnqueueNDRangeKernel(nil, 1, []uint32{1}); return err }},
		{"zero dims", func() error { _, err := q.EnqueueNDRangeKernel(NewKernel("k", nil), 0, nil); return err }},
		{"four dims", func() error {
			_, err := q.EnqueueNDRangeKernel(NewKernel("k", nil), 4, []uint32{1, 1, 1, 1})
			return err
		}},
		{"missing sizes", func() error { _, err := q.EnqueueNDRangeKernel(NewKernel("k", nil), 2, []uint32{1}); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidValue, Code(err))
		})
	}
	assert.Equal(t, 0, q.Pending())
}

func TestDeviceNakFailsOnlyThatCommand(t *testing.T) {
	h := newHarness(t)
	// the host believes the device is larger than it is
	dev := h.hostDevice(2 * testMemory)
	q := h.queue(t, dev)
	mem := NewContext(dev)

	_, err := mem.CreateBuffer(testMemory)
	require.NoError(t, err)
	outside, err := mem.CreateBuffer(16)
	require.NoError(t, err)

	bad, err := q.EnqueueWriteBuffer(outside, 0, []byte{1, 2})
	require.NoError(t, err)
	next, err := q.EnqueueBarrier()
	require.NoError(t, err)

	wait(t, next)
	assert.Equal(t, ErrCodeDeviceNak, Code(bad.Err()))
	assert.NoError(t, next.Err())
	assert.Equal(t, 1, h.Dials(), "a NAK keeps the link")
}

func TestKernelFailures(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	q := h.queue(t, dev)

	h.loader.Register("boom", func(x, _, _ int, _ compute.Memory) error {
		if x == 1 {
			return errors.New("boom")
		}
		return nil
	})

	tests := []struct {
		name   string
		kernel *Kernel
		setup  func()
		code   string
	}{
		{
			name:   "compile failure",
			kernel: NewKernel("boom", []byte("x")),
			setup:  func() { h.comp.mu.Lock(); h.comp.fail = errors.New("syntax error"); h.comp.mu.Unlock() },
			code:   ErrCodeCompileFailed,
		},
		{
			name:   "kernel error",
			kernel: NewKernel("boom", []byte("x")),
			setup:  func() { h.comp.mu.Lock(); h.comp.fail = nil; h.comp.mu.Unlock() },
			code:   ErrCodeDeviceNak,
		},
		{
			name:   "unknown kernel",
			kernel: NewKernel("missing", []byte("x")),
			setup:  func() {},
			code:   ErrCodeDeviceNak,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			ev, err := q.EnqueueNDRangeKernel(tt.kernel, 1, []uint32{4})
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = ev.Wait(ctx)
			require.Error(t, err)
			assert.Equal(t, tt.code, Code(err))
		})
	}
}

func TestBreakerOpensOnSilentDevice(t *testing.T) {
	var mu sync.Mutex
	var conns []net.Conn
	dials := 0
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	dev := NewDeviceWithDialer(DeviceConfig{Logger: utils.NopLogger()}, func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		mu.Lock()
		conns = append(conns, client, server)
		dials++
		mu.Unlock()
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return client, nil
	})

	cfg := DefaultQueueConfig()
	cfg.Logger = utils.NopLogger()
	cfg.ExchangeTimeout = 50 * time.Millisecond
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour}
	q, err := NewCommandQueue(context.Background(), dev, cfg)
	require.NoError(t, err)
	defer q.Close()

	buf, err := NewContext(dev).CreateBuffer(4)
	require.NoError(t, err)

	codes := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ev, err := q.EnqueueWriteBuffer(buf, 0, []byte{1})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = ev.Wait(ctx)
		cancel()
		codes = append(codes, Code(err))
	}

	assert.Equal(t, []string{ErrCodeExchangeTimeout, ErrCodeExchangeTimeout, ErrCodeCircuitOpen}, codes)
	mu.Lock()
	assert.Equal(t, 2, dials, "an open circuit does not redial")
	mu.Unlock()
}

func TestFinishHonoursContext(t *testing.T) {
	dev := NewDeviceWithDialer(DeviceConfig{Logger: utils.NopLogger()}, func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, server) }()
		return client, nil
	})
	cfg := DefaultQueueConfig()
	cfg.Logger = utils.NopLogger()
	cfg.ExchangeTimeout = 500 * time.Millisecond
	q, err := NewCommandQueue(context.Background(), dev, cfg)
	require.NoError(t, err)
	defer q.Close()

	buf, err := NewContext(dev).CreateBuffer(4)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(buf, 0, []byte{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Finish(ctx), context.DeadlineExceeded)
}

func TestQueueOverTCP(t *testing.T) {
	h := newHarness(t)
	ln, err := transport.ListenTCP(transport.Endpoint{Network: transport.TCP, Address: "127.0.0.1:0"}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-served)
	})

	ep, err := transport.ParseEndpoint(ln.Addr().String())
	require.NoError(t, err)
	dev := NewDevice(DeviceConfig{Endpoint: ep, MemorySize: testMemory, Logger: utils.NopLogger()})
	q := h.queue(t, dev)

	buf, err := NewContext(dev).CreateBuffer(16)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(buf, 0, []byte("over the network"))
	require.NoError(t, err)
	out := make([]byte, 16)
	rd, err := q.EnqueueReadBuffer(buf, 0, out)
	require.NoError(t, err)
	wait(t, rd)
	assert.Equal(t, "over the network", string(out))
	require.NoError(t, q.Close())
}

func TestQueueMetrics(t *testing.T) {
	h := newHarness(t)
	dev := h.hostDevice(testMemory)
	reg := prometheus.NewRegistry()
	m := metrics.NewQueue(reg)

	cfg := DefaultQueueConfig()
	cfg.Compiler = h.comp
	cfg.Logger = utils.NopLogger()
	cfg.Metrics = m
	q, err := NewCommandQueue(context.Background(), dev, cfg)
	require.NoError(t, err)
	defer q.Close()

	buf, err := NewContext(dev).CreateBuffer(8)
	require.NoError(t, err)
	_, err = q.EnqueueWriteBuffer(buf, 0, []byte{1, 2})
	require.NoError(t, err)
	_, err = q.EnqueueNDRangeKernel(NewKernel("unregistered", []byte("x")), 1, []uint32{1})
	require.NoError(t, err)
	finish(t, q)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("WRITE_BUFFER", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("NDRANGE_KERNEL", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Depth))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Exchange))
}
