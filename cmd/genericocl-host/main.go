package main

import (
	"context"
	_ "embed"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackyluk/genericOCL/internal/compiler"
	"github.com/jackyluk/genericOCL/internal/config"
	"github.com/jackyluk/genericOCL/internal/host"
	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
)

//go:embed vadd.wat
var vaddSource []byte

func main() {
	configPath := flag.String("config", "", "host config file (yaml)")
	deviceAddr := flag.String("device", "", "override the device endpoint")
	n := flag.Int("n", 1024, "vector length")
	flag.Parse()

	cfg, err := config.LoadHostConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "genericocl-host:", err)
		os.Exit(2)
	}
	if *deviceAddr != "" {
		cfg.Device = *deviceAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "genericocl-host:", err)
		os.Exit(2)
	}
	if *n <= 0 {
		fmt.Fprintln(os.Stderr, "genericocl-host: -n must be positive")
		os.Exit(2)
	}

	level, _ := utils.ParseLevel(cfg.LogLevel)
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  "host",
		Output:     os.Stdout,
		Colorize:   utils.IsTerminal(os.Stdout),
		TimeFormat: "15:04:05.000",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, uint32(*n), logger); err != nil {
		logger.Error("Vector add failed", utils.String("code", host.Code(err)), utils.Err(err))
		os.Exit(1)
	}
}

func newCompiler(cfg config.HostConfig, logger *utils.Logger) (compiler.Compiler, error) {
	var inner compiler.Compiler = compiler.WATCompiler{}
	if cfg.Compiler.Kind == config.CompilerCommand {
		inner = &compiler.CommandCompiler{Command: cfg.Compiler.Command, Output: cfg.Compiler.Output}
	}
	return compiler.NewCache(inner, cfg.Compiler.CacheDir, logger.Component("compiler"))
}

func run(ctx context.Context, cfg config.HostConfig, n uint32, logger *utils.Logger) error {
	devCfg, err := cfg.DeviceHandle()
	if err != nil {
		return err
	}
	devCfg.Logger = logger
	dev := host.NewDevice(devCfg)

	comp, err := newCompiler(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	qcfg := cfg.QueueConfig()
	qcfg.Compiler = comp
	qcfg.Logger = logger.Component("queue")
	qcfg.Metrics = metrics.NewQueue(reg)

	shutdown := utils.NewGracefulShutdown(10*time.Second, logger.Component("shutdown"))
	defer func() { _ = shutdown.Shutdown(context.Background()) }()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server failed", utils.Err(err))
			}
		}()
		shutdown.Register("metrics", httpSrv.Shutdown)
	}

	queue, err := host.NewCommandQueue(ctx, dev, qcfg)
	if err != nil {
		return err
	}
	shutdown.Register("queue", func(context.Context) error { return queue.Close() })

	mem := host.NewContext(dev)
	size := 4 * n
	a, err := mem.CreateBuffer(size)
	if err != nil {
		return err
	}
	b, err := mem.CreateBuffer(size)
	if err != nil {
		return err
	}
	c, err := mem.CreateBuffer(size)
	if err != nil {
		return err
	}

	kernel := host.NewKernel("vadd", vaddSource)
	for i, buf := range []*host.Buffer{a, b, c} {
		if err := kernel.SetArgBuffer(i, buf); err != nil {
			return err
		}
	}

	av := make([]byte, size)
	bv := make([]byte, size)
	for i := uint32(0); i < n; i++ {
		binary.LittleEndian.PutUint32(av[4*i:], i)
		binary.LittleEndian.PutUint32(bv[4*i:], 2*i)
	}

	start := time.Now()
	if _, err := queue.EnqueueWriteBuffer(a, 0, av); err != nil {
		return err
	}
	if _, err := queue.EnqueueWriteBuffer(b, 0, bv); err != nil {
		return err
	}
	nd, err := queue.EnqueueNDRangeKernel(kernel, 1, []uint32{n})
	if err != nil {
		return err
	}
	out, read, err := queue.EnqueueMapBuffer(ctx, c, 0, size, true)
	if err != nil {
		return err
	}
	if err := nd.Err(); err != nil {
		return err
	}
	if err := read.Err(); err != nil {
		return err
	}
	if _, err := queue.EnqueueUnmapBuffer(c, out); err != nil {
		return err
	}
	if err := queue.Finish(ctx); err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		if got, want := binary.LittleEndian.Uint32(out[4*i:]), 3*i; got != want {
			return fmt.Errorf("element %d: got %d want %d", i, got, want)
		}
	}
	logger.Info("Vector add verified",
		utils.Int("elements", int(n)),
		utils.Duration("elapsed", time.Since(start)),
		utils.String("device", dev.Endpoint().String()),
	)
	return nil
}
