package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/jackyluk/genericOCL/internal/config"
	"github.com/jackyluk/genericOCL/internal/device"
	"github.com/jackyluk/genericOCL/internal/metrics"
	"github.com/jackyluk/genericOCL/internal/transport"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/jackyluk/genericOCL/wasm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "device config file (yaml)")
	listen := flag.String("listen", "", "override the listen endpoint")
	logLevel := flag.String("log-level", "", "override the log level")
	flag.Parse()

	cfg, err := config.LoadDeviceConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "genericocl-device:", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "genericocl-device:", err)
		os.Exit(2)
	}

	level, _ := utils.ParseLevel(cfg.LogLevel)
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  "device",
		Output:     os.Stdout,
		Colorize:   utils.IsTerminal(os.Stdout),
		TimeFormat: "15:04:05.000",
	})
	utils.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Device stopped", utils.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.DeviceConfig, logger *utils.Logger) error {
	ep, err := cfg.Endpoint()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched := cfg.Scheduler()
	sched.Logger = logger.Component("scheduler")
	dev, err := device.New(device.Options{
		MemorySize:   cfg.MemorySize,
		ArtifactPath: cfg.Kernel.Path,
		Scheduler:    sched,
		Loader:       kernelLoader(cfg, logger),
		Logger:       logger,
		Registerer:   reg,
	})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	srv, err := device.NewServer(dev, cfg.Server())
	if err != nil {
		_ = dev.Close()
		return err
	}

	shutdown := utils.NewGracefulShutdown(10*time.Second, logger.Component("shutdown"))
	shutdown.Register("device", func(context.Context) error { return dev.Close() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveForever(gctx, srv, ep, cfg, logger)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics", utils.String("addr", cfg.MetricsAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	logger.Info("Device ready",
		utils.String("listen", ep.String()),
		utils.Int("memory", cfg.MemorySize),
		utils.Int("units", cfg.ComputeUnits),
		utils.String("policy", cfg.UnitPolicy),
		utils.String("loader", cfg.Kernel.Loader),
	)

	// the device is closed only after the link has stopped using it
	err = g.Wait()
	return errors.Join(err, shutdown.Shutdown(context.Background()))
}

// serveForever keeps the control link up: when the listener fails it is
// reopened after a pause, until ctx ends
func serveForever(ctx context.Context, srv *device.Server, ep transport.Endpoint, cfg config.DeviceConfig, logger *utils.Logger) error {
	for {
		ln, err := transport.Listen(ep, cfg.Transport())
		if err != nil {
			logger.Warn("Listen failed", utils.String("endpoint", ep.String()), utils.Err(err))
		} else {
			if p2p, ok := ln.(*transport.P2PListener); ok {
				for _, addr := range p2p.Multiaddrs() {
					logger.Info("Reachable", utils.String("addr", addr.String()))
				}
			}
			err = srv.Serve(ctx, ln)
			_ = ln.Close()
			if err == nil {
				return nil
			}
			logger.Warn("Control link failed", utils.Err(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Link.RetryDelay):
		}
	}
}

func kernelLoader(cfg config.DeviceConfig, logger *utils.Logger) compute.KernelLoader {
	if cfg.Kernel.Loader == config.LoaderBuiltin {
		loader := builtinKernels()
		logger.Info("Using builtin kernels", utils.Any("kernels", loader.Names()))
		return loader
	}
	return wasm.NewLoader(cfg.Kernel.Entry)
}
