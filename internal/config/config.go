// Package config loads the YAML configuration of the device daemon and the
// host tools. Files are overlaid on the defaults, so a file only needs the
// keys it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/jackyluk/genericOCL/internal/device"
	"github.com/jackyluk/genericOCL/internal/host"
	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/transport"
	"github.com/jackyluk/genericOCL/internal/utils"
	"gopkg.in/yaml.v3"
)

// Kernel loaders understood by the device
const (
	LoaderWasm    = "wasm"
	LoaderBuiltin = "builtin"
)

// Compilers understood by the host
const (
	CompilerWAT     = "wat"
	CompilerCommand = "command"
)

// DeviceConfig configures genericocl-device
type DeviceConfig struct {
	Listen       string `yaml:"listen"`
	MemorySize   int    `yaml:"memory_size"`
	ComputeUnits int    `yaml:"compute_units"`
	UnitPolicy   string `yaml:"unit_policy"`

	Kernel struct {
		Path   string `yaml:"path"`
		Loader string `yaml:"loader"`
		Entry  string `yaml:"entry"`
		// Deadline bounds one NDRange, zero waits forever
		Deadline time.Duration `yaml:"deadline"`
	} `yaml:"kernel"`

	Link struct {
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		AcceptRate     int           `yaml:"accept_rate"`
		AcceptBurst    int           `yaml:"accept_burst"`
		MaxConnections int           `yaml:"max_connections"`
		IdentityPath   string        `yaml:"identity_path"`
		// RetryDelay is the pause before listening again after the listener fails
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"link"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultDeviceConfig returns production defaults
func DefaultDeviceConfig() DeviceConfig {
	config := DeviceConfig{
		Listen:       "/ip4/0.0.0.0/tcp/5000",
		MemorySize:   device.DefaultMemorySize,
		ComputeUnits: compute.DefaultPoolSize,
		UnitPolicy:   string(compute.PolicyPersistent),
		MetricsAddr:  ":9105",
		LogLevel:     "info",
	}

	config.Kernel.Path = "kernel.wasm"
	config.Kernel.Loader = LoaderWasm
	config.Kernel.Entry = "kernel_wrapper"

	server := device.DefaultServerConfig()
	config.Link.AcceptRate = server.AcceptRate
	config.Link.AcceptBurst = server.AcceptBurst
	config.Link.MaxConnections = 1
	config.Link.RetryDelay = time.Second

	return config
}

// LoadDeviceConfig reads path over the defaults. An empty path yields the
// defaults.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	config := DefaultDeviceConfig()
	if err := load(path, &config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// Validate reports every invalid setting at once
func (c DeviceConfig) Validate() error {
	var errs []error
	if _, err := transport.ParseEndpoint(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.MemorySize <= 0 {
		errs = append(errs, errors.New("memory_size must be positive"))
	}
	if c.ComputeUnits <= 0 {
		errs = append(errs, errors.New("compute_units must be positive"))
	}
	switch compute.Policy(c.UnitPolicy) {
	case compute.PolicyPersistent, compute.PolicySpawn:
	default:
		errs = append(errs, fmt.Errorf("unit_policy %q: want persistent or spawn", c.UnitPolicy))
	}
	if c.Kernel.Path == "" {
		errs = append(errs, errors.New("kernel.path is required"))
	}
	switch c.Kernel.Loader {
	case LoaderWasm:
		if c.Kernel.Entry == "" {
			errs = append(errs, errors.New("kernel.entry is required for the wasm loader"))
		}
	case LoaderBuiltin:
	default:
		errs = append(errs, fmt.Errorf("kernel.loader %q: want wasm or builtin", c.Kernel.Loader))
	}
	if c.Kernel.Deadline < 0 {
		errs = append(errs, errors.New("kernel.deadline must not be negative"))
	}
	if c.Link.AcceptRate < 0 || c.Link.AcceptBurst < 0 {
		errs = append(errs, errors.New("link accept limits must not be negative"))
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Endpoint returns the parsed listen address
func (c DeviceConfig) Endpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.Listen)
}

// Scheduler returns the compute pool settings
func (c DeviceConfig) Scheduler() compute.SchedulerConfig {
	return compute.SchedulerConfig{
		PoolSize: c.ComputeUnits,
		Policy:   compute.Policy(c.UnitPolicy),
		Deadline: c.Kernel.Deadline,
	}
}

// Server returns the control link settings
func (c DeviceConfig) Server() device.ServerConfig {
	return device.ServerConfig{
		IdleTimeout: c.Link.IdleTimeout,
		AcceptRate:  c.Link.AcceptRate,
		AcceptBurst: c.Link.AcceptBurst,
	}
}

// Transport returns the listener options
func (c DeviceConfig) Transport() transport.Options {
	return transport.Options{MaxConnections: c.Link.MaxConnections, IdentityPath: c.Link.IdentityPath}
}

// HostConfig configures host tools that drive a device
type HostConfig struct {
	Device       string `yaml:"device"`
	MemorySize   uint32 `yaml:"memory_size"`
	IdentityPath string `yaml:"identity_path"`

	Queue struct {
		ChunkSize        int           `yaml:"chunk_size"`
		ExchangeTimeout  time.Duration `yaml:"exchange_timeout"`
		KernelTimeout    time.Duration `yaml:"kernel_timeout"`
		EventExpiry      time.Duration `yaml:"event_expiry"`
		FailureThreshold uint32        `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"queue"`

	Compiler struct {
		Kind string `yaml:"kind"`
		// Command is the argv of an external compiler, each element a template
		Command  []string `yaml:"command"`
		Output   string   `yaml:"output"`
		CacheDir string   `yaml:"cache_dir"`
	} `yaml:"compiler"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultHostConfig returns production defaults
func DefaultHostConfig() HostConfig {
	config := HostConfig{
		Device:     "/ip4/127.0.0.1/tcp/5000",
		MemorySize: host.DefaultMemorySize,
		LogLevel:   "info",
	}

	queue := host.DefaultQueueConfig()
	config.Queue.ChunkSize = queue.ChunkSize
	config.Queue.ExchangeTimeout = queue.ExchangeTimeout
	config.Queue.KernelTimeout = queue.KernelTimeout
	config.Queue.EventExpiry = queue.EventExpiry
	config.Queue.FailureThreshold = queue.Breaker.FailureThreshold
	config.Queue.OpenTimeout = queue.Breaker.OpenTimeout

	config.Compiler.Kind = CompilerWAT
	return config
}

// LoadHostConfig reads path over the defaults. An empty path yields the
// defaults.
func LoadHostConfig(path string) (HostConfig, error) {
	config := DefaultHostConfig()
	if err := load(path, &config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// Validate reports every invalid setting at once
func (c HostConfig) Validate() error {
	var errs []error
	if _, err := transport.ParseEndpoint(c.Device); err != nil {
		errs = append(errs, fmt.Errorf("device: %w", err))
	}
	if c.MemorySize == 0 {
		errs = append(errs, errors.New("memory_size must be positive"))
	}
	if c.Queue.ChunkSize <= 0 || c.Queue.ChunkSize > protocol.MaxKernelData {
		errs = append(errs, fmt.Errorf("queue.chunk_size must be in 1..%d", protocol.MaxKernelData))
	}
	if c.Queue.ExchangeTimeout <= 0 || c.Queue.KernelTimeout <= 0 {
		errs = append(errs, errors.New("queue timeouts must be positive"))
	}
	if c.Queue.EventExpiry <= 0 {
		errs = append(errs, errors.New("queue.event_expiry must be positive"))
	}
	switch c.Compiler.Kind {
	case CompilerWAT:
	case CompilerCommand:
		if len(c.Compiler.Command) == 0 || c.Compiler.Output == "" {
			errs = append(errs, errors.New("compiler.command and compiler.output are required for the command compiler"))
		}
	default:
		errs = append(errs, fmt.Errorf("compiler.kind %q: want wat or command", c.Compiler.Kind))
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Endpoint returns the parsed device address
func (c HostConfig) Endpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.Device)
}

// DeviceHandle returns the settings for host.NewDevice
func (c HostConfig) DeviceHandle() (host.DeviceConfig, error) {
	ep, err := c.Endpoint()
	if err != nil {
		return host.DeviceConfig{}, err
	}
	return host.DeviceConfig{
		Endpoint:   ep,
		Transport:  transport.Options{IdentityPath: c.IdentityPath},
		MemorySize: c.MemorySize,
	}, nil
}

// QueueConfig returns the queue settings. Compiler, logger and metrics are
// left for the caller.
func (c HostConfig) QueueConfig() host.QueueConfig {
	return host.QueueConfig{
		ExchangeTimeout: c.Queue.ExchangeTimeout,
		KernelTimeout:   c.Queue.KernelTimeout,
		EventExpiry:     c.Queue.EventExpiry,
		ChunkSize:       c.Queue.ChunkSize,
		Breaker: host.BreakerConfig{
			FailureThreshold: c.Queue.FailureThreshold,
			OpenTimeout:      c.Queue.OpenTimeout,
		},
	}
}

func load(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
