// Package compute runs loaded kernels across a three-dimensional work space
// using a fixed pool of execution units.
package compute

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKernelLoad   = errors.New("compute: kernel load failed")
	ErrNoKernel     = errors.New("compute: no kernel assigned")
	ErrKernelPanic  = errors.New("compute: kernel panicked")
	ErrKernelFailed = errors.New("compute: kernel invocation failed")
	ErrUnitBusy     = errors.New("compute: unit busy")
	ErrUnitClosed   = errors.New("compute: unit closed")
)

// Memory is the device memory region as seen by a running kernel. Offsets are
// relative to the start of the region and every access is bounds checked.
type Memory interface {
	Size() int
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Load8(addr uint32) (uint8, error)
	Store8(addr uint32, v uint8) error
	Load32(addr uint32) (uint32, error)
	Store32(addr uint32, v uint32) error
}

// Kernel is a loaded, invocable kernel entry point. Invoke is called for a
// single work item at a time per Kernel value.
type Kernel interface {
	Invoke(x, y, z int, mem Memory) error
	Close() error
}

// KernelLoader turns a kernel artifact on disk into an invocable Kernel
type KernelLoader interface {
	Load(artifactPath string) (Kernel, error)
}

// KernelFunc is an in-process kernel body
type KernelFunc func(x, y, z int, mem Memory) error

// Invoke implements Kernel
func (f KernelFunc) Invoke(x, y, z int, mem Memory) error { return f(x, y, z, mem) }

// Close implements Kernel
func (f KernelFunc) Close() error { return nil }

// FuncLoader resolves artifacts against a registry of in-process kernels. The
// artifact file holds the registered name.
type FuncLoader struct {
	mu      sync.RWMutex
	kernels map[string]KernelFunc
}

// NewFuncLoader returns an empty registry
func NewFuncLoader() *FuncLoader {
	return &FuncLoader{kernels: make(map[string]KernelFunc)}
}

// Register binds name to fn, replacing any earlier binding
func (l *FuncLoader) Register(name string, fn KernelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kernels[name] = fn
}

// Names lists registered kernels
func (l *FuncLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.kernels))
	for name := range l.kernels {
		names = append(names, name)
	}
	return names
}

// Load implements KernelLoader
func (l *FuncLoader) Load(artifactPath string) (Kernel, error) {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelLoad, err)
	}
	name := string(bytes.TrimSpace(raw))

	l.mu.RLock()
	fn, ok := l.kernels[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no kernel registered as %q", ErrKernelLoad, name)
	}
	return fn, nil
}

// invoke runs one work item and converts a panic into an error
func invoke(k Kernel, x, y, z int, mem Memory) (err error) {
	if k == nil {
		return ErrNoKernel
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w at (%d,%d,%d): %v", ErrKernelPanic, x, y, z, r)
		}
	}()
	if err := k.Invoke(x, y, z, mem); err != nil {
		return fmt.Errorf("%w at (%d,%d,%d): %v", ErrKernelFailed, x, y, z, err)
	}
	return nil
}
