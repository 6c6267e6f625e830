// Package wasm loads WebAssembly kernel artifacts and exposes them to the
// execution pool. A kernel module exports
//
//	kernel_wrapper(x, y, z i32)
//
// and reaches device memory through host functions imported from "env":
//
//	mem_load8(addr i32) i32        mem_store8(addr, v i32)
//	mem_load32(addr i32) i32       mem_store32(addr, v i32)
//	mem_size() i32
//
// Addresses are byte offsets into the device memory region; words are little
// endian.
package wasm

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/wasmerio/wasmer-go/wasmer"
)

const (
	// DefaultEntry is the exported function called once per work item
	DefaultEntry = "kernel_wrapper"
	importModule = "env"
)

var errNoMemory = errors.New("wasm: kernel invoked without device memory")

// Loader compiles artifacts with a shared engine. Every Load produces an
// independent store and instance so units never share wasm state.
type Loader struct {
	engine *wasmer.Engine
	entry  string
}

// NewLoader returns a loader calling entry, DefaultEntry when empty
func NewLoader(entry string) *Loader {
	if entry == "" {
		entry = DefaultEntry
	}
	return &Loader{engine: wasmer.NewEngine(), entry: entry}
}

// Load implements compute.KernelLoader
func (l *Loader) Load(artifactPath string) (compute.Kernel, error) {
	wasmBytes, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compute.ErrKernelLoad, err)
	}
	return l.LoadBytes(wasmBytes)
}

// LoadBytes instantiates a kernel from an in-memory module
func (l *Loader) LoadBytes(wasmBytes []byte) (*Kernel, error) {
	store := wasmer.NewStore(l.engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", compute.ErrKernelLoad, err)
	}

	k := &Kernel{store: store}
	instance, err := wasmer.NewInstance(module, k.imports(store))
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", compute.ErrKernelLoad, err)
	}
	entry, err := instance.Exports.GetFunction(l.entry)
	if err != nil {
		return nil, fmt.Errorf("%w: export %q: %v", compute.ErrKernelLoad, l.entry, err)
	}
	k.instance = instance
	k.entry = entry
	return k, nil
}

// Kernel is one instantiated module. It is not safe for concurrent Invoke.
type Kernel struct {
	store    *wasmer.Store
	instance *wasmer.Instance
	entry    wasmer.NativeFunction
	mem      compute.Memory
}

// Invoke implements compute.Kernel
func (k *Kernel) Invoke(x, y, z int, mem compute.Memory) error {
	k.mem = mem
	defer func() { k.mem = nil }()

	if _, err := k.entry(int32(x), int32(y), int32(z)); err != nil {
		return fmt.Errorf("wasm trap: %w", err)
	}
	return nil
}

// Close drops the instance. The runtime frees it once unreachable.
func (k *Kernel) Close() error {
	k.entry = nil
	k.instance = nil
	k.store = nil
	return nil
}

func (k *Kernel) memory() (compute.Memory, error) {
	if k.mem == nil {
		return nil, errNoMemory
	}
	return k.mem, nil
}

func (k *Kernel) imports(store *wasmer.Store) *wasmer.ImportObject {
	i32 := wasmer.NewValueTypes(wasmer.I32)
	i32i32 := wasmer.NewValueTypes(wasmer.I32, wasmer.I32)
	none := wasmer.NewValueTypes()

	loadFn := func(width int) *wasmer.Function {
		return wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32), func(args []wasmer.Value) ([]wasmer.Value, error) {
			mem, err := k.memory()
			if err != nil {
				return nil, err
			}
			addr := uint32(args[0].I32())
			var v uint32
			if width == 1 {
				b, err := mem.Load8(addr)
				if err != nil {
					return nil, err
				}
				v = uint32(b)
			} else {
				if v, err = mem.Load32(addr); err != nil {
					return nil, err
				}
			}
			return []wasmer.Value{wasmer.NewI32(int32(v))}, nil
		})
	}

	storeFn := func(width int) *wasmer.Function {
		return wasmer.NewFunction(store, wasmer.NewFunctionType(i32i32, none), func(args []wasmer.Value) ([]wasmer.Value, error) {
			mem, err := k.memory()
			if err != nil {
				return nil, err
			}
			addr := uint32(args[0].I32())
			v := uint32(args[1].I32())
			if width == 1 {
				err = mem.Store8(addr, uint8(v))
			} else {
				err = mem.Store32(addr, v)
			}
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{}, nil
		})
	}

	size := wasmer.NewFunction(store, wasmer.NewFunctionType(none, i32), func([]wasmer.Value) ([]wasmer.Value, error) {
		mem, err := k.memory()
		if err != nil {
			return nil, err
		}
		return []wasmer.Value{wasmer.NewI32(int32(mem.Size()))}, nil
	})

	imports := wasmer.NewImportObject()
	imports.Register(importModule, map[string]wasmer.IntoExtern{
		"mem_load8":   loadFn(1),
		"mem_load32":  loadFn(4),
		"mem_store8":  storeFn(1),
		"mem_store32": storeFn(4),
		"mem_size":    size,
	})
	return imports
}

// Compile turns WebAssembly text into a binary module
func Compile(wat string) ([]byte, error) {
	return wasmer.Wat2Wasm(wat)
}
