package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackyluk/genericOCL/internal/compute"
	"github.com/jackyluk/genericOCL/internal/device"
	"github.com/jackyluk/genericOCL/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vecAdd computes c[x] = a[x] + b[x] over 32-bit words at fixed offsets.
const vecAdd = `
(module
  (import "env" "mem_load32" (func $load (param i32) (result i32)))
  (import "env" "mem_store32" (func $store (param i32 i32)))
  (func (export "kernel_wrapper") (param $x i32) (param $y i32) (param $z i32)
    (local $off i32)
    (local.set $off (i32.mul (local.get $x) (i32.const 4)))
    (call $store
      (i32.add (i32.const 128) (local.get $off))
      (i32.add
        (call $load (local.get $off))
        (call $load (i32.add (i32.const 64) (local.get $off)))))))
`

const outOfBounds = `
(module
  (import "env" "mem_size" (func $size (result i32)))
  (import "env" "mem_store8" (func $store8 (param i32 i32)))
  (func (export "kernel_wrapper") (param i32 i32 i32)
    (call $store8 (call $size) (i32.const 1))))
`

func compileTo(t *testing.T, wat string) string {
	t.Helper()
	bin, err := Compile(wat)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "kernel.wasm")
	require.NoError(t, os.WriteFile(path, bin, 0o644))
	return path
}

func TestKernelInvoke(t *testing.T) {
	mem := device.NewMemoryRegion(256)
	for i := uint32(0); i < 16; i++ {
		require.NoError(t, mem.Store32(i*4, i))
		require.NoError(t, mem.Store32(64+i*4, 100*i))
	}

	k, err := NewLoader("").Load(compileTo(t, vecAdd))
	require.NoError(t, err)
	defer k.Close()

	for x := 0; x < 16; x++ {
		require.NoError(t, k.Invoke(x, 0, 0, mem))
	}
	for i := uint32(0); i < 16; i++ {
		v, err := mem.Load32(128 + i*4)
		require.NoError(t, err)
		assert.Equal(t, 101*i, v)
	}
}

func TestKernelTrapsOnOutOfRangeAccess(t *testing.T) {
	k, err := NewLoader("").Load(compileTo(t, outOfBounds))
	require.NoError(t, err)

	err = k.Invoke(0, 0, 0, device.NewMemoryRegion(16))
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	l := NewLoader("")

	_, err := l.Load(filepath.Join(t.TempDir(), "missing.wasm"))
	assert.ErrorIs(t, err, compute.ErrKernelLoad)

	_, err = l.LoadBytes([]byte("not wasm"))
	assert.ErrorIs(t, err, compute.ErrKernelLoad)

	_, err = NewLoader("other_entry").Load(compileTo(t, vecAdd))
	assert.ErrorIs(t, err, compute.ErrKernelLoad)
}

func TestSchedulerRunsWasmKernel(t *testing.T) {
	mem := device.NewMemoryRegion(256)
	for i := uint32(0); i < 16; i++ {
		require.NoError(t, mem.Store32(i*4, 2*i))
		require.NoError(t, mem.Store32(64+i*4, 3*i))
	}

	s, err := compute.NewScheduler(compute.SchedulerConfig{PoolSize: 4, Logger: utils.NopLogger()}, NewLoader(""), mem)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AddWork(context.Background(), compute.Job{ArtifactPath: compileTo(t, vecAdd), Generation: 1, X: 16, Y: 1, Z: 1})
	require.NoError(t, err)

	for i := uint32(0); i < 16; i++ {
		v, err := mem.Load32(128 + i*4)
		require.NoError(t, err)
		assert.Equal(t, 5*i, v)
	}
}
