package main

import (
	"github.com/jackyluk/genericOCL/internal/compute"
)

// builtinKernels are diagnostics for hosts that cannot compile. The host
// uploads the kernel name as the artifact.
func builtinKernels() *compute.FuncLoader {
	loader := compute.NewFuncLoader()

	loader.Register("noop", func(int, int, int, compute.Memory) error { return nil })

	// iota writes each work item's x index to the 32-bit word at 4*x
	loader.Register("iota", func(x, _, _ int, mem compute.Memory) error {
		return mem.Store32(uint32(4*x), uint32(x))
	})

	// vadd sums the first third of memory with the second third into the last,
	// one 32-bit word per work item
	loader.Register("vadd", func(x, _, _ int, mem compute.Memory) error {
		third := uint32(mem.Size()/12) * 4
		off := uint32(4 * x)
		a, err := mem.Load32(off)
		if err != nil {
			return err
		}
		b, err := mem.Load32(third + off)
		if err != nil {
			return err
		}
		return mem.Store32(2*third+off, a+b)
	})

	return loader
}
