package host

import (
	"sync"

	"github.com/jackyluk/genericOCL/internal/compiler"
)

const MaxKernelArgs = 32

type boundArg struct {
	size   uint32
	offset uint32
	// buffer args carry their real device offset, plain args are packed
	buffer bool
}

// Kernel is a named kernel source plus its argument layout. A kernel is "new"
// until its current layout has been compiled and transferred to the device.
type Kernel struct {
	name   string
	source []byte

	mu      sync.Mutex
	args    []boundArg
	version uint64
	isNew   bool
}

// NewKernel wraps source; name is the kernel function the wrapper calls
func NewKernel(name string, source []byte) *Kernel {
	return &Kernel{
		name:   name,
		source: append([]byte(nil), source...),
		isNew:  true,
	}
}

// Name returns the kernel function name
func (k *Kernel) Name() string { return k.name }

// SetArg binds argument index to size bytes. Plain arguments are laid out
// back to back in index order starting at offset zero.
func (k *Kernel) SetArg(index int, size uint32) error {
	return k.setArg(index, boundArg{size: size})
}

// SetArgBuffer binds argument index to buf at the buffer's device offset
func (k *Kernel) SetArgBuffer(index int, buf *Buffer) error {
	if buf == nil {
		return NewQueueError(ErrCodeInvalidValue, "nil buffer argument")
	}
	return k.setArg(index, boundArg{size: buf.Size(), offset: buf.Offset(), buffer: true})
}

func (k *Kernel) setArg(index int, arg boundArg) error {
	if index < 0 || index >= MaxKernelArgs {
		return NewQueueError(ErrCodeInvalidValue, "kernel argument index out of range").WithContext("index", index)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for len(k.args) <= index {
		k.args = append(k.args, boundArg{})
	}
	k.args[index] = arg
	k.version++
	k.isNew = true
	return nil
}

// Args returns the resolved argument layout
func (k *Kernel) Args() []compiler.Arg {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.layoutLocked()
}

func (k *Kernel) layoutLocked() []compiler.Arg {
	out := make([]compiler.Arg, len(k.args))
	var packed uint32
	for i, a := range k.args {
		if a.buffer {
			out[i] = compiler.Arg{Offset: a.offset, Size: a.size}
		} else {
			out[i] = compiler.Arg{Offset: packed, Size: a.size}
		}
		packed += a.size
	}
	return out
}

// ArgLayout renders the layout as "offset size" lines
func (k *Kernel) ArgLayout() string {
	return compiler.ArgLayout(k.Args())
}

// IsNew reports whether the current layout still has to reach the device
func (k *Kernel) IsNew() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.isNew
}

// snapshot captures what a compile needs under one lock
func (k *Kernel) snapshot() (args []compiler.Arg, version uint64, isNew bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.layoutLocked(), k.version, k.isNew
}

// markLoaded clears the new flag if the layout has not changed since version
func (k *Kernel) markLoaded(version uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.version == version {
		k.isNew = false
	}
}
