package host

import (
	"sync"
)

// Context hands out non-overlapping regions of one device's memory. Space is
// never reclaimed; a fresh Context starts again at offset zero.
type Context struct {
	device *Device

	mu   sync.Mutex
	next uint32
}

// NewContext returns an allocator over dev's memory
func NewContext(dev *Device) *Context {
	return &Context{device: dev}
}

// Device returns the device the context allocates on
func (c *Context) Device() *Device { return c.device }

// Allocated returns the number of bytes handed out so far
func (c *Context) Allocated() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// CreateBuffer reserves size bytes at the next free offset
func (c *Context) CreateBuffer(size uint32) (*Buffer, error) {
	if size == 0 {
		return nil, NewQueueError(ErrCodeInvalidValue, "buffer size must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	limit := uint64(c.device.MemorySize())
	if uint64(c.next)+uint64(size) > limit {
		return nil, NewQueueError(ErrCodeOutOfResources, "device memory exhausted").
			WithContext("requested", size).
			WithContext("allocated", c.next).
			WithContext("capacity", limit)
	}
	b := &Buffer{ctx: c, offset: c.next, size: size}
	c.next += size
	return b, nil
}

// Buffer is a region of device memory
type Buffer struct {
	ctx    *Context
	offset uint32
	size   uint32
}

// Offset is the buffer's position in device memory
func (b *Buffer) Offset() uint32 { return b.offset }

// Size is the buffer length in bytes
func (b *Buffer) Size() uint32 { return b.size }

// span validates a sub-range and returns its absolute device offset
func (b *Buffer) span(offset, length uint32) (uint32, error) {
	if b == nil {
		return 0, NewQueueError(ErrCodeInvalidValue, "nil buffer")
	}
	if uint64(offset)+uint64(length) > uint64(b.size) {
		return 0, NewQueueError(ErrCodeInvalidValue, "range outside buffer").
			WithContext("offset", offset).
			WithContext("length", length).
			WithContext("size", b.size)
	}
	return b.offset + offset, nil
}
