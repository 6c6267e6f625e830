package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrOutOfRange is returned for any access that does not fit in the region
var ErrOutOfRange = errors.New("device: access outside memory region")

// MemoryRegion is the device's flat global memory. Host transfers and kernel
// accessors all go through its lock, one copy at a time.
type MemoryRegion struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryRegion allocates a zeroed region of size bytes
func NewMemoryRegion(size int) *MemoryRegion {
	return &MemoryRegion{data: make([]byte, size)}
}

// Size returns the region length in bytes
func (m *MemoryRegion) Size() int {
	return len(m.data)
}

func (m *MemoryRegion) check(off, n uint64) error {
	if off+n > uint64(len(m.data)) || off+n < off {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+n, len(m.data))
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off. Partial reads are not performed.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt copies p into the region at off. Partial writes are not performed.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Read returns a copy of length bytes at offset
func (m *MemoryRegion) Read(offset, length uint32) ([]byte, error) {
	out := make([]byte, length)
	if _, err := m.ReadAt(out, int64(offset)); err != nil {
		return nil, err
	}
	return out, nil
}

// Load8 reads one byte
func (m *MemoryRegion) Load8(addr uint32) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(addr), 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

// Store8 writes one byte
func (m *MemoryRegion) Store8(addr uint32, v uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(addr), 1); err != nil {
		return err
	}
	m.data[addr] = v
	return nil
}

// Load32 reads a little-endian word, the byte order kernels compute in
func (m *MemoryRegion) Load32(addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(addr), 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), nil
}

// Store32 writes a little-endian word
func (m *MemoryRegion) Store32(addr uint32, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(uint64(addr), 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:], v)
	return nil
}

// Snapshot copies the whole region
func (m *MemoryRegion) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Dump writes the first n bytes as hex rows of sixteen, n<=0 dumps all
func (m *MemoryRegion) Dump(w io.Writer, n int) error {
	snap := m.Snapshot()
	if n > 0 && n < len(snap) {
		snap = snap[:n]
	}
	for row := 0; row < len(snap); row += 16 {
		end := row + 16
		if end > len(snap) {
			end = len(snap)
		}
		if _, err := fmt.Fprintf(w, "%08x:", row); err != nil {
			return err
		}
		for _, b := range snap[row:end] {
			if _, err := fmt.Fprintf(w, " %02x", b); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
