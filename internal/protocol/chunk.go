package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKernel      = errors.New("protocol: kernel artifact is empty")
	ErrChunkOverflow    = errors.New("protocol: kernel chunk exceeds declared total size")
	ErrChunkOutOfOrder  = errors.New("protocol: kernel chunk out of order")
	ErrTotalSizeChanged = errors.New("protocol: kernel total size changed mid-transfer")
	ErrInvalidChunkSize = errors.New("protocol: invalid chunk size")
)

// SplitKernel cuts an artifact into LOAD_KERNEL_CHUNK packets of at most
// chunkSize data bytes each, in offset order
func SplitKernel(artifact []byte, chunkSize int) ([]Packet, error) {
	if len(artifact) == 0 {
		return nil, ErrEmptyKernel
	}
	if chunkSize <= 0 || chunkSize > MaxKernelData {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if uint64(len(artifact)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: artifact is %d bytes", ErrPayloadTooLarge, len(artifact))
	}

	total := uint32(len(artifact))
	chunks := make([]Packet, 0, (len(artifact)+chunkSize-1)/chunkSize)
	for off := 0; off < len(artifact); off += chunkSize {
		end := off + chunkSize
		if end > len(artifact) {
			end = len(artifact)
		}
		chunks = append(chunks, NewLoadKernel(total, uint32(off), artifact[off:end]))
	}
	return chunks, nil
}

// KernelAssembly tracks an in-progress kernel transfer. Chunks must arrive
// contiguously starting at offset zero; a chunk at offset zero always starts a
// fresh transfer.
type KernelAssembly struct {
	active   bool
	total    uint32
	received uint32
}

// Accept validates the next chunk. It reports true once the final byte has
// arrived. Any error abandons the transfer.
func (a *KernelAssembly) Accept(c *LoadKernel) (bool, error) {
	if c.Offset == 0 {
		a.active = true
		a.total = c.TotalSize
		a.received = 0
		if a.total == 0 {
			a.Reset()
			return false, ErrEmptyKernel
		}
	}

	switch {
	case !a.active:
		return false, fmt.Errorf("%w: offset %d without a transfer in progress", ErrChunkOutOfOrder, c.Offset)
	case c.TotalSize != a.total:
		a.Reset()
		return false, fmt.Errorf("%w: %d then %d", ErrTotalSizeChanged, a.total, c.TotalSize)
	case c.Offset != a.received:
		want := a.received
		a.Reset()
		return false, fmt.Errorf("%w: got offset %d, expected %d", ErrChunkOutOfOrder, c.Offset, want)
	case uint64(c.Offset)+uint64(len(c.Data)) > uint64(a.total):
		a.Reset()
		return false, fmt.Errorf("%w: %d+%d > %d", ErrChunkOverflow, c.Offset, len(c.Data), c.TotalSize)
	}

	a.received += uint32(len(c.Data))
	if a.received == a.total {
		a.active = false
		return true, nil
	}
	return false, nil
}

// Active reports whether a transfer is in progress
func (a *KernelAssembly) Active() bool { return a.active }

// Received is the number of artifact bytes accepted so far
func (a *KernelAssembly) Received() uint32 { return a.received }

// Reset abandons any transfer in progress
func (a *KernelAssembly) Reset() {
	*a = KernelAssembly{}
}
