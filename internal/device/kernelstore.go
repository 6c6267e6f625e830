package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackyluk/genericOCL/internal/protocol"
)

// KernelStore persists the kernel artifact as it arrives in chunks. The
// artifact is valid only once its final chunk has been written; any chunk or
// reset clears validity first.
type KernelStore struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	assembly   protocol.KernelAssembly
	valid      bool
	generation uint64
}

// NewKernelStore writes the artifact to path
func NewKernelStore(path string) (*KernelStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("kernel store: %w", err)
		}
	}
	return &KernelStore{path: path}, nil
}

// Path is the artifact location handed to the kernel loader
func (k *KernelStore) Path() string { return k.path }

// Accept writes one chunk. It reports true when the artifact became valid.
func (k *KernelStore) Accept(chunk *protocol.LoadKernel) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.valid = false

	if chunk.Offset == 0 {
		k.closeFile()
		f, err := os.OpenFile(k.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			k.assembly.Reset()
			return false, fmt.Errorf("kernel store: %w", err)
		}
		k.file = f
	}

	complete, err := k.assembly.Accept(chunk)
	if err != nil {
		k.closeFile()
		return false, err
	}
	if k.file == nil {
		k.assembly.Reset()
		return false, fmt.Errorf("kernel store: %w", protocol.ErrChunkOutOfOrder)
	}
	if _, err := k.file.WriteAt(chunk.Data, int64(chunk.Offset)); err != nil {
		k.assembly.Reset()
		k.closeFile()
		return false, fmt.Errorf("kernel store: %w", err)
	}

	if !complete {
		return false, nil
	}
	if err := k.file.Close(); err != nil {
		k.file = nil
		return false, fmt.Errorf("kernel store: %w", err)
	}
	k.file = nil
	k.valid = true
	k.generation++
	return true, nil
}

// Reset abandons any partial transfer and clears validity
func (k *KernelStore) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.valid = false
	k.assembly.Reset()
	k.closeFile()
}

// Current returns the artifact generation and whether it may be executed
func (k *KernelStore) Current() (uint64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.generation, k.valid
}

// Close releases any open artifact file
func (k *KernelStore) Close() error {
	k.Reset()
	return nil
}

func (k *KernelStore) closeFile() {
	if k.file != nil {
		_ = k.file.Close()
		k.file = nil
	}
}
