package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func artifact(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSplitKernelChunks(t *testing.T) {
	art := artifact(1300)

	chunks, err := SplitKernel(art, DefaultChunkSize)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	var rebuilt []byte
	var asm KernelAssembly
	for i, c := range chunks {
		k := c.Kernel()
		require.NotNil(t, k)
		assert.Equal(t, uint32(1300), k.TotalSize)
		assert.Equal(t, uint32(i*DefaultChunkSize), k.Offset)

		done, err := asm.Accept(k)
		require.NoError(t, err)
		assert.Equal(t, i == len(chunks)-1, done)
		rebuilt = append(rebuilt, k.Data...)
	}
	assert.Len(t, chunks[2].Kernel().Data, 276)
	assert.True(t, bytes.Equal(art, rebuilt))
}

func TestSplitKernelErrors(t *testing.T) {
	_, err := SplitKernel(nil, 512)
	assert.ErrorIs(t, err, ErrEmptyKernel)

	_, err = SplitKernel(artifact(10), 0)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = SplitKernel(artifact(10), MaxKernelData+1)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestKernelAssembly(t *testing.T) {
	chunk := func(total, off uint32, n int) *LoadKernel {
		return &LoadKernel{TotalSize: total, Offset: off, Data: make([]byte, n)}
	}

	// ========== SUCCESS CASES ==========

	t.Run("single chunk completes", func(t *testing.T) {
		var a KernelAssembly
		done, err := a.Accept(chunk(8, 0, 8))
		require.NoError(t, err)
		assert.True(t, done)
		assert.False(t, a.Active())
	})

	t.Run("offset zero restarts transfer", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(16, 0, 8))
		require.NoError(t, err)
		_, err = a.Accept(chunk(4, 0, 2))
		require.NoError(t, err)
		done, err := a.Accept(chunk(4, 2, 2))
		require.NoError(t, err)
		assert.True(t, done)
	})

	// ========== FAILURE CASES ==========

	t.Run("overflow", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(8, 0, 4))
		require.NoError(t, err)
		_, err = a.Accept(chunk(8, 4, 5))
		assert.ErrorIs(t, err, ErrChunkOverflow)
		assert.False(t, a.Active())
	})

	t.Run("gap", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(16, 0, 4))
		require.NoError(t, err)
		_, err = a.Accept(chunk(16, 8, 4))
		assert.ErrorIs(t, err, ErrChunkOutOfOrder)
	})

	t.Run("no transfer in progress", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(16, 4, 4))
		assert.ErrorIs(t, err, ErrChunkOutOfOrder)
	})

	t.Run("total size changed", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(16, 0, 4))
		require.NoError(t, err)
		_, err = a.Accept(chunk(20, 4, 4))
		assert.ErrorIs(t, err, ErrTotalSizeChanged)
	})

	t.Run("empty artifact", func(t *testing.T) {
		var a KernelAssembly
		_, err := a.Accept(chunk(0, 0, 0))
		assert.ErrorIs(t, err, ErrEmptyKernel)
	})
}
