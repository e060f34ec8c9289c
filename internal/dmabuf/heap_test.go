//go:build linux

package dmabuf

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestAllocIoctlNumber(t *testing.T) {
	assert.Equal(t, uintptr(24), unsafe.Sizeof(dma_heap_allocation_data{}))
	assert.Equal(t, uintptr(0xc0184800), uintptr(DMA_HEAP_IOCTL_ALLOC))
}

func TestOpenMissingHeap(t *testing.T) {
	_, err := Open("/nonexistent/dma_heap")
	assert.Error(t, err)
}

func TestBufferCloseIdempotent(t *testing.T) {
	b := &Buffer{Fd: -1}
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
