//go:build linux

// Allocate shareable DMA buffers from the kernel DMA heap. The returned
// file descriptors are handed to both the capture and encoder drivers,
// which transfer pixel data between themselves without a user-space copy.

package dmabuf

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mokulua/kvm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("dmabuf")

const DefaultHeapPath = "/dev/dma_heap/system"

// ErrAllocFailed indicates the kernel refused a DMA heap allocation.
var ErrAllocFailed = errors.New("dma heap allocation failed")

// Mirrors struct dma_heap_allocation_data from <linux/dma-heap.h>.
type dma_heap_allocation_data struct {
	len        uint64
	fd         uint32
	fd_flags   uint32
	heap_flags uint64
}

// DMA_HEAP_IOCTL_ALLOC = _IOWR('H', 0x0, struct dma_heap_allocation_data)
const DMA_HEAP_IOCTL_ALLOC = 3<<30 | unsafe.Sizeof(dma_heap_allocation_data{})<<16 | 'H'<<8 | 0x0

// A Buffer is an open DMABUF file descriptor plus its byte length. The
// process owns the descriptor; V4L2 devices share it by reference.
type Buffer struct {
	Fd   int
	Size int
}

func (b *Buffer) Close() error {
	if b.Fd < 0 {
		return nil
	}
	err := unix.Close(b.Fd)
	b.Fd = -1
	return err
}

// A Heap is an open handle on the kernel DMA heap character device. It is
// scoped to one capture session.
type Heap struct {
	fd int
}

func Open(path string) (*Heap, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &Heap{fd: fd}, nil
}

func (h *Heap) Close() error {
	return unix.Close(h.fd)
}

// Alloc requests one page-aligned buffer of the given size.
func (h *Heap) Alloc(size int) (*Buffer, error) {
	data := dma_heap_allocation_data{
		len:      uint64(size),
		fd_flags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(h.fd),
			uintptr(DMA_HEAP_IOCTL_ALLOC),
			uintptr(unsafe.Pointer(&data)),
		)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return nil, errors.Wrapf(ErrAllocFailed, "%d bytes: %s", size, errno)
		}
		break
	}
	log.Debug("allocated %d byte dmabuf, fd %d", size, data.fd)
	return &Buffer{Fd: int(data.fd), Size: size}, nil
}

// AllocAll allocates count buffers of the given size, closing any partial
// allocation on failure.
func (h *Heap) AllocAll(count, size int) ([]*Buffer, error) {
	bufs := make([]*Buffer, 0, count)
	for i := 0; i < count; i++ {
		b, err := h.Alloc(size)
		if err != nil {
			CloseAll(bufs)
			return nil, err
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}

func CloseAll(bufs []*Buffer) {
	for _, b := range bufs {
		b.Close()
	}
}
