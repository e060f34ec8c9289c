//go:build linux

package v4l2

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mokulua/kvm/internal/dmabuf"
)

// Format describes the negotiated capture geometry. Produced once during
// probing and immutable for the session's duration.
type Format struct {
	Width        int
	Height       int
	PixelFormat  uint32
	SizeImage    int
	BytesPerLine int
	FPS          int
}

// Capture binds a V4L2 capture device to externally-allocated DMABUF
// slots. It does not own the buffer fds; it only queues them.
type Capture struct {
	path string
	fd   int

	format Format

	// Slot i is permanently paired with dmabuf fd fds[i].
	fds   []int
	sizes []int

	streaming bool
}

// OpenCapture opens the device and verifies it can capture and stream.
func OpenCapture(path string) (*Capture, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	c := &Capture{path: path, fd: fd}

	var caps v4l2_capability
	if err := ioctl(fd, VIDIOC_QUERYCAP, unsafe.Pointer(&caps)); err != nil {
		c.Close()
		return nil, errors.Wrap(ErrQueryCapFailed, err.Error())
	}
	capbits := caps.device_caps
	if capbits == 0 {
		capbits = caps.capabilities
	}
	if capbits&V4L2_CAP_VIDEO_CAPTURE == 0 {
		c.Close()
		return nil, errors.Wrap(ErrNotCaptureDevice, path)
	}
	if capbits&V4L2_CAP_STREAMING == 0 {
		c.Close()
		return nil, errors.Wrap(ErrNoStreaming, path)
	}
	return c, nil
}

// Negotiate reads the device's current geometry (set earlier by the EDID
// pre-step), requests the given pixel format at that geometry, and records
// what the driver actually granted. The driver may narrow the request.
func (c *Capture) Negotiate(pixelformat uint32) (Format, error) {
	var format v4l2_format
	format.typ = V4L2_BUF_TYPE_VIDEO_CAPTURE
	if err := ioctl(c.fd, VIDIOC_G_FMT, unsafe.Pointer(&format)); err != nil {
		return Format{}, errors.Wrap(ErrGetFormatFailed, err.Error())
	}
	var pix v4l2_pix_format
	pix.unmarshal(format.fmt[:])

	pix.pixelformat = pixelformat
	pix.field = V4L2_FIELD_NONE
	pix.marshal(format.fmt[:])
	if err := ioctl(c.fd, VIDIOC_S_FMT, unsafe.Pointer(&format)); err != nil {
		return Format{}, errors.Wrap(ErrSetFormatFailed, err.Error())
	}
	pix.unmarshal(format.fmt[:])

	c.format = Format{
		Width:        int(pix.width),
		Height:       int(pix.height),
		PixelFormat:  pix.pixelformat,
		SizeImage:    int(pix.sizeimage),
		BytesPerLine: int(pix.bytesperline),
		FPS:          c.frameRate(),
	}
	log.Info("capture format: %dx%d %s, %d fps, sizeimage %d",
		c.format.Width, c.format.Height, FourCC(c.format.PixelFormat),
		c.format.FPS, c.format.SizeImage)
	return c.format, nil
}

// frameRate reads the nominal frame interval. Zero when the driver does
// not report one.
func (c *Capture) frameRate() int {
	var parm v4l2_streamparm
	parm.typ = V4L2_BUF_TYPE_VIDEO_CAPTURE
	if err := ioctl(c.fd, VIDIOC_G_PARM, unsafe.Pointer(&parm)); err != nil {
		return 0
	}
	capture := (*v4l2_captureparm)(unsafe.Pointer(&parm.parm))
	tpf := capture.timeperframe
	if tpf.numerator == 0 {
		return 0
	}
	return int(tpf.denominator / tpf.numerator)
}

// Format returns the negotiated format. Valid after Negotiate.
func (c *Capture) Format() Format {
	return c.format
}

// Start binds the capture queue to the DMABUF slots, queues every slot,
// and enables streaming.
func (c *Capture) Start(bufs []*dmabuf.Buffer) error {
	rb := v4l2_requestbuffers{
		count:  uint32(len(bufs)),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_DMABUF,
	}
	if err := ioctl(c.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb)); err != nil {
		return errors.Wrap(ErrReqBufsFailed, err.Error())
	}

	c.fds = make([]int, len(bufs))
	c.sizes = make([]int, len(bufs))
	for i, b := range bufs {
		c.fds[i] = b.Fd
		c.sizes[i] = b.Size
	}

	for i := range bufs {
		if err := c.Queue(i); err != nil {
			return err
		}
	}

	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := ioctl(c.fd, VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(ErrStreamOnFailed, err.Error())
	}
	c.streaming = true
	return nil
}

// Queue returns slot index to the driver for filling. Must be called for
// every successful Dequeue, unless the encoder is about to consume the
// same index.
func (c *Capture) Queue(index int) error {
	buf := v4l2_buffer{
		index:  uint32(index),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_DMABUF,
		length: uint32(c.sizes[index]),
	}
	buf.setFd(c.fds[index])
	if err := ioctl(c.fd, VIDIOC_QBUF, unsafe.Pointer(&buf)); err != nil {
		return errors.Wrapf(ErrQBufFailed, "capture slot %d: %s", index, err)
	}
	return nil
}

// Dequeue blocks until a filled buffer is available, up to timeout.
func (c *Capture) Dequeue(timeout time.Duration) (index, bytesused int, err error) {
	if !c.streaming {
		return 0, 0, ErrNotStreaming
	}
	ready, err := waitReadable(c.fd, timeout)
	if err != nil {
		return 0, 0, errors.Wrap(ErrPollFailed, err.Error())
	}
	if !ready {
		return 0, 0, ErrTimeout
	}

	buf := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_DMABUF,
	}
	if err := ioctl(c.fd, VIDIOC_DQBUF, unsafe.Pointer(&buf)); err != nil {
		return 0, 0, errors.Wrap(ErrDQBufFailed, err.Error())
	}
	return int(buf.index), int(buf.bytesused), nil
}

// Stop disables streaming and releases the driver's hold on the DMABUF
// slots. The buffer fds themselves stay open; they belong to the caller.
func (c *Capture) Stop() error {
	if !c.streaming {
		return nil
	}
	c.streaming = false

	typ := int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := ioctl(c.fd, VIDIOC_STREAMOFF, unsafe.Pointer(&typ)); err != nil {
		return err
	}

	rb := v4l2_requestbuffers{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_DMABUF,
	}
	return ioctl(c.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb))
}

func (c *Capture) Close() error {
	c.Stop()
	return unix.Close(c.fd)
}
