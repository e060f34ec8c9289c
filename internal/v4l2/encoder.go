//go:build linux

package v4l2

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mokulua/kvm/internal/dmabuf"
)

// Rate-control and GOP settings for the hardware encoder.
type EncoderConfig struct {
	Bitrate int
	GOPSize int
}

const encoderPollTimeout = 5 * time.Second

// Encoder drives a V4L2 memory-to-memory H.264 encoder. Raw frames enter
// on the OUTPUT queue through the same DMABUF fds the capture device
// fills; the encoded bitstream leaves on the CAPTURE queue through
// memory-mapped slots owned by the encoder.
type Encoder struct {
	path string
	fd   int

	// OUTPUT slot i is permanently paired with dmabuf fd fds[i].
	fds   []int
	sizes []int

	// Mapped CAPTURE slots holding encoded bytes.
	capBufs [][]byte

	streaming bool
}

// OpenEncoder opens the device and verifies it is a streaming
// memory-to-memory codec.
func OpenEncoder(path string) (*Encoder, error) {
	// Nonblocking, so reclaiming consumed OUTPUT buffers can be attempted
	// opportunistically after each encoded frame.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	e := &Encoder{path: path, fd: fd}

	var caps v4l2_capability
	if err := ioctl(fd, VIDIOC_QUERYCAP, unsafe.Pointer(&caps)); err != nil {
		e.Close()
		return nil, errors.Wrap(ErrQueryCapFailed, err.Error())
	}
	capbits := caps.device_caps
	if capbits == 0 {
		capbits = caps.capabilities
	}
	m2m := capbits&V4L2_CAP_VIDEO_M2M != 0 ||
		(capbits&V4L2_CAP_VIDEO_CAPTURE != 0 && capbits&V4L2_CAP_VIDEO_OUTPUT != 0)
	if !m2m {
		e.Close()
		return nil, errors.Wrap(ErrNotEncoder, path)
	}
	if capbits&V4L2_CAP_STREAMING == 0 {
		e.Close()
		return nil, errors.Wrap(ErrNoStreaming, path)
	}
	return e, nil
}

// Init configures both queues and starts streaming. The setup order is
// load-bearing: formats, then controls, then OUTPUT buffers, then CAPTURE
// buffers, then STREAMON OUTPUT before CAPTURE.
func (e *Encoder) Init(format Format, cfg EncoderConfig, bufs []*dmabuf.Buffer) error {
	// 1. OUTPUT format: raw frames as produced by capture.
	var out v4l2_format
	out.typ = V4L2_BUF_TYPE_VIDEO_OUTPUT
	pix := v4l2_pix_format{
		width:        uint32(format.Width),
		height:       uint32(format.Height),
		pixelformat:  format.PixelFormat,
		field:        V4L2_FIELD_NONE,
		bytesperline: uint32(format.BytesPerLine),
		sizeimage:    uint32(format.SizeImage),
	}
	pix.marshal(out.fmt[:])
	if err := ioctl(e.fd, VIDIOC_S_FMT, unsafe.Pointer(&out)); err != nil {
		return errors.Wrap(ErrSetFormatFailed, "OUTPUT: "+err.Error())
	}

	// 2. CAPTURE format: H.264 byte stream.
	var coded v4l2_format
	coded.typ = V4L2_BUF_TYPE_VIDEO_CAPTURE
	pix = v4l2_pix_format{
		width:       uint32(format.Width),
		height:      uint32(format.Height),
		pixelformat: V4L2_PIX_FMT_H264,
		field:       V4L2_FIELD_NONE,
	}
	pix.marshal(coded.fmt[:])
	if err := ioctl(e.fd, VIDIOC_S_FMT, unsafe.Pointer(&coded)); err != nil {
		return errors.Wrap(ErrSetFormatFailed, "CAPTURE: "+err.Error())
	}

	// 3. Controls. REPEAT_SEQ_HEADER re-emits SPS/PPS ahead of every
	// keyframe so late-joining clients can self-synchronize.
	controls := []struct {
		id    uint32
		value int32
		name  string
	}{
		{V4L2_CID_MPEG_VIDEO_BITRATE, int32(cfg.Bitrate), "bitrate"},
		{V4L2_CID_MPEG_VIDEO_GOP_SIZE, int32(cfg.GOPSize), "gop size"},
		{V4L2_CID_MPEG_VIDEO_B_FRAMES, 0, "b-frames"},
		{V4L2_CID_MPEG_VIDEO_H264_PROFILE, V4L2_MPEG_VIDEO_H264_PROFILE_CONSTRAINED_BASELINE, "h264 profile"},
		{V4L2_CID_MPEG_VIDEO_REPEAT_SEQ_HEADER, 1, "repeat seq header"},
	}
	for _, ctrl := range controls {
		if err := setCodecControl(e.fd, ctrl.id, ctrl.value); err != nil {
			log.Warn("encoder control %s: %v", ctrl.name, err)
		}
	}

	// 4. OUTPUT queue in DMABUF mode, one slot per shared buffer.
	rb := v4l2_requestbuffers{
		count:  uint32(len(bufs)),
		typ:    V4L2_BUF_TYPE_VIDEO_OUTPUT,
		memory: V4L2_MEMORY_DMABUF,
	}
	if err := ioctl(e.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb)); err != nil {
		return errors.Wrap(ErrReqBufsFailed, "OUTPUT: "+err.Error())
	}
	e.fds = make([]int, len(bufs))
	e.sizes = make([]int, len(bufs))
	for i, b := range bufs {
		e.fds[i] = b.Fd
		e.sizes[i] = b.Size
	}

	// 5. CAPTURE queue in MMAP mode. The driver may grant fewer slots
	// than requested; rb.count is what it settled on.
	rb = v4l2_requestbuffers{
		count:  uint32(len(bufs)),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := ioctl(e.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb)); err != nil {
		return errors.Wrap(ErrReqBufsFailed, "CAPTURE: "+err.Error())
	}

	// 6. Map and pre-queue every CAPTURE slot.
	e.capBufs = make([][]byte, rb.count)
	for i := range e.capBufs {
		qb := v4l2_buffer{
			index:  uint32(i),
			typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
			memory: V4L2_MEMORY_MMAP,
		}
		if err := ioctl(e.fd, VIDIOC_QUERYBUF, unsafe.Pointer(&qb)); err != nil {
			return errors.Wrap(ErrQueryBufFailed, err.Error())
		}
		data, err := unix.Mmap(
			e.fd,
			int64(qb.offset()),
			int(qb.length),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			return errors.Wrapf(err, "mmap capture slot %d", i)
		}
		e.capBufs[i] = data

		if err := e.queueCapture(i); err != nil {
			return err
		}
	}

	// 7. STREAMON OUTPUT, then CAPTURE.
	typ := int32(V4L2_BUF_TYPE_VIDEO_OUTPUT)
	if err := ioctl(e.fd, VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(ErrStreamOnFailed, "OUTPUT: "+err.Error())
	}
	typ = int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	if err := ioctl(e.fd, VIDIOC_STREAMON, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(ErrStreamOnFailed, "CAPTURE: "+err.Error())
	}
	e.streaming = true
	return nil
}

func (e *Encoder) queueCapture(index int) error {
	buf := v4l2_buffer{
		index:  uint32(index),
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := ioctl(e.fd, VIDIOC_QBUF, unsafe.Pointer(&buf)); err != nil {
		return errors.Wrapf(ErrQBufFailed, "capture slot %d: %s", index, err)
	}
	return nil
}

// Encode pushes one raw frame through the encoder.
//
// The returned slice aliases the encoder's mapped CAPTURE memory and is
// valid only until the next Encode call; the caller must finish with it
// (i.e. broadcast it) before pumping the next frame. reclaimed is the
// index of an OUTPUT slot the encoder has finished reading, or -1 when
// none came back this cycle; the caller requeues it on the capture
// device.
//
// Custody on failure: ErrNotStreaming and ErrQBufFailed are returned
// before the frame is handed over, so slot index stays with the caller.
// Any later error leaves the slot on the encoder's OUTPUT queue, where a
// subsequent cycle's reclaim picks it up.
func (e *Encoder) Encode(index, bytesused int) (frame []byte, reclaimed int, err error) {
	if !e.streaming {
		return nil, -1, ErrNotStreaming
	}

	// Feed the raw frame to the OUTPUT queue by fd.
	out := v4l2_buffer{
		index:     uint32(index),
		typ:       V4L2_BUF_TYPE_VIDEO_OUTPUT,
		memory:    V4L2_MEMORY_DMABUF,
		bytesused: uint32(bytesused),
		length:    uint32(e.sizes[index]),
	}
	out.setFd(e.fds[index])
	if err := ioctl(e.fd, VIDIOC_QBUF, unsafe.Pointer(&out)); err != nil {
		return nil, -1, errors.Wrapf(ErrQBufFailed, "output slot %d: %s", index, err)
	}

	// Wait for an encoded unit.
	ready, perr := waitReadable(e.fd, encoderPollTimeout)
	if perr != nil {
		return nil, -1, errors.Wrap(ErrPollFailed, perr.Error())
	}
	if !ready {
		return nil, -1, ErrTimeout
	}

	enc := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_CAPTURE,
		memory: V4L2_MEMORY_MMAP,
	}
	if err := ioctl(e.fd, VIDIOC_DQBUF, unsafe.Pointer(&enc)); err != nil {
		return nil, -1, errors.Wrap(ErrDQBufFailed, "CAPTURE: "+err.Error())
	}
	frame = e.capBufs[enc.index][:enc.bytesused]

	// Hand the slot straight back to the driver. The frame borrow stays
	// readable because the single-threaded pump cannot dequeue this slot
	// again before the caller is done with it. A failed requeue just
	// leaves the encoder one CAPTURE slot short; the frame is still good.
	if err := e.queueCapture(int(enc.index)); err != nil {
		log.Warn("encoder: %v", err)
	}

	// Opportunistically reclaim a consumed OUTPUT slot. EAGAIN means the
	// encoder is still holding everything.
	rec := v4l2_buffer{
		typ:    V4L2_BUF_TYPE_VIDEO_OUTPUT,
		memory: V4L2_MEMORY_DMABUF,
	}
	if err := ioctl(e.fd, VIDIOC_DQBUF, unsafe.Pointer(&rec)); err != nil {
		if err != unix.EAGAIN {
			log.Warn("encoder: reclaim OUTPUT slot: %v", err)
		}
		return frame, -1, nil
	}
	return frame, int(rec.index), nil
}

// ForceKeyFrame asks the encoder to emit an IDR on the next frame.
func (e *Encoder) ForceKeyFrame() error {
	return setCodecControl(e.fd, V4L2_CID_MPEG_VIDEO_FORCE_KEY_FRAME, 1)
}

// Stop disables both queues and unmaps the CAPTURE slots.
func (e *Encoder) Stop() error {
	if !e.streaming {
		return nil
	}
	e.streaming = false

	typ := int32(V4L2_BUF_TYPE_VIDEO_OUTPUT)
	ioctl(e.fd, VIDIOC_STREAMOFF, unsafe.Pointer(&typ))
	typ = int32(V4L2_BUF_TYPE_VIDEO_CAPTURE)
	ioctl(e.fd, VIDIOC_STREAMOFF, unsafe.Pointer(&typ))

	for i, data := range e.capBufs {
		if data != nil {
			unix.Munmap(data)
			e.capBufs[i] = nil
		}
	}

	rb := v4l2_requestbuffers{typ: V4L2_BUF_TYPE_VIDEO_OUTPUT, memory: V4L2_MEMORY_DMABUF}
	ioctl(e.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb))
	rb = v4l2_requestbuffers{typ: V4L2_BUF_TYPE_VIDEO_CAPTURE, memory: V4L2_MEMORY_MMAP}
	return ioctl(e.fd, VIDIOC_REQBUFS, unsafe.Pointer(&rb))
}

func (e *Encoder) Close() error {
	e.Stop()
	return unix.Close(e.fd)
}
