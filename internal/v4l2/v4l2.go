//go:build linux

// Video4Linux2 ioctl plumbing shared by the capture and encoder devices.
// Struct layouts match <linux/videodev2.h> on 64-bit kernels; ioctl request
// numbers are derived from the struct sizes the same way the _IOWR macro
// does, so a size mismatch shows up as an EINVAL rather than corruption.

package v4l2

import (
	"encoding/binary"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mokulua/kvm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("v4l2")

var nativeEndian binary.ByteOrder = binary.LittleEndian

func init() {
	i := uint16(1)
	if (*[2]byte)(unsafe.Pointer(&i))[0] == 0 {
		nativeEndian = binary.BigEndian
	}
}

// Buffer types.
const (
	V4L2_BUF_TYPE_VIDEO_CAPTURE = 1
	V4L2_BUF_TYPE_VIDEO_OUTPUT  = 2
)

// Memory models.
const (
	V4L2_MEMORY_MMAP   = 1
	V4L2_MEMORY_DMABUF = 4
)

const (
	V4L2_FIELD_ANY  = 0
	V4L2_FIELD_NONE = 1
)

// Capability bits.
const (
	V4L2_CAP_VIDEO_CAPTURE = 0x00000001
	V4L2_CAP_VIDEO_OUTPUT  = 0x00000002
	V4L2_CAP_VIDEO_M2M     = 0x00008000
	V4L2_CAP_STREAMING     = 0x04000000
)

// Pixel formats (little-endian fourcc).
const (
	V4L2_PIX_FMT_UYVY = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	V4L2_PIX_FMT_YUYV = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	V4L2_PIX_FMT_NV12 = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	V4L2_PIX_FMT_H264 = 'H' | '2'<<8 | '6'<<16 | '4'<<24
)

// Codec control ids, from <linux/v4l2-controls.h>.
const (
	v4l2CtrlClassCodec = 0x00990000
	v4l2CidCodecBase   = 0x00990900

	V4L2_CID_MPEG_VIDEO_B_FRAMES          = v4l2CidCodecBase + 202
	V4L2_CID_MPEG_VIDEO_GOP_SIZE          = v4l2CidCodecBase + 203
	V4L2_CID_MPEG_VIDEO_BITRATE           = v4l2CidCodecBase + 207
	V4L2_CID_MPEG_VIDEO_REPEAT_SEQ_HEADER = v4l2CidCodecBase + 237
	V4L2_CID_MPEG_VIDEO_FORCE_KEY_FRAME   = v4l2CidCodecBase + 240
	V4L2_CID_MPEG_VIDEO_H264_PROFILE      = v4l2CidCodecBase + 363
)

// enum v4l2_mpeg_video_h264_profile
const (
	V4L2_MPEG_VIDEO_H264_PROFILE_BASELINE             = 0
	V4L2_MPEG_VIDEO_H264_PROFILE_CONSTRAINED_BASELINE = 1
)

type v4l2_capability struct {
	driver       [16]uint8
	card         [32]uint8
	bus_info     [32]uint8
	version      uint32
	capabilities uint32
	device_caps  uint32
	reserved     [3]uint32
}

// The format union is kept as raw bytes; only the pix_format member is
// ever marshalled in or out of it.
type v4l2_format struct {
	typ uint32
	_   uint32
	fmt [200]byte
}

type v4l2_pix_format struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
}

func (p *v4l2_pix_format) marshal(dst []byte) {
	nativeEndian.PutUint32(dst[0:], p.width)
	nativeEndian.PutUint32(dst[4:], p.height)
	nativeEndian.PutUint32(dst[8:], p.pixelformat)
	nativeEndian.PutUint32(dst[12:], p.field)
	nativeEndian.PutUint32(dst[16:], p.bytesperline)
	nativeEndian.PutUint32(dst[20:], p.sizeimage)
	nativeEndian.PutUint32(dst[24:], p.colorspace)
	nativeEndian.PutUint32(dst[28:], p.priv)
}

func (p *v4l2_pix_format) unmarshal(src []byte) {
	p.width = nativeEndian.Uint32(src[0:])
	p.height = nativeEndian.Uint32(src[4:])
	p.pixelformat = nativeEndian.Uint32(src[8:])
	p.field = nativeEndian.Uint32(src[12:])
	p.bytesperline = nativeEndian.Uint32(src[16:])
	p.sizeimage = nativeEndian.Uint32(src[20:])
	p.colorspace = nativeEndian.Uint32(src[24:])
	p.priv = nativeEndian.Uint32(src[28:])
}

type v4l2_requestbuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

type timeval struct {
	sec  int64
	usec int64
}

type v4l2_timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// The m union holds the MMAP offset (u32), or the DMABUF fd (s32),
// depending on the memory model. Kept as raw bytes for the same reason as
// the format union.
type v4l2_buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp timeval
	timecode  v4l2_timecode
	sequence  uint32
	memory    uint32
	m         [8]byte
	length    uint32
	reserved2 uint32
	requestFd int32
}

func (b *v4l2_buffer) setFd(fd int) {
	nativeEndian.PutUint32(b.m[0:4], uint32(fd))
}

func (b *v4l2_buffer) offset() uint32 {
	return nativeEndian.Uint32(b.m[0:4])
}

// Packed in the kernel header; the union is a byte array so the Go layout
// comes out identical.
type v4l2_ext_control struct {
	id        uint32
	size      uint32
	reserved2 uint32
	value     [8]byte
}

type v4l2_ext_controls struct {
	ctrl_class uint32
	count      uint32
	error_idx  uint32
	reserved   [2]uint32
	controls   unsafe.Pointer
}

type v4l2_fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2_captureparm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2_fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2_streamparm struct {
	typ  uint32
	parm [200]byte
}

// ioctl request numbers, built from the struct sizes above.
const (
	iocRead      = 2
	iocWrite     = 1
	iocReadWrite = 3

	VIDIOC_QUERYCAP    = iocRead<<30 | unsafe.Sizeof(v4l2_capability{})<<16 | 'V'<<8 | 0
	VIDIOC_G_FMT       = iocReadWrite<<30 | unsafe.Sizeof(v4l2_format{})<<16 | 'V'<<8 | 4
	VIDIOC_S_FMT       = iocReadWrite<<30 | unsafe.Sizeof(v4l2_format{})<<16 | 'V'<<8 | 5
	VIDIOC_REQBUFS     = iocReadWrite<<30 | unsafe.Sizeof(v4l2_requestbuffers{})<<16 | 'V'<<8 | 8
	VIDIOC_QUERYBUF    = iocReadWrite<<30 | unsafe.Sizeof(v4l2_buffer{})<<16 | 'V'<<8 | 9
	VIDIOC_QBUF        = iocReadWrite<<30 | unsafe.Sizeof(v4l2_buffer{})<<16 | 'V'<<8 | 15
	VIDIOC_DQBUF       = iocReadWrite<<30 | unsafe.Sizeof(v4l2_buffer{})<<16 | 'V'<<8 | 17
	VIDIOC_STREAMON    = iocWrite<<30 | unsafe.Sizeof(int32(0))<<16 | 'V'<<8 | 18
	VIDIOC_STREAMOFF   = iocWrite<<30 | unsafe.Sizeof(int32(0))<<16 | 'V'<<8 | 19
	VIDIOC_G_PARM      = iocReadWrite<<30 | unsafe.Sizeof(v4l2_streamparm{})<<16 | 'V'<<8 | 21
	VIDIOC_S_EXT_CTRLS = iocReadWrite<<30 | unsafe.Sizeof(v4l2_ext_controls{})<<16 | 'V'<<8 | 72
)

// ioctl issues a V4L2 request, transparently retrying on EINTR.
func ioctl(fd int, request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(fd),
			request,
			uintptr(arg),
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// waitReadable polls the file descriptor for readability, up to timeout.
// Returns false when the deadline expires with no data.
func waitReadable(fd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return false, unix.EIO
		}
		return true, nil
	}
}

func setControl(fd int, class, id uint32, value int32) error {
	ctrls := [1]v4l2_ext_control{{id: id}}
	nativeEndian.PutUint32(ctrls[0].value[:4], uint32(value))

	extctrls := v4l2_ext_controls{
		ctrl_class: class,
		count:      1,
		controls:   unsafe.Pointer(&ctrls),
	}
	return ioctl(fd, VIDIOC_S_EXT_CTRLS, unsafe.Pointer(&extctrls))
}

func setCodecControl(fd int, id uint32, value int32) error {
	return setControl(fd, v4l2CtrlClassCodec, id, value)
}

// FourCC renders a pixel format constant as its four-character code.
func FourCC(format uint32) string {
	return string([]byte{
		byte(format),
		byte(format >> 8),
		byte(format >> 16),
		byte(format >> 24),
	})
}
