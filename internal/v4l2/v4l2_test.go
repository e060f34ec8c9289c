//go:build linux

package v4l2

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// The ioctl ABI is struct-layout sensitive; pin the sizes the request
// numbers are derived from to the 64-bit kernel values.
func TestStructSizes(t *testing.T) {
	assert.Equal(t, uintptr(104), unsafe.Sizeof(v4l2_capability{}))
	assert.Equal(t, uintptr(208), unsafe.Sizeof(v4l2_format{}))
	assert.Equal(t, uintptr(20), unsafe.Sizeof(v4l2_requestbuffers{}))
	assert.Equal(t, uintptr(88), unsafe.Sizeof(v4l2_buffer{}))
	assert.Equal(t, uintptr(20), unsafe.Sizeof(v4l2_ext_control{}))
	assert.Equal(t, uintptr(32), unsafe.Sizeof(v4l2_ext_controls{}))
	assert.Equal(t, uintptr(204), unsafe.Sizeof(v4l2_streamparm{}))
}

func TestIoctlRequestNumbers(t *testing.T) {
	assert.Equal(t, uintptr(0x80685600), uintptr(VIDIOC_QUERYCAP))
	assert.Equal(t, uintptr(0xc0d05604), uintptr(VIDIOC_G_FMT))
	assert.Equal(t, uintptr(0xc0d05605), uintptr(VIDIOC_S_FMT))
	assert.Equal(t, uintptr(0xc0145608), uintptr(VIDIOC_REQBUFS))
	assert.Equal(t, uintptr(0xc0585609), uintptr(VIDIOC_QUERYBUF))
	assert.Equal(t, uintptr(0xc058560f), uintptr(VIDIOC_QBUF))
	assert.Equal(t, uintptr(0xc0585611), uintptr(VIDIOC_DQBUF))
	assert.Equal(t, uintptr(0x40045612), uintptr(VIDIOC_STREAMON))
	assert.Equal(t, uintptr(0x40045613), uintptr(VIDIOC_STREAMOFF))
	assert.Equal(t, uintptr(0xc0cc5615), uintptr(VIDIOC_G_PARM))
	assert.Equal(t, uintptr(0xc0205648), uintptr(VIDIOC_S_EXT_CTRLS))
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, "UYVY", FourCC(V4L2_PIX_FMT_UYVY))
	assert.Equal(t, "H264", FourCC(V4L2_PIX_FMT_H264))
	assert.Equal(t, "NV12", FourCC(V4L2_PIX_FMT_NV12))
}

func TestPixFormatMarshalRoundTrip(t *testing.T) {
	in := v4l2_pix_format{
		width: 1920, height: 1080,
		pixelformat:  V4L2_PIX_FMT_UYVY,
		field:        V4L2_FIELD_NONE,
		bytesperline: 3840, sizeimage: 4_147_200,
	}
	var f v4l2_format
	in.marshal(f.fmt[:])

	var out v4l2_pix_format
	out.unmarshal(f.fmt[:])
	assert.Equal(t, in, out)
}

func TestBufferUnionFd(t *testing.T) {
	var b v4l2_buffer
	b.setFd(42)
	assert.Equal(t, uint32(42), b.offset())
}

func TestCodecControlIds(t *testing.T) {
	assert.Equal(t, 0x009909cf, V4L2_CID_MPEG_VIDEO_BITRATE)
	assert.Equal(t, 0x009909cb, V4L2_CID_MPEG_VIDEO_GOP_SIZE)
	assert.Equal(t, 0x009909ed, V4L2_CID_MPEG_VIDEO_REPEAT_SEQ_HEADER)
	assert.Equal(t, 0x009909f0, V4L2_CID_MPEG_VIDEO_FORCE_KEY_FRAME)
}
