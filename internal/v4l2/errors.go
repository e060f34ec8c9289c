package v4l2

import "github.com/pkg/errors"

// Distinct failure kinds, so the session supervisor can tell a recoverable
// stall from a device that will never come up.
var (
	ErrQueryCapFailed   = errors.New("VIDIOC_QUERYCAP failed")
	ErrNotCaptureDevice = errors.New("device lacks video capture capability")
	ErrNotEncoder       = errors.New("device lacks memory-to-memory capability")
	ErrNoStreaming      = errors.New("device lacks streaming capability")
	ErrGetFormatFailed  = errors.New("VIDIOC_G_FMT failed")
	ErrSetFormatFailed  = errors.New("VIDIOC_S_FMT failed")
	ErrReqBufsFailed    = errors.New("VIDIOC_REQBUFS failed")
	ErrQueryBufFailed   = errors.New("VIDIOC_QUERYBUF failed")
	ErrQBufFailed       = errors.New("VIDIOC_QBUF failed")
	ErrDQBufFailed      = errors.New("VIDIOC_DQBUF failed")
	ErrStreamOnFailed   = errors.New("VIDIOC_STREAMON failed")
	ErrTimeout          = errors.New("poll deadline expired")
	ErrPollFailed       = errors.New("poll failed")
	ErrNotStreaming     = errors.New("device is not streaming")
)

// IsTimeout reports whether err is a poll deadline expiry, which the
// caller may retry or count toward a stall threshold.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
