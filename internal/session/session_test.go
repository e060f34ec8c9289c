package session

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mokulua/kvm/internal/dmabuf"
	"github.com/mokulua/kvm/internal/h264"
	"github.com/mokulua/kvm/internal/v4l2"
)

// fakeCapture models the driver's buffer queue: Dequeue pops the oldest
// queued slot, Queue returns one. Double-queueing a slot fails the test.
type fakeCapture struct {
	t *testing.T

	queue   []int
	queued  map[int]bool
	started bool
	stopped bool

	dequeues int
	frame    int

	// timeout makes every Dequeue miss its deadline.
	timeout bool
}

func (c *fakeCapture) Negotiate(pixelformat uint32) (v4l2.Format, error) {
	return v4l2.Format{
		Width: 1920, Height: 1080, FPS: 25,
		PixelFormat: pixelformat,
		SizeImage:   4_147_200, BytesPerLine: 3840,
	}, nil
}

func (c *fakeCapture) Start(bufs []*dmabuf.Buffer) error {
	c.started = true
	c.queue = nil
	c.queued = make(map[int]bool)
	for i := range bufs {
		c.queue = append(c.queue, i)
		c.queued[i] = true
	}
	return nil
}

func (c *fakeCapture) Dequeue(timeout time.Duration) (int, int, error) {
	c.dequeues++
	if c.timeout {
		return 0, 0, v4l2.ErrTimeout
	}
	if len(c.queue) == 0 {
		c.t.Fatal("capture dequeue with no queued buffers: slot leak")
	}
	index := c.queue[0]
	c.queue = c.queue[1:]
	c.queued[index] = false
	c.frame++
	return index, 100, nil
}

func (c *fakeCapture) Queue(index int) error {
	if c.queued[index] {
		c.t.Fatalf("slot %d queued twice", index)
	}
	c.queue = append(c.queue, index)
	c.queued[index] = true
	return nil
}

func (c *fakeCapture) Stop() error  { c.stopped = true; return nil }
func (c *fakeCapture) Close() error { return nil }

// fakeEncoder keeps up to two OUTPUT slots in flight, reclaiming the
// oldest beyond that, and emits an IDR every gop-th frame.
type fakeEncoder struct {
	inFlight []int
	frame    int
	gop      int

	failNextQBuf  bool
	failNextDQBuf bool
	stall         bool
	forcedKey     bool
	stopped       bool
}

func (e *fakeEncoder) Init(format v4l2.Format, cfg v4l2.EncoderConfig, bufs []*dmabuf.Buffer) error {
	e.gop = cfg.GOPSize
	return nil
}

func (e *fakeEncoder) Encode(index, bytesused int) ([]byte, int, error) {
	if e.failNextQBuf {
		e.failNextQBuf = false
		return nil, -1, errors.Wrap(v4l2.ErrQBufFailed, "output slot busy")
	}
	e.inFlight = append(e.inFlight, index)
	if e.stall {
		return nil, -1, v4l2.ErrTimeout
	}
	if e.failNextDQBuf {
		e.failNextDQBuf = false
		// The slot stays in flight; a later cycle reclaims it.
		return nil, -1, errors.Wrap(v4l2.ErrDQBufFailed, "CAPTURE")
	}

	var frame []byte
	if e.frame%e.gop == 0 || e.forcedKey {
		frame = []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68, 0xce, 0, 0, 0, 1, 0x65, 0x88}
		e.forcedKey = false
	} else {
		frame = []byte{0, 0, 0, 1, 0x41, 0x9a}
	}
	e.frame++

	reclaimed := -1
	if len(e.inFlight) > 2 {
		reclaimed = e.inFlight[0]
		e.inFlight = e.inFlight[1:]
	}
	return frame, reclaimed, nil
}

func (e *fakeEncoder) ForceKeyFrame() error { e.forcedKey = true; return nil }
func (e *fakeEncoder) Stop() error          { e.stopped = true; return nil }
func (e *fakeEncoder) Close() error         { return nil }

type fakeHeap struct{}

func (fakeHeap) AllocAll(count, size int) ([]*dmabuf.Buffer, error) {
	bufs := make([]*dmabuf.Buffer, count)
	for i := range bufs {
		bufs[i] = &dmabuf.Buffer{Fd: -1, Size: size}
	}
	return bufs, nil
}

func (fakeHeap) Close() error { return nil }

// collector stops the supervisor after enough frames.
type collector struct {
	frames [][]byte
	limit  int
	cancel context.CancelFunc

	// Optional; called with the frame count after each broadcast.
	afterFrame func(n int)
}

func (c *collector) Broadcast(p []byte) {
	c.frames = append(c.frames, append([]byte(nil), p...))
	if c.afterFrame != nil {
		c.afterFrame(len(c.frames))
	}
	if len(c.frames) >= c.limit {
		c.cancel()
	}
}

func testConfig(capture *fakeCapture, encoder *fakeEncoder) Config {
	return Config{
		CaptureDevice: "/dev/video0",
		EncoderDevice: "/dev/video11",
		Bitrate:       1_000_000,
		GOPSize:       3,
		Buffers:       6,
		OpenCapture:   func(string) (CaptureDevice, error) { return capture, nil },
		OpenEncoder:   func(string) (EncoderDevice, error) { return encoder, nil },
		OpenHeap:      func() (Allocator, error) { return fakeHeap{}, nil },
	}
}

// 250 cycles leak no buffers: at the end every slot is queued on exactly
// one of the two devices, none in user custody.
func TestPumpBufferCustody(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{}
	ctx, cancel := context.WithCancel(context.Background())
	out := &collector{limit: 250, cancel: cancel}

	sup := New(testConfig(capture, encoder), out)
	assert.NoError(t, sup.Run(ctx))

	assert.True(t, capture.started)
	assert.True(t, capture.stopped)
	assert.True(t, encoder.stopped)
	assert.Len(t, out.frames, 250)

	assert.Equal(t, 6, len(capture.queue)+len(encoder.inFlight),
		"every slot must be on a device queue at steady state")
	seen := make(map[int]bool)
	for _, i := range append(append([]int(nil), capture.queue...), encoder.inFlight...) {
		assert.False(t, seen[i], "slot %d on two queues", i)
		seen[i] = true
	}
}

// A keyframe arrives within the first GOP and at least every GOP after.
func TestPumpKeyframeCadence(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{}
	ctx, cancel := context.WithCancel(context.Background())
	out := &collector{limit: 250, cancel: cancel}

	sup := New(testConfig(capture, encoder), out)
	assert.NoError(t, sup.Run(ctx))

	gop := 3
	lastKey := -1
	for i, frame := range out.frames {
		if h264.ContainsIDR(frame) {
			lastKey = i
		}
		if i < gop {
			continue
		}
		assert.GreaterOrEqual(t, lastKey, i-gop, "no keyframe in the %d frames before %d", gop, i)
	}
	assert.True(t, h264.ContainsIDR(out.frames[0]))
}

// Three consecutive capture timeouts end the session; the supervisor
// recovers instead of failing, even on the first attempt.
func TestSignalLossRecovers(t *testing.T) {
	capture := &fakeCapture{t: t, timeout: true}
	encoder := &fakeEncoder{}
	ctx, cancel := context.WithCancel(context.Background())

	waits := 0
	cfg := testConfig(capture, encoder)
	cfg.WaitForSignal = func(ctx context.Context, timeout time.Duration) error {
		waits++
		cancel()
		return nil
	}

	sup := New(cfg, &collector{limit: 1 << 30, cancel: cancel})
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not recover")
	}
	assert.Equal(t, 3, capture.dequeues)
	assert.Equal(t, 1, waits)
	assert.True(t, capture.stopped)
}

// An init failure on the very first session is fatal.
func TestFirstInitFailureIsFatal(t *testing.T) {
	cfg := testConfig(&fakeCapture{t: t}, &fakeEncoder{})
	cfg.OpenCapture = func(string) (CaptureDevice, error) {
		return nil, errors.New("no such device")
	}

	sup := New(cfg, &collector{limit: 1, cancel: func() {}})
	err := sup.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Fatal, sup.State())
}

// A failed OUTPUT enqueue returns the slot to the capture queue and the
// pump keeps going.
func TestEncodeQBufFailureReturnsSlot(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{failNextQBuf: true}
	ctx, cancel := context.WithCancel(context.Background())
	out := &collector{limit: 50, cancel: cancel}

	sup := New(testConfig(capture, encoder), out)
	assert.NoError(t, sup.Run(ctx))

	// The fake capture would have flagged a leak or double-queue.
	assert.Len(t, out.frames, 50)
}

// A failed CAPTURE dequeue loses one frame, not the session. The slot
// stays on the encoder's OUTPUT queue and comes back via reclaim, so
// custody accounting still balances.
func TestEncodeDQBufFailureKeepsPumping(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{failNextDQBuf: true}
	ctx, cancel := context.WithCancel(context.Background())
	out := &collector{limit: 50, cancel: cancel}

	sup := New(testConfig(capture, encoder), out)
	assert.NoError(t, sup.Run(ctx))

	assert.Len(t, out.frames, 50)
	assert.Equal(t, 6, len(capture.queue)+len(encoder.inFlight))
	seen := make(map[int]bool)
	for _, i := range append(append([]int(nil), capture.queue...), encoder.inFlight...) {
		assert.False(t, seen[i], "slot %d on two queues", i)
		seen[i] = true
	}
}

// An encoder poll timeout ends the session; the supervisor rebuilds
// rather than failing.
func TestEncoderStallRecovers(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{stall: true}
	ctx, cancel := context.WithCancel(context.Background())

	waits := 0
	cfg := testConfig(capture, encoder)
	cfg.WaitForSignal = func(ctx context.Context, timeout time.Duration) error {
		waits++
		cancel()
		return nil
	}

	sup := New(cfg, &collector{limit: 1 << 30, cancel: cancel})
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not recover from encoder stall")
	}
	assert.Equal(t, 1, waits)
	assert.True(t, capture.stopped)
	assert.True(t, encoder.stopped)
}

func TestForceKeyFrameReachesEncoder(t *testing.T) {
	capture := &fakeCapture{t: t}
	encoder := &fakeEncoder{}
	ctx, cancel := context.WithCancel(context.Background())

	out := &collector{limit: 10, cancel: cancel}
	sup := New(testConfig(capture, encoder), out)

	// Deliver a keyframe request mid-run, the way a joining client does:
	// after the fifth frame, which the GOP cadence of 3 alone would
	// follow with a non-key frame.
	out.afterFrame = func(n int) {
		if n == 5 {
			sup.ForceKeyFrame()
		}
	}

	assert.NoError(t, sup.Run(ctx))
	assert.True(t, h264.ContainsIDR(out.frames[5]), "forced keyframe missing")
	info := sup.Info()
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.Equal(t, 25, info.FPS)
}
