// Package session drives the capture → encode → broadcast loop and
// rebuilds the pipeline when the HDMI signal drops.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mokulua/kvm/internal/dmabuf"
	"github.com/mokulua/kvm/internal/h264"
	"github.com/mokulua/kvm/internal/logging"
	"github.com/mokulua/kvm/internal/metrics"
	"github.com/mokulua/kvm/internal/v4l2"
)

var log = logging.DefaultLogger.WithTag("session")

type State int

const (
	Probing State = iota
	Running
	Draining
	Recovering
	Fatal
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Recovering:
		return "recovering"
	default:
		return "fatal"
	}
}

const (
	captureDequeueTimeout  = 2 * time.Second
	maxConsecutiveTimeouts = 3
	recoverBackoff         = 2 * time.Second
	signalWaitTimeout      = 5 * time.Minute
)

var errSignalLost = errors.New("capture repeatedly timed out")

// errInit marks failures during pipeline bring-up, which are fatal on the
// first attempt only.
var errInit = errors.New("session init failed")

// SignalInfo is the probed video mode, immutable for a session.
type SignalInfo struct {
	Width  int
	Height int
	FPS    int
}

// The V4L2 devices and the DMA heap enter through narrow interfaces so
// the pump can be exercised without hardware.

type CaptureDevice interface {
	Negotiate(pixelformat uint32) (v4l2.Format, error)
	Start(bufs []*dmabuf.Buffer) error
	Dequeue(timeout time.Duration) (index, bytesused int, err error)
	Queue(index int) error
	Stop() error
	Close() error
}

type EncoderDevice interface {
	Init(format v4l2.Format, cfg v4l2.EncoderConfig, bufs []*dmabuf.Buffer) error
	Encode(index, bytesused int) (frame []byte, reclaimed int, err error)
	ForceKeyFrame() error
	Stop() error
	Close() error
}

type Allocator interface {
	AllocAll(count, size int) ([]*dmabuf.Buffer, error)
	Close() error
}

type Broadcaster interface {
	Broadcast(p []byte)
}

type Config struct {
	CaptureDevice string
	EncoderDevice string
	PixelFormat   uint32
	Bitrate       int
	GOPSize       int
	Buffers       int

	// Device constructors, replaceable in tests. Nil selects the real
	// hardware paths.
	OpenCapture func(path string) (CaptureDevice, error)
	OpenEncoder func(path string) (EncoderDevice, error)
	OpenHeap    func() (Allocator, error)

	// WaitForSignal blocks until the HDMI bridge reports a stable input,
	// or the timeout passes. The probing details (EDID and friends) live
	// outside this process.
	WaitForSignal func(ctx context.Context, timeout time.Duration) error
}

type Supervisor struct {
	cfg Config
	out Broadcaster

	mu      sync.Mutex
	state   State
	info    SignalInfo
	encoder EncoderDevice
}

func New(cfg Config, out Broadcaster) *Supervisor {
	if cfg.PixelFormat == 0 {
		cfg.PixelFormat = v4l2.V4L2_PIX_FMT_UYVY
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 6
	}
	if cfg.GOPSize <= 0 {
		cfg.GOPSize = 3
	}
	if cfg.OpenCapture == nil {
		cfg.OpenCapture = func(path string) (CaptureDevice, error) {
			return v4l2.OpenCapture(path)
		}
	}
	if cfg.OpenEncoder == nil {
		cfg.OpenEncoder = func(path string) (EncoderDevice, error) {
			return v4l2.OpenEncoder(path)
		}
	}
	if cfg.OpenHeap == nil {
		cfg.OpenHeap = func() (Allocator, error) {
			return dmabuf.Open(dmabuf.DefaultHeapPath)
		}
	}
	return &Supervisor{cfg: cfg, out: out}
}

// State reports the supervisor's current phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the probed signal of the current session.
func (s *Supervisor) Info() SignalInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ForceKeyFrame asks the running encoder for an IDR on the next frame.
// No-op between sessions.
func (s *Supervisor) ForceKeyFrame() {
	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()
	if enc != nil {
		if err := enc.ForceKeyFrame(); err != nil {
			log.Warn("force keyframe: %v", err)
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	log.Debug("state: %s", state)
}

// Run drives sessions until ctx is cancelled. An init failure on the
// very first session is fatal and returned; every later failure loops
// through recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	first := true
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.setState(Draining)
			return nil
		}
		if first && errors.Is(err, errInit) {
			s.setState(Fatal)
			return err
		}
		first = false

		metrics.SessionRestarts.Inc()
		s.setState(Recovering)
		log.Warn("session ended: %v; recovering", err)

		if !sleepCtx(ctx, recoverBackoff) {
			return nil
		}
		if s.cfg.WaitForSignal != nil {
			if err := s.cfg.WaitForSignal(ctx, signalWaitTimeout); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("signal wait: %v", err)
			}
		}
	}
}

// runSession brings the pipeline up, pumps until it breaks, and tears it
// all back down.
func (s *Supervisor) runSession(ctx context.Context) error {
	s.setState(Probing)

	capture, err := s.cfg.OpenCapture(s.cfg.CaptureDevice)
	if err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer capture.Close()

	format, err := capture.Negotiate(s.cfg.PixelFormat)
	if err != nil {
		return errors.Wrap(errInit, err.Error())
	}

	heap, err := s.cfg.OpenHeap()
	if err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer heap.Close()

	bufs, err := heap.AllocAll(s.cfg.Buffers, format.SizeImage)
	if err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer dmabuf.CloseAll(bufs)

	// Both devices bind to the same fds; encoder first, then capture.
	encoder, err := s.cfg.OpenEncoder(s.cfg.EncoderDevice)
	if err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer encoder.Close()

	encCfg := v4l2.EncoderConfig{Bitrate: s.cfg.Bitrate, GOPSize: s.cfg.GOPSize}
	if err := encoder.Init(format, encCfg, bufs); err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer encoder.Stop()

	if err := capture.Start(bufs); err != nil {
		return errors.Wrap(errInit, err.Error())
	}
	defer capture.Stop()

	s.mu.Lock()
	s.state = Running
	s.info = SignalInfo{Width: format.Width, Height: format.Height, FPS: format.FPS}
	s.encoder = encoder
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.encoder = nil
		s.mu.Unlock()
	}()

	log.Info("session running: %dx%d @ %d fps", format.Width, format.Height, format.FPS)
	return s.pump(ctx, capture, encoder)
}

// pump is the single thread that touches the V4L2 queues after init.
// Broadcast of frame N completes before frame N+1 is dequeued, which is
// what makes the encoder's borrowed output slice safe.
func (s *Supervisor) pump(ctx context.Context, capture CaptureDevice, encoder EncoderDevice) error {
	timeouts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		index, bytesused, err := capture.Dequeue(captureDequeueTimeout)
		if err != nil {
			if v4l2.IsTimeout(err) {
				timeouts++
				metrics.CaptureTimeouts.Inc()
				if timeouts >= maxConsecutiveTimeouts {
					return errSignalLost
				}
				continue
			}
			return errors.Wrap(err, "capture")
		}
		timeouts = 0

		frame, reclaimed, err := encoder.Encode(index, bytesused)
		switch {
		case err == nil:
		case errors.Is(err, v4l2.ErrQBufFailed), errors.Is(err, v4l2.ErrNotStreaming):
			// The slot never left our custody; hand it back to the
			// capture queue and keep pumping.
			log.Warn("encode: %v", err)
			if qerr := capture.Queue(index); qerr != nil {
				return errors.Wrap(qerr, "requeue after encode error")
			}
			continue
		case v4l2.IsTimeout(err):
			// Encoder poll deadline expired: the hardware is wedged and
			// the session gets rebuilt.
			return errors.Wrap(err, "encoder stalled")
		default:
			// The frame is lost but the slot sits on the encoder's
			// OUTPUT queue, where a later cycle reclaims it. Requeueing
			// it on capture here would put one slot on two queues.
			log.Warn("encode: %v", err)
			continue
		}

		if reclaimed >= 0 {
			if err := capture.Queue(reclaimed); err != nil {
				return errors.Wrap(err, "requeue reclaimed")
			}
		}

		if len(frame) > 0 {
			metrics.FramesEncoded.Inc()
			metrics.EncodedBytes.Add(float64(len(frame)))
			if h264.ContainsIDR(frame) {
				metrics.KeyframesEncoded.Inc()
			}
			s.out.Broadcast(frame)
		}
	}
}

// sleepCtx sleeps d unless ctx ends first; reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
