package h264

import (
	"bytes"

	"github.com/mokulua/kvm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("h264")

var startCode = []byte{0x00, 0x00, 0x01}

// Demuxer mode, chosen by the wire contract of whoever feeds it.
type Mode int

const (
	// ModeMessage assumes every Feed call carries one or more complete
	// NAL units (one encoded unit per WebSocket message). The pending
	// access unit is flushed at the end of each Feed, avoiding a
	// one-frame latency penalty.
	ModeMessage Mode = iota

	// ModeStream makes no framing assumption: trailing bytes are carried
	// to the next Feed and an access unit is only emitted once a
	// following NAL proves its boundary. Feed(x) then Feed(y) emits
	// exactly what Feed(x ++ y) would.
	ModeStream
)

// Frame is one reassembled access unit: every retained NAL unit prefixed
// with a 4-byte Annex-B start code.
type Frame struct {
	Data     []byte
	Keyframe bool

	// Set when this access unit carried a sequence parameter set.
	SPS *SPSInfo
}

// Demuxer incrementally reassembles access units from an Annex-B byte
// stream. AUD and SEI units are dropped; SPS/PPS are retained in the
// access unit and additionally remembered for decoder configuration.
type Demuxer struct {
	mode Mode

	synced bool
	tail   []byte

	pending    [][]byte
	pendingVCL bool
	pendingSPS *SPSInfo

	sps, pps []byte
	info     *SPSInfo
}

func NewDemuxer(mode Mode) *Demuxer {
	return &Demuxer{mode: mode}
}

// SPS returns the most recent raw sequence parameter set, or nil.
func (d *Demuxer) SPS() []byte { return d.sps }

// PPS returns the most recent raw picture parameter set, or nil.
func (d *Demuxer) PPS() []byte { return d.pps }

// Info returns the parsed parameters of the most recent SPS, or nil.
func (d *Demuxer) Info() *SPSInfo { return d.info }

// Feed consumes the next chunk of the byte stream and returns any access
// units completed by it.
func (d *Demuxer) Feed(p []byte) []Frame {
	var frames []Frame

	buf := p
	if len(d.tail) > 0 {
		buf = append(d.tail, p...)
		d.tail = nil
	}

	// Leading bytes before the first start code ever seen are dropped.
	if !d.synced {
		pos, n := findStartCode(buf)
		if pos < 0 {
			// Keep enough bytes to recognize a start code split across
			// chunk boundaries.
			d.tail = tailCopy(buf, len(startCode))
			return nil
		}
		buf = buf[pos+n:]
		d.synced = true
	}

	for {
		pos, n := findStartCode(buf)
		if pos < 0 {
			break
		}
		frames = d.process(buf[:pos], frames)
		buf = buf[pos+n:]
	}

	switch d.mode {
	case ModeMessage:
		// The wire guarantees complete units per message: the remainder
		// is a whole NAL, and the accumulated access unit is complete.
		if len(buf) > 0 {
			frames = d.process(buf, frames)
		}
		if d.pendingVCL {
			frames = append(frames, d.emit())
		}
	case ModeStream:
		d.tail = tailCopy(buf, len(buf))
	}

	return frames
}

// Flush terminates the stream: any carried tail is treated as a final
// complete NAL unit and the pending access unit, if it holds slice data,
// is emitted. Mostly useful in ModeStream, where an access unit is
// otherwise only proven complete by the arrival of the next one.
func (d *Demuxer) Flush() []Frame {
	var frames []Frame
	if d.synced && len(d.tail) > 0 {
		frames = d.process(d.tail, frames)
	}
	d.tail = nil
	if d.pendingVCL {
		frames = append(frames, d.emit())
	}
	return frames
}

// process applies the frame-boundary rule to one complete NAL unit and
// files it into the pending access unit.
func (d *Demuxer) process(nalu []byte, frames []Frame) []Frame {
	if len(nalu) == 0 {
		return frames
	}
	n := NALU(nalu)

	// A non-VCL NAL, or a VCL NAL starting a new slice group, closes the
	// access unit accumulated so far.
	if d.pendingVCL && (!n.VCL() || firstMbInSlice(nalu) == 0) {
		frames = append(frames, d.emit())
	}

	switch n.Type() {
	case NALTypeAUD, NALTypeSEI:
		// Dropped from emitted access units.
		return frames
	case NALTypeSPS:
		d.sps = append([]byte(nil), nalu...)
		if info, err := ParseSPS(nalu); err != nil {
			log.Warn("sps parse: %v", err)
		} else {
			d.info = info
			d.pendingSPS = info
		}
	case NALTypePPS:
		d.pps = append([]byte(nil), nalu...)
	}

	d.pending = append(d.pending, append([]byte(nil), nalu...))
	if n.VCL() {
		d.pendingVCL = true
	}
	return frames
}

// emit assembles the pending NALs into one access unit.
func (d *Demuxer) emit() Frame {
	size := 0
	for _, nalu := range d.pending {
		size += 4 + len(nalu)
	}
	data := make([]byte, 0, size)
	keyframe := false
	for _, nalu := range d.pending {
		data = append(data, 0x00, 0x00, 0x00, 0x01)
		data = append(data, nalu...)
		if NALU(nalu).Type() == NALTypeIDR {
			keyframe = true
		}
	}
	frame := Frame{Data: data, Keyframe: keyframe, SPS: d.pendingSPS}
	d.pending = nil
	d.pendingVCL = false
	d.pendingSPS = nil
	return frame
}

// firstMbInSlice decodes the leading Exp-Golomb field of a slice header.
// Returns -1 when the header is unreadable.
func firstMbInSlice(nalu []byte) int {
	if len(nalu) < 2 {
		return -1
	}
	// The slice header sits at the very front; a handful of bytes is
	// plenty for first_mb_in_slice.
	end := len(nalu)
	if end > 8 {
		end = 8
	}
	r := &bitReader{data: stripEmulationPrevention(nalu[1:end])}
	v, err := r.ue()
	if err != nil {
		return -1
	}
	return int(v)
}

// findStartCode locates the next 3- or 4-byte Annex-B start code.
// Returns the offset where the code begins and its length.
func findStartCode(p []byte) (pos, n int) {
	i := bytes.Index(p, startCode)
	if i < 0 {
		return -1, 0
	}
	if i > 0 && p[i-1] == 0x00 {
		return i - 1, 4
	}
	return i, 3
}

func tailCopy(p []byte, max int) []byte {
	if len(p) == 0 {
		return nil
	}
	if len(p) > max {
		p = p[len(p)-max:]
	}
	return append([]byte(nil), p...)
}
