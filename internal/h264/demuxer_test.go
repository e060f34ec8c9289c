package h264

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

var annexBPrefix = []byte{0x00, 0x00, 0x00, 0x01}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, nalu := range nalus {
		out = append(out, annexBPrefix...)
		out = append(out, nalu...)
	}
	return out
}

// splitNALUs undoes annexB for comparing emitted access units.
func splitNALUs(t *testing.T, au []byte) [][]byte {
	t.Helper()
	assert.True(t, bytes.HasPrefix(au, annexBPrefix))
	var nalus [][]byte
	for _, part := range bytes.Split(au[4:], annexBPrefix) {
		nalus = append(nalus, part)
	}
	return nalus
}

func testNALUs() (sps, pps, idr, nonIDR []byte) {
	sps = buildSPS(spsParams{
		profile: 66, constraints: 0xc0, level: 31,
		widthInMbsMinus1: 79, heightInMapUnitsMinus1: 44,
	})
	pps = []byte{0x68, 0xce, 0x3c, 0x80}
	// Slice headers start with first_mb_in_slice = 0 (a leading 1 bit).
	idr = []byte{0x65, 0x88, 0x84, 0x21, 0xff, 0x00, 0x5a}
	nonIDR = []byte{0x41, 0x9a, 0x42, 0x3c, 0x21, 0x7f}
	return
}

// One message carrying SPS+PPS+IDR yields one keyframe access unit with
// all three NAL units retained.
func TestDemuxerSingleMessage(t *testing.T) {
	sps, pps, idr, _ := testNALUs()
	d := NewDemuxer(ModeMessage)

	frames := d.Feed(annexB(sps, pps, idr))

	assert.Len(t, frames, 1)
	assert.True(t, frames[0].Keyframe)
	assert.NotNil(t, frames[0].SPS)
	assert.Equal(t, 1280, frames[0].SPS.Width)
	assert.Equal(t, 720, frames[0].SPS.Height)
	assert.Equal(t, [][]byte{sps, pps, idr}, splitNALUs(t, frames[0].Data))

	assert.Equal(t, sps, d.SPS())
	assert.Equal(t, pps, d.PPS())
}

// The same stream split at every byte offset produces the same single
// access unit.
func TestDemuxerArbitrarySplit(t *testing.T) {
	sps, pps, idr, _ := testNALUs()
	stream := annexB(sps, pps, idr)

	for cut := 0; cut <= len(stream); cut++ {
		d := NewDemuxer(ModeStream)
		var frames []Frame
		frames = append(frames, d.Feed(stream[:cut])...)
		frames = append(frames, d.Feed(stream[cut:])...)
		frames = append(frames, d.Flush()...)

		if assert.Len(t, frames, 1, "cut at %d", cut) {
			assert.Equal(t, [][]byte{sps, pps, idr}, splitNALUs(t, frames[0].Data), "cut at %d", cut)
			assert.True(t, frames[0].Keyframe, "cut at %d", cut)
		}
	}
}

// Reassembly is a left-inverse of Annex-B framing across a whole
// sequence of access units.
func TestDemuxerRoundTrip(t *testing.T) {
	sps, pps, idr, nonIDR := testNALUs()
	aus := [][]byte{
		annexB(sps, pps, idr),
		annexB(nonIDR),
		annexB(nonIDR),
		annexB(sps, pps, idr),
		annexB(nonIDR),
	}

	d := NewDemuxer(ModeStream)
	var frames []Frame
	frames = append(frames, d.Feed(bytes.Join(aus, nil))...)
	frames = append(frames, d.Flush()...)

	assert.Len(t, frames, len(aus))
	for i, frame := range frames {
		assert.Equal(t, aus[i], frame.Data, "access unit %d", i)
	}
	assert.True(t, frames[0].Keyframe)
	assert.False(t, frames[1].Keyframe)
	assert.True(t, frames[3].Keyframe)
}

// Feed(x) then Feed(y) emits what Feed(x ++ y) would, for any split.
func TestDemuxerIncremental(t *testing.T) {
	sps, pps, idr, nonIDR := testNALUs()
	stream := append(annexB(sps, pps, idr), annexB(nonIDR)...)
	stream = append(stream, annexB(nonIDR)...)

	whole := NewDemuxer(ModeStream)
	var want []Frame
	want = append(want, whole.Feed(stream)...)
	want = append(want, whole.Flush()...)

	for cut := 0; cut <= len(stream); cut++ {
		d := NewDemuxer(ModeStream)
		var got []Frame
		got = append(got, d.Feed(stream[:cut])...)
		got = append(got, d.Feed(stream[cut:])...)
		got = append(got, d.Flush()...)

		if assert.Len(t, got, len(want), "cut at %d", cut) {
			for i := range want {
				assert.Equal(t, want[i].Data, got[i].Data, "cut at %d, frame %d", cut, i)
			}
		}
	}
}

// AUD and SEI units are consumed but never emitted.
func TestDemuxerDropsAUDAndSEI(t *testing.T) {
	sps, pps, idr, nonIDR := testNALUs()
	aud := []byte{0x09, 0xf0}
	sei := []byte{0x06, 0x05, 0x04, 0x80}

	d := NewDemuxer(ModeMessage)
	frames := d.Feed(annexB(aud, sps, pps, sei, idr))
	assert.Len(t, frames, 1)
	assert.Equal(t, [][]byte{sps, pps, idr}, splitNALUs(t, frames[0].Data))

	// An AUD after slice data closes the access unit.
	d = NewDemuxer(ModeStream)
	frames = d.Feed(annexB(nonIDR, aud, nonIDR))
	assert.Len(t, frames, 1)
	assert.Equal(t, [][]byte{nonIDR}, splitNALUs(t, frames[0].Data))
	assert.False(t, frames[0].Keyframe)
}

// Bytes before the first start code are discarded.
func TestDemuxerDropsLeadingGarbage(t *testing.T) {
	_, _, idr, _ := testNALUs()
	d := NewDemuxer(ModeMessage)

	stream := append([]byte{0xde, 0xad, 0xbe, 0xef}, annexB(idr)...)
	frames := d.Feed(stream)
	assert.Len(t, frames, 1)
	assert.Equal(t, [][]byte{idr}, splitNALUs(t, frames[0].Data))
}

// Three-byte start codes are accepted on input; output is normalized to
// four-byte codes.
func TestDemuxerShortStartCodes(t *testing.T) {
	sps, pps, idr, _ := testNALUs()
	var stream []byte
	for _, nalu := range [][]byte{sps, pps, idr} {
		stream = append(stream, 0x00, 0x00, 0x01)
		stream = append(stream, nalu...)
	}

	d := NewDemuxer(ModeMessage)
	frames := d.Feed(stream)
	assert.Len(t, frames, 1)
	assert.Equal(t, annexB(sps, pps, idr), frames[0].Data)
}

// Consecutive slices with first_mb_in_slice == 0 are distinct frames.
func TestDemuxerSliceBoundary(t *testing.T) {
	_, _, _, nonIDR := testNALUs()
	// first_mb_in_slice = 4: ue prefix 00101 in the byte after the header.
	continuation := []byte{0x41, 0x2c, 0x42, 0x3c}

	d := NewDemuxer(ModeStream)
	var frames []Frame
	frames = append(frames, d.Feed(annexB(nonIDR, continuation, nonIDR))...)
	frames = append(frames, d.Flush()...)

	assert.Len(t, frames, 2)
	assert.Equal(t, [][]byte{nonIDR, continuation}, splitNALUs(t, frames[0].Data))
	assert.Equal(t, [][]byte{nonIDR}, splitNALUs(t, frames[1].Data))
}

func TestContainsIDR(t *testing.T) {
	sps, pps, idr, nonIDR := testNALUs()
	assert.True(t, ContainsIDR(annexB(sps, pps, idr)))
	assert.False(t, ContainsIDR(annexB(sps, pps, nonIDR)))
	assert.False(t, ContainsIDR(nil))
}
