package h264

import "github.com/pkg/errors"

var errBitstream = errors.New("bitstream exhausted")

// bitReader reads the RBSP bit syntax used by parameter sets and slice
// headers. The caller strips emulation-prevention bytes first.
type bitReader struct {
	data []byte
	pos  int // bit position
}

func (r *bitReader) bit() (uint, error) {
	if r.pos >= len(r.data)*8 {
		return 0, errBitstream
	}
	b := r.data[r.pos/8] >> (7 - uint(r.pos%8)) & 1
	r.pos++
	return uint(b), nil
}

func (r *bitReader) bits(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		b, err := r.bit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

// ue reads an unsigned Exp-Golomb coded value.
func (r *bitReader) ue() (uint, error) {
	zeros := 0
	for {
		b, err := r.bit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errors.Wrap(errBitstream, "exp-golomb prefix too long")
		}
	}
	suffix, err := r.bits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<uint(zeros) - 1 + suffix, nil
}

// se reads a signed Exp-Golomb coded value.
func (r *bitReader) se() (int, error) {
	k, err := r.ue()
	if err != nil {
		return 0, err
	}
	if k%2 == 0 {
		return -int(k / 2), nil
	}
	return int(k+1) / 2, nil
}

// stripEmulationPrevention rewrites 00 00 03 to 00 00, yielding the raw
// RBSP payload.
func stripEmulationPrevention(src []byte) []byte {
	dst := make([]byte, 0, len(src))
	zeros := 0
	for i := 0; i < len(src); i++ {
		if zeros >= 2 && src[i] == 0x03 {
			zeros = 0
			continue
		}
		if src[i] == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		dst = append(dst, src[i])
	}
	return dst
}
