package h264

import (
	"fmt"

	"github.com/pkg/errors"
)

// SPSInfo holds the decoder-facing facts extracted from a sequence
// parameter set.
type SPSInfo struct {
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	ChromaFormatIDC uint
	FrameMbsOnly    bool

	// Post-crop picture dimensions.
	Width  int
	Height int

	// RFC 6381 codec string, e.g. "avc1.42c01f".
	Codec string
}

var errNotSPS = errors.New("not a sequence parameter set")

// Profiles whose SPS carries the extended chroma/bit-depth syntax.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// ParseSPS decodes a raw SPS NAL unit (no start code) and derives the
// cropped picture dimensions and codec string.
func ParseSPS(nalu []byte) (*SPSInfo, error) {
	if len(nalu) < 4 {
		return nil, errors.Wrap(errNotSPS, "too short")
	}
	if NALU(nalu).Type() != NALTypeSPS {
		return nil, errNotSPS
	}

	r := &bitReader{data: stripEmulationPrevention(nalu[1:])}

	profile, err := r.bits(8)
	if err != nil {
		return nil, err
	}
	constraints, err := r.bits(8)
	if err != nil {
		return nil, err
	}
	level, err := r.bits(8)
	if err != nil {
		return nil, err
	}
	if _, err := r.ue(); err != nil { // seq_parameter_set_id
		return nil, err
	}

	chromaFormatIDC := uint(1)
	if highProfiles[profile] {
		if chromaFormatIDC, err = r.ue(); err != nil {
			return nil, err
		}
		if chromaFormatIDC == 3 {
			if _, err := r.bit(); err != nil { // separate_colour_plane_flag
				return nil, err
			}
		}
		if _, err := r.ue(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := r.ue(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := r.bit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingMatrix, err := r.bit()
		if err != nil {
			return nil, err
		}
		if scalingMatrix == 1 {
			lists := 8
			if chromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := r.bit()
				if err != nil {
					return nil, err
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := skipScalingList(r, size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if _, err := r.ue(); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}
	pocType, err := r.ue()
	if err != nil {
		return nil, err
	}
	switch pocType {
	case 0:
		if _, err := r.ue(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if _, err := r.bit(); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := r.se(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := r.se(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		cycles, err := r.ue()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < cycles; i++ {
			if _, err := r.se(); err != nil { // offset_for_ref_frame
				return nil, err
			}
		}
	}
	if _, err := r.ue(); err != nil { // max_num_ref_frames
		return nil, err
	}
	if _, err := r.bit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	widthInMbs, err := r.ue()
	if err != nil {
		return nil, err
	}
	heightInMapUnits, err := r.ue()
	if err != nil {
		return nil, err
	}
	frameMbsOnly, err := r.bit()
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		if _, err := r.bit(); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if _, err := r.bit(); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	cropping, err := r.bit()
	if err != nil {
		return nil, err
	}
	if cropping == 1 {
		if cropLeft, err = r.ue(); err != nil {
			return nil, err
		}
		if cropRight, err = r.ue(); err != nil {
			return nil, err
		}
		if cropTop, err = r.ue(); err != nil {
			return nil, err
		}
		if cropBottom, err = r.ue(); err != nil {
			return nil, err
		}
	}

	// Frame geometry in samples, then subtract the crop window scaled by
	// the chroma sampling units.
	frameHeightFactor := uint(2) - frameMbsOnly
	width := int((widthInMbs + 1) * 16)
	height := int((heightInMapUnits + 1) * 16 * frameHeightFactor)

	var cropUnitX, cropUnitY uint
	switch chromaFormatIDC {
	case 0:
		cropUnitX, cropUnitY = 1, frameHeightFactor
	case 1:
		cropUnitX, cropUnitY = 2, 2*frameHeightFactor
	case 2:
		cropUnitX, cropUnitY = 2, frameHeightFactor
	default:
		cropUnitX, cropUnitY = 1, frameHeightFactor
	}
	width -= int((cropLeft + cropRight) * cropUnitX)
	height -= int((cropTop + cropBottom) * cropUnitY)

	return &SPSInfo{
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
		ChromaFormatIDC: chromaFormatIDC,
		FrameMbsOnly:    frameMbsOnly == 1,
		Width:           width,
		Height:          height,
		Codec:           fmt.Sprintf("avc1.%02x%02x%02x", profile, constraints, level),
	}, nil
}

func skipScalingList(r *bitReader, size int) error {
	lastScale, nextScale := 8, 8
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := r.se()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}
