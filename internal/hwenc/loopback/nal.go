package loopback

import (
	"encoding/binary"

	"github.com/mikeyg42/framepipe/internal/hwenc"
)

var startCode = []byte{0, 0, 0, 1}

const (
	nalSliceNonIDR = 1
	nalSliceIDR    = 5
	nalSEI         = 6
	nalSPS         = 7
	nalPPS         = 8
)

// escape inserts emulation-prevention bytes so no 00 00 0x (x <= 3)
// sequence appears inside a NAL payload.
func escape(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

func appendNAL(dst []byte, refIdc, typ byte, rbsp []byte) []byte {
	dst = append(dst, startCode...)
	dst = append(dst, refIdc<<5|typ)
	dst = append(dst, escape(rbsp)...)
	return dst
}

func profileIDC(p hwenc.InitParams) byte {
	switch {
	case p.Chroma == hwenc.Chroma444:
		return 244
	case p.NumBFrames > 0 || p.FieldEncoding:
		return 100
	default:
		return 66
	}
}

func sequenceHeader(p hwenc.InitParams) []byte {
	sps := []byte{profileIDC(p), 0, 40}
	sps = binary.BigEndian.AppendUint16(sps, uint16(p.Width))
	sps = binary.BigEndian.AppendUint16(sps, uint16(p.Height))
	sps = binary.BigEndian.AppendUint16(sps, uint16(p.FrameRateNum))
	sps = binary.BigEndian.AppendUint16(sps, uint16(p.FrameRateDen))
	sps = append(sps, 0x80)

	pps := []byte{0xce, 0x3c, 0x80}

	out := appendNAL(nil, 3, nalSPS, sps)
	return appendNAL(out, 3, nalPPS, pps)
}

// seiRBSP encodes one SEI message with ff-run type and size fields.
func seiRBSP(m hwenc.SEIPayload) []byte {
	var out []byte
	t := int(m.Type)
	for ; t >= 255; t -= 255 {
		out = append(out, 0xff)
	}
	out = append(out, byte(t))
	n := len(m.Data)
	for ; n >= 255; n -= 255 {
		out = append(out, 0xff)
	}
	out = append(out, byte(n))
	out = append(out, m.Data...)
	return append(out, 0x80)
}

func accessUnit(p hwenc.InitParams, inline bool, h held, t hwenc.PictureType) []byte {
	var out []byte
	if t == hwenc.PictureTypeIDR && inline {
		out = append(out, sequenceHeader(p)...)
	}
	for _, m := range h.p.SEI {
		out = appendNAL(out, 0, nalSEI, seiRBSP(m))
	}

	slice := binary.BigEndian.AppendUint64(nil, h.frame)
	slice = append(slice, byte(t), byte(h.p.PictureStruct))
	slice = binary.BigEndian.AppendUint32(slice, uint32(h.p.DisplayPOC))
	slice = append(slice, h.sample...)
	slice = append(slice, 0x80)

	switch t {
	case hwenc.PictureTypeIDR:
		return appendNAL(out, 3, nalSliceIDR, slice)
	case hwenc.PictureTypeB:
		return appendNAL(out, 0, nalSliceNonIDR, slice)
	default:
		return appendNAL(out, 2, nalSliceNonIDR, slice)
	}
}

// SplitAnnexB returns the NAL units of an Annex-B stream without start codes.
func SplitAnnexB(b []byte) [][]byte {
	var nals [][]byte
	start := -1
	for i := 0; i+3 <= len(b); {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && b[end-1] == 0 {
					end--
				}
				nals = append(nals, b[start:end])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		nals = append(nals, b[start:])
	}
	return nals
}
