package pixconv

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Features lists the host vector extensions relevant to repacking.
type Features struct {
	SSE2  bool `json:"sse2"`
	SSSE3 bool `json:"ssse3"`
	AVX2  bool `json:"avx2"`
	ASIMD bool `json:"asimd"`
}

// HostFeatures reports what the running CPU supports.
func HostFeatures() Features {
	return Features{
		SSE2:  cpu.X86.HasSSE2,
		SSSE3: cpu.X86.HasSSSE3,
		AVX2:  cpu.X86.HasAVX2,
		ASIMD: cpu.ARM64.HasASIMD,
	}
}

// Repacker is the in-tree Converter. The fast path moves whole rows with
// copy and repacks 16 source bytes at a time through 64-bit words; the
// scalar path touches one sample at a time. Both produce identical output.
type Repacker struct {
	features Features

	fastFrames   atomic.Uint64
	scalarFrames atomic.Uint64
}

// NewRepacker returns a Repacker tuned for the host.
func NewRepacker() *Repacker {
	return &Repacker{features: HostFeatures()}
}

// Features returns the host features detected at construction.
func (r *Repacker) Features() Features { return r.features }

// Convert implements Converter.
func (r *Repacker) Convert(src Source, dst Target, width, height int, fast bool) error {
	if err := checkGeometry(src, dst, width, height); err != nil {
		return err
	}
	if fast {
		r.fastFrames.Add(1)
	} else {
		r.scalarFrames.Add(1)
	}

	switch src.Layout {
	case LayoutI420:
		planarToNV12(src.Planes[0], src.Planes[1], src.Planes[2], src.Strides[0], src.Strides[1], src.Strides[2], dst, width, height, fast)
	case LayoutYV12:
		planarToNV12(src.Planes[0], src.Planes[2], src.Planes[1], src.Strides[0], src.Strides[2], src.Strides[1], dst, width, height, fast)
	case LayoutYUYV:
		packed422ToNV12(src.Planes[0], src.Strides[0], 0, 1, dst, width, height, fast)
	case LayoutUYVY:
		packed422ToNV12(src.Planes[0], src.Strides[0], 1, 0, dst, width, height, fast)
	case LayoutVUYA:
		packed444ToPlanar(src.Planes[0], src.Strides[0], dst, width, height, fast)
	}
	return nil
}

// Metrics returns conversion counters
func (r *Repacker) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"fast_frames":   r.fastFrames.Load(),
		"scalar_frames": r.scalarFrames.Load(),
		"features":      r.features,
	}
}

const (
	lane16 = 0x00FF00FF00FF00FF
	ones16 = 0x0001000100010001
)

// pack16 gathers the low byte of each 16-bit lane into four bytes.
func pack16(w uint64) uint32 {
	w &= lane16
	w = (w | w>>8) & 0x0000FFFF0000FFFF
	w = (w | w>>16) & 0x00000000FFFFFFFF
	return uint32(w)
}

// spread16 is the inverse of pack16.
func spread16(v uint32) uint64 {
	w := uint64(v)
	w = (w | w<<16) & 0x0000FFFF0000FFFF
	w = (w | w<<8) & lane16
	return w
}

// pack32 gathers byte k of each 32-bit lane into two bytes.
func pack32(w uint64, k uint) uint16 {
	w = (w >> (8 * k)) & 0x000000FF000000FF
	return uint16(w | w>>24)
}

func avg(a, b byte) byte { return byte((uint16(a) + uint16(b) + 1) >> 1) }

func planarToNV12(y, u, v []byte, ys, us, vs int, dst Target, width, height int, fast bool) {
	dy, duv, pitch := dst.Planes[0], dst.Planes[1], dst.Pitch
	cw, ch := chromaDims(width, height)

	for row := 0; row < height; row++ {
		s := y[row*ys : row*ys+width]
		d := dy[row*pitch : row*pitch+width]
		if fast {
			copy(d, s)
			continue
		}
		for x := range s {
			d[x] = s[x]
		}
	}

	for row := 0; row < ch; row++ {
		su := u[row*us : row*us+cw]
		sv := v[row*vs : row*vs+cw]
		d := duv[row*pitch : row*pitch+2*cw]
		x := 0
		if fast {
			for ; x+4 <= cw; x += 4 {
				w := spread16(binary.LittleEndian.Uint32(su[x:])) |
					spread16(binary.LittleEndian.Uint32(sv[x:]))<<8
				binary.LittleEndian.PutUint64(d[2*x:], w)
			}
		}
		for ; x < cw; x++ {
			d[2*x] = su[x]
			d[2*x+1] = sv[x]
		}
	}
}

// packed422ToNV12 handles YUYV (lumaOff 0, chromaOff 1) and UYVY (1, 0).
// Chroma is the rounded mean of each vertical pair of rows; a trailing odd
// row is used on its own.
func packed422ToNV12(src []byte, stride, lumaOff, chromaOff int, dst Target, width, height int, fast bool) {
	dy, duv, pitch := dst.Planes[0], dst.Planes[1], dst.Pitch
	rowBytes := 2 * width
	lumaShift, chromaShift := uint(8*lumaOff), uint(8*chromaOff)

	for row := 0; row < height; row++ {
		s := src[row*stride : row*stride+rowBytes]
		d := dy[row*pitch : row*pitch+width]
		x := 0
		if fast {
			for ; x+16 <= rowBytes; x += 16 {
				lo := pack16(binary.LittleEndian.Uint64(s[x:]) >> lumaShift)
				hi := pack16(binary.LittleEndian.Uint64(s[x+8:]) >> lumaShift)
				binary.LittleEndian.PutUint64(d[x/2:], uint64(lo)|uint64(hi)<<32)
			}
		}
		for ; x < rowBytes; x += 2 {
			d[x/2] = s[x+lumaOff]
		}
	}

	for crow := 0; crow < (height+1)/2; crow++ {
		r0 := 2 * crow
		r1 := r0 + 1
		if r1 >= height {
			r1 = r0
		}
		s0 := src[r0*stride : r0*stride+rowBytes]
		s1 := src[r1*stride : r1*stride+rowBytes]
		d := duv[crow*pitch : crow*pitch+width]
		x := 0
		if fast {
			for ; x+16 <= rowBytes; x += 16 {
				var out [2]uint32
				for k := 0; k < 2; k++ {
					a := (binary.LittleEndian.Uint64(s0[x+8*k:]) >> chromaShift) & lane16
					b := (binary.LittleEndian.Uint64(s1[x+8*k:]) >> chromaShift) & lane16
					out[k] = pack16((a + b + ones16) >> 1)
				}
				binary.LittleEndian.PutUint64(d[x/2:], uint64(out[0])|uint64(out[1])<<32)
			}
		}
		// one U,V pair per 4 source bytes
		for ; x < rowBytes; x += 4 {
			d[x/2] = avg(s0[x+chromaOff], s1[x+chromaOff])
			d[x/2+1] = avg(s0[x+chromaOff+2], s1[x+chromaOff+2])
		}
	}
}

func packed444ToPlanar(src []byte, stride int, dst Target, width, height int, fast bool) {
	dy, du, dv, pitch := dst.Planes[0], dst.Planes[1], dst.Planes[2], dst.Pitch
	rowBytes := 4 * width

	for row := 0; row < height; row++ {
		s := src[row*stride : row*stride+rowBytes]
		oy := dy[row*pitch : row*pitch+width]
		ou := du[row*pitch : row*pitch+width]
		ov := dv[row*pitch : row*pitch+width]
		x := 0
		if fast {
			for ; x+4 <= width; x += 4 {
				w0 := binary.LittleEndian.Uint64(s[4*x:])
				w1 := binary.LittleEndian.Uint64(s[4*x+8:])
				binary.LittleEndian.PutUint32(oy[x:], uint32(pack32(w0, 2))|uint32(pack32(w1, 2))<<16)
				binary.LittleEndian.PutUint32(ou[x:], uint32(pack32(w0, 1))|uint32(pack32(w1, 1))<<16)
				binary.LittleEndian.PutUint32(ov[x:], uint32(pack32(w0, 0))|uint32(pack32(w1, 0))<<16)
			}
		}
		for ; x < width; x++ {
			ov[x] = s[4*x]
			ou[x] = s[4*x+1]
			oy[x] = s[4*x+2]
		}
	}
}
