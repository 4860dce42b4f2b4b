// Package pixconv repacks caller pixel buffers into the native layouts an
// encoder input surface accepts: two-plane NV12 for 4:2:0 sessions and three
// separate planes for 4:4:4 sessions.
package pixconv

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

// Layout is a source pixel layout.
type Layout int

const (
	LayoutUnknown Layout = iota
	LayoutI420           // planar 4:2:0, planes Y U V
	LayoutYV12           // planar 4:2:0, planes Y V U
	LayoutYUYV           // packed 4:2:2, Y0 U Y1 V
	LayoutUYVY           // packed 4:2:2, U Y0 V Y1
	LayoutVUYA           // packed 4:4:4, V U Y A
)

func (l Layout) String() string {
	switch l {
	case LayoutI420:
		return "i420"
	case LayoutYV12:
		return "yv12"
	case LayoutYUYV:
		return "yuyv"
	case LayoutUYVY:
		return "uyvy"
	case LayoutVUYA:
		return "vuya"
	default:
		return "unknown"
	}
}

// ParseLayout maps a config name to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "i420":
		return LayoutI420, nil
	case "yv12":
		return LayoutYV12, nil
	case "yuyv", "yuy2":
		return LayoutYUYV, nil
	case "uyvy":
		return LayoutUYVY, nil
	case "vuya", "yuv444":
		return LayoutVUYA, nil
	}
	return LayoutUnknown, fmt.Errorf("pixconv: unknown layout %q", s)
}

// Planar reports whether the layout stores three planes.
func (l Layout) Planar() bool { return l == LayoutI420 || l == LayoutYV12 }

// Format is a destination surface format.
type Format int

const (
	FormatNV12   Format = iota // Y plane + interleaved UV plane
	FormatYUV444               // Y, U, V planes at full resolution
)

func (f Format) String() string {
	if f == FormatYUV444 {
		return "yuv444"
	}
	return "nv12"
}

// Compatible reports whether a source layout can be converted into f.
func (l Layout) Compatible(f Format) bool {
	switch f {
	case FormatNV12:
		return l == LayoutI420 || l == LayoutYV12 || l == LayoutYUYV || l == LayoutUYVY
	case FormatYUV444:
		return l == LayoutVUYA
	}
	return false
}

var (
	ErrUnsupported = errors.New("pixconv: unsupported layout for target format")
	ErrGeometry    = errors.New("pixconv: buffer too small for geometry")
)

// Source describes the caller's buffer. Packed layouts use plane 0 only.
type Source struct {
	Layout  Layout
	Planes  [3][]byte
	Strides [3]int
}

// Target describes an encoder input surface. For NV12 Planes[0] is luma and
// Planes[1] the interleaved chroma plane; for YUV444 all three planes are
// used. Every plane shares Pitch.
type Target struct {
	Format Format
	Planes [3][]byte
	Pitch  int
}

// Converter converts one frame. When fast is true the caller asserts that
// FastPathEligible holds for src and dst.
type Converter interface {
	Convert(src Source, dst Target, width, height int, fast bool) error
}

const alignment = 16

func aligned(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%alignment == 0
}

// FastPathEligible reports whether every source and destination plane start
// and every stride in use is a multiple of 16 bytes.
func FastPathEligible(src Source, dst Target) bool {
	n := 1
	if src.Layout.Planar() {
		n = 3
	}
	for i := 0; i < n; i++ {
		if !aligned(src.Planes[i]) || src.Strides[i]%alignment != 0 {
			return false
		}
	}
	m := 2
	if dst.Format == FormatYUV444 {
		m = 3
	}
	for i := 0; i < m; i++ {
		if !aligned(dst.Planes[i]) {
			return false
		}
	}
	return dst.Pitch%alignment == 0
}

// AlignedBuffer returns a zeroed n-byte slice whose first byte sits on a
// 16-byte boundary.
func AlignedBuffer(n int) []byte {
	buf := make([]byte, n+alignment)
	off := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % alignment)
	if off != 0 {
		off = alignment - off
	}
	return buf[off : off+n : off+n]
}

func chromaDims(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

func need(b []byte, stride, rows, rowBytes int, what string) error {
	if rows == 0 || rowBytes == 0 {
		return nil
	}
	if stride < rowBytes || len(b) < stride*(rows-1)+rowBytes {
		return fmt.Errorf("%w: %s needs %d rows of %d bytes at stride %d, have %d bytes",
			ErrGeometry, what, rows, rowBytes, stride, len(b))
	}
	return nil
}

// ValidateSource checks that src holds a width x height frame in a layout
// that converts into f. It touches no destination buffer.
func ValidateSource(src Source, f Format, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrGeometry, width, height)
	}
	if !src.Layout.Compatible(f) {
		return fmt.Errorf("%w: %s into %s", ErrUnsupported, src.Layout, f)
	}
	cw, ch := chromaDims(width, height)

	switch src.Layout {
	case LayoutI420, LayoutYV12:
		if err := need(src.Planes[0], src.Strides[0], height, width, "source luma"); err != nil {
			return err
		}
		for i := 1; i < 3; i++ {
			if err := need(src.Planes[i], src.Strides[i], ch, cw, "source chroma"); err != nil {
				return err
			}
		}
	case LayoutYUYV, LayoutUYVY:
		if width%2 != 0 {
			return fmt.Errorf("%w: packed 4:2:2 needs an even width, got %d", ErrGeometry, width)
		}
		return need(src.Planes[0], src.Strides[0], height, 2*width, "source packed 4:2:2")
	case LayoutVUYA:
		return need(src.Planes[0], src.Strides[0], height, 4*width, "source packed 4:4:4")
	}
	return nil
}

func checkGeometry(src Source, dst Target, width, height int) error {
	if err := ValidateSource(src, dst.Format, width, height); err != nil {
		return err
	}
	cw, ch := chromaDims(width, height)
	if err := need(dst.Planes[0], dst.Pitch, height, width, "target luma"); err != nil {
		return err
	}
	if dst.Format == FormatNV12 {
		return need(dst.Planes[1], dst.Pitch, ch, 2*cw, "target chroma")
	}
	for i := 1; i < 3; i++ {
		if err := need(dst.Planes[i], dst.Pitch, height, width, "target chroma"); err != nil {
			return err
		}
	}
	return nil
}
