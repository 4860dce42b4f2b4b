package pixconv

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// frame is one logical picture stored at an arbitrary stride and offset.
type frame struct {
	src Source
	dst Target
}

func fill(rng *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
}

// place copies rows of rowBytes from a tightly packed plane into a buffer at
// the given stride; misalign shifts the start off the 16-byte boundary.
func place(packed []byte, rows, rowBytes, stride int, misalign bool) []byte {
	n := stride*(rows-1) + rowBytes
	var buf []byte
	if misalign {
		buf = AlignedBuffer(n + 1)[1:]
	} else {
		buf = AlignedBuffer(n)
	}
	for r := 0; r < rows; r++ {
		copy(buf[r*stride:], packed[r*rowBytes:(r+1)*rowBytes])
	}
	return buf
}

func roundUp16(n int) int { return (n + 15) &^ 15 }

func planeShapes(layout Layout, w, h int) (rows, rowBytes [3]int, n int) {
	cw, ch := chromaDims(w, h)
	switch layout {
	case LayoutI420, LayoutYV12:
		return [3]int{h, ch, ch}, [3]int{w, cw, cw}, 3
	case LayoutYUYV, LayoutUYVY:
		return [3]int{h}, [3]int{2 * w}, 1
	default:
		return [3]int{h}, [3]int{4 * w}, 1
	}
}

func buildFrame(layout Layout, w, h int, packed [3][]byte, alignedLayout bool) frame {
	rows, rowBytes, n := planeShapes(layout, w, h)
	var f frame
	f.src.Layout = layout
	for i := 0; i < n; i++ {
		stride := rowBytes[i] + 3
		if alignedLayout {
			stride = roundUp16(rowBytes[i])
		}
		f.src.Strides[i] = stride
		f.src.Planes[i] = place(packed[i], rows[i], rowBytes[i], stride, !alignedLayout)
	}

	format := FormatNV12
	if layout == LayoutVUYA {
		format = FormatYUV444
	}
	pitch := roundUp16(w) + 16
	if !alignedLayout {
		pitch = w + 5
	}
	f.dst = Target{Format: format, Pitch: pitch}
	lumaSize := pitch * h
	f.dst.Planes[0] = AlignedBuffer(lumaSize)
	if format == FormatNV12 {
		f.dst.Planes[1] = AlignedBuffer(pitch * ((h + 1) / 2))
	} else {
		f.dst.Planes[1] = AlignedBuffer(lumaSize)
		f.dst.Planes[2] = AlignedBuffer(lumaSize)
	}
	return f
}

// logical extracts the visible samples of the destination.
func logical(t Target, w, h int) []byte {
	var out []byte
	for r := 0; r < h; r++ {
		out = append(out, t.Planes[0][r*t.Pitch:r*t.Pitch+w]...)
	}
	if t.Format == FormatNV12 {
		cw, ch := chromaDims(w, h)
		for r := 0; r < ch; r++ {
			out = append(out, t.Planes[1][r*t.Pitch:r*t.Pitch+2*cw]...)
		}
		return out
	}
	for p := 1; p < 3; p++ {
		for r := 0; r < h; r++ {
			out = append(out, t.Planes[p][r*t.Pitch:r*t.Pitch+w]...)
		}
	}
	return out
}

func TestFastAndScalarPathsMatch(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		layout Layout
		w, h   int
	}{
		{LayoutI420, 64, 32},
		{LayoutI420, 37, 19},
		{LayoutYV12, 50, 12},
		{LayoutYUYV, 64, 16},
		{LayoutYUYV, 46, 9},
		{LayoutUYVY, 30, 7},
		{LayoutVUYA, 32, 8},
		{LayoutVUYA, 21, 5},
	}
	rng := rand.New(rand.NewSource(42))
	r := NewRepacker()

	for _, tc := range testCases {
		t.Run(tc.layout.String(), func(t *testing.T) {
			rows, rowBytes, n := planeShapes(tc.layout, tc.w, tc.h)
			var packed [3][]byte
			for i := 0; i < n; i++ {
				packed[i] = make([]byte, rows[i]*rowBytes[i])
				fill(rng, packed[i])
			}

			fastFrame := buildFrame(tc.layout, tc.w, tc.h, packed, true)
			slowFrame := buildFrame(tc.layout, tc.w, tc.h, packed, false)

			if !FastPathEligible(fastFrame.src, fastFrame.dst) {
				t.Fatal("aligned frame should be fast-path eligible")
			}
			if FastPathEligible(slowFrame.src, slowFrame.dst) {
				t.Fatal("unaligned frame should not be fast-path eligible")
			}

			if err := r.Convert(fastFrame.src, fastFrame.dst, tc.w, tc.h, true); err != nil {
				t.Fatalf("fast Convert: %v", err)
			}
			if err := r.Convert(slowFrame.src, slowFrame.dst, tc.w, tc.h, false); err != nil {
				t.Fatalf("scalar Convert: %v", err)
			}
			if !bytes.Equal(logical(fastFrame.dst, tc.w, tc.h), logical(slowFrame.dst, tc.w, tc.h)) {
				t.Fatal("fast and scalar paths produced different output")
			}

			// same buffers, both paths
			again := buildFrame(tc.layout, tc.w, tc.h, packed, true)
			if err := r.Convert(again.src, again.dst, tc.w, tc.h, false); err != nil {
				t.Fatalf("scalar Convert on aligned frame: %v", err)
			}
			for p := 0; p < 3; p++ {
				if !bytes.Equal(again.dst.Planes[p], fastFrame.dst.Planes[p]) {
					t.Fatalf("plane %d differs between paths on identical buffers", p)
				}
			}
		})
	}
}

func TestI420ToNV12Values(t *testing.T) {
	// 2x2 frame: one chroma sample
	src := Source{
		Layout:  LayoutI420,
		Planes:  [3][]byte{{1, 2, 3, 4}, {10}, {20}},
		Strides: [3]int{2, 1, 1},
	}
	dst := Target{Format: FormatNV12, Pitch: 2, Planes: [3][]byte{make([]byte, 4), make([]byte, 2)}}
	if err := NewRepacker().Convert(src, dst, 2, 2, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.Planes[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("luma: %v", dst.Planes[0])
	}
	if !bytes.Equal(dst.Planes[1], []byte{10, 20}) {
		t.Fatalf("chroma: %v", dst.Planes[1])
	}

	// YV12 swaps the chroma planes
	src.Layout = LayoutYV12
	NewRepacker().Convert(src, dst, 2, 2, false)
	if !bytes.Equal(dst.Planes[1], []byte{20, 10}) {
		t.Fatalf("yv12 chroma: %v", dst.Planes[1])
	}
}

func TestYUYVChromaAveragesRows(t *testing.T) {
	// 2x2 YUYV: rows Y0 U Y1 V
	src := Source{
		Layout:  LayoutYUYV,
		Planes:  [3][]byte{{1, 100, 2, 200, 3, 101, 4, 203}},
		Strides: [3]int{4},
	}
	dst := Target{Format: FormatNV12, Pitch: 2, Planes: [3][]byte{make([]byte, 4), make([]byte, 2)}}
	if err := NewRepacker().Convert(src, dst, 2, 2, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.Planes[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("luma: %v", dst.Planes[0])
	}
	// (100+101+1)/2 = 101, (200+203+1)/2 = 202
	if !bytes.Equal(dst.Planes[1], []byte{101, 202}) {
		t.Fatalf("chroma: %v", dst.Planes[1])
	}
}

func TestVUYAToPlanar(t *testing.T) {
	src := Source{
		Layout:  LayoutVUYA,
		Planes:  [3][]byte{{7, 8, 9, 255, 17, 18, 19, 255}},
		Strides: [3]int{8},
	}
	dst := Target{Format: FormatYUV444, Pitch: 2, Planes: [3][]byte{make([]byte, 2), make([]byte, 2), make([]byte, 2)}}
	if err := NewRepacker().Convert(src, dst, 2, 1, false); err != nil {
		t.Fatal(err)
	}
	want := [3][]byte{{9, 19}, {8, 18}, {7, 17}}
	for p := range want {
		if !bytes.Equal(dst.Planes[p], want[p]) {
			t.Fatalf("plane %d: got %v, want %v", p, dst.Planes[p], want[p])
		}
	}
}

func TestConvertRejects(t *testing.T) {
	r := NewRepacker()
	nv12 := Target{Format: FormatNV12, Pitch: 4, Planes: [3][]byte{make([]byte, 16), make([]byte, 8)}}

	vuya := Source{Layout: LayoutVUYA, Planes: [3][]byte{make([]byte, 64)}, Strides: [3]int{16}}
	if err := r.Convert(vuya, nv12, 4, 4, false); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("4:4:4 into NV12: got %v", err)
	}

	short := Source{Layout: LayoutI420, Planes: [3][]byte{make([]byte, 3), make([]byte, 4), make([]byte, 4)}, Strides: [3]int{4, 2, 2}}
	if err := r.Convert(short, nv12, 4, 4, false); !errors.Is(err, ErrGeometry) {
		t.Fatalf("short luma: got %v", err)
	}

	odd := Source{Layout: LayoutYUYV, Planes: [3][]byte{make([]byte, 64)}, Strides: [3]int{16}}
	if err := r.Convert(odd, nv12, 3, 4, false); !errors.Is(err, ErrGeometry) {
		t.Fatalf("odd-width 4:2:2: got %v", err)
	}
}

func TestParseLayout(t *testing.T) {
	for _, name := range []string{"i420", "YV12", "yuy2", "uyvy", "vuya"} {
		if _, err := ParseLayout(name); err != nil {
			t.Fatalf("ParseLayout(%q): %v", name, err)
		}
	}
	if _, err := ParseLayout("rgb24"); err == nil {
		t.Fatal("expected error for rgb24")
	}
}

func TestAlignedBuffer(t *testing.T) {
	for _, n := range []int{1, 15, 16, 100} {
		b := AlignedBuffer(n)
		if len(b) != n || !aligned(b) {
			t.Fatalf("AlignedBuffer(%d): len=%d aligned=%v", n, len(b), aligned(b))
		}
	}
}
