package transcode

import (
	"fmt"

	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// picture is the backing store of one decode slot.
type picture struct {
	layout  pixconv.Layout
	planes  [3][]byte
	strides [3]int
}

func align16(n int) int { return (n + 15) &^ 15 }

func newPicture(layout pixconv.Layout, w, h int) (*picture, error) {
	p := &picture{layout: layout}
	cw, ch := (w+1)/2, (h+1)/2
	switch layout {
	case pixconv.LayoutI420, pixconv.LayoutYV12:
		p.strides = [3]int{align16(w), align16(cw), align16(cw)}
		p.planes[0] = pixconv.AlignedBuffer(p.strides[0] * h)
		p.planes[1] = pixconv.AlignedBuffer(p.strides[1] * ch)
		p.planes[2] = pixconv.AlignedBuffer(p.strides[2] * ch)
	case pixconv.LayoutYUYV, pixconv.LayoutUYVY:
		if w%2 != 0 {
			return nil, fmt.Errorf("synthetic source: %s needs an even width, got %d", layout, w)
		}
		p.strides[0] = align16(2 * w)
		p.planes[0] = pixconv.AlignedBuffer(p.strides[0] * h)
	case pixconv.LayoutVUYA:
		p.strides[0] = align16(4 * w)
		p.planes[0] = pixconv.AlignedBuffer(p.strides[0] * h)
	default:
		return nil, fmt.Errorf("synthetic source: unsupported layout %s", layout)
	}
	return p, nil
}

// render draws frame n of a moving diagonal gradient.
func (p *picture) render(n, w, h int) {
	shift := byte(n * 3)
	luma := func(x, y int) byte { return byte(x+y) + shift }
	cb := func(x, y int) byte { return byte(128 + (x-y)/4) }
	cr := func(x, y int) byte { return byte(128+y/2) - shift/2 }

	switch p.layout {
	case pixconv.LayoutI420, pixconv.LayoutYV12:
		u, v := 1, 2
		if p.layout == pixconv.LayoutYV12 {
			u, v = 2, 1
		}
		for y := 0; y < h; y++ {
			row := p.planes[0][y*p.strides[0]:]
			for x := 0; x < w; x++ {
				row[x] = luma(x, y)
			}
		}
		for y := 0; y < (h+1)/2; y++ {
			ur := p.planes[u][y*p.strides[u]:]
			vr := p.planes[v][y*p.strides[v]:]
			for x := 0; x < (w+1)/2; x++ {
				ur[x] = cb(2*x, 2*y)
				vr[x] = cr(2*x, 2*y)
			}
		}
	case pixconv.LayoutYUYV, pixconv.LayoutUYVY:
		yo, co := 0, 1
		if p.layout == pixconv.LayoutUYVY {
			yo, co = 1, 0
		}
		for y := 0; y < h; y++ {
			row := p.planes[0][y*p.strides[0]:]
			for x := 0; x < w; x += 2 {
				px := row[2*x:]
				px[yo] = luma(x, y)
				px[co] = cb(x, y)
				px[yo+2] = luma(x+1, y)
				px[co+2] = cr(x, y)
			}
		}
	case pixconv.LayoutVUYA:
		for y := 0; y < h; y++ {
			row := p.planes[0][y*p.strides[0]:]
			for x := 0; x < w; x++ {
				px := row[4*x:]
				px[0], px[1], px[2], px[3] = cr(x, y), cb(x, y), luma(x, y), 0xff
			}
		}
	}
}
