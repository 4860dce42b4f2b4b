package encoder

import (
	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// InputSurface is a pooled encoder input buffer.
type InputSurface struct {
	index         int
	Handle        int
	Width         int
	Height        int
	Pitch         int
	SurfaceHeight int
	Format        pixconv.Format
	planes        [3][]byte
}

func (s *InputSurface) SlotIndex() int { return s.index }

// target exposes the surface as a conversion destination.
func (s *InputSurface) target() pixconv.Target {
	return pixconv.Target{Format: s.Format, Planes: s.planes, Pitch: s.Pitch}
}

// OutputBuffer is a pooled bitstream buffer. WaitOnEvent is set at
// submission when the retirement worker must wait for Event before locking.
type OutputBuffer struct {
	index       int
	Handle      int
	Event       *hwenc.Event
	WaitOnEvent bool
}

func (b *OutputBuffer) SlotIndex() int { return b.index }

// pair is one submitted picture travelling to the retirement worker.
type pair struct {
	in  *InputSurface
	out *OutputBuffer
}

func align32(n int) int { return (n + 0x1f) &^ 0x1f }
