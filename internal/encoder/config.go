package encoder

import (
	"fmt"
	"time"

	"github.com/mikeyg42/framepipe/internal/config"
	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// Config contains all encoder session configuration
type Config struct {
	// Video parameters (required)
	Width        int
	Height       int
	FrameRateNum int
	FrameRateDen int

	// Surfaces are allocated at the maximum geometry so Reconfigure can
	// grow up to it. Zero means Width/Height.
	MaxWidth  int
	MaxHeight int

	// Rate control
	Bitrate       int
	VBVBufferSize int
	RateControl   []byte // passed to the device untouched

	// GOP structure
	GOPLength  int
	NumBFrames int

	Chroma        hwenc.ChromaFormat
	FieldEncoding bool

	// Mode selection
	Async      bool
	DisablePTD bool

	// Stream headers
	OutOfBandSPSPPS bool
	SEIUserData     []byte

	// RetireTimeout bounds the wait on an asynchronous completion event.
	// Negative waits forever.
	RetireTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Width:         640,
		Height:        480,
		FrameRateNum:  30,
		FrameRateDen:  1,
		Bitrate:       2_000_000,
		GOPLength:     30,
		Chroma:        hwenc.Chroma420,
		RetireTimeout: 20 * time.Second,
	}
}

// FromConfig maps the application config onto a session Config.
func FromConfig(c config.EncoderConfig) Config {
	cfg := Config{
		Width:           c.Width,
		Height:          c.Height,
		MaxWidth:        c.MaxWidth,
		MaxHeight:       c.MaxHeight,
		FrameRateNum:    c.FrameRateNum,
		FrameRateDen:    c.FrameRateDen,
		Bitrate:         c.Bitrate,
		VBVBufferSize:   c.VBVBufferSize,
		GOPLength:       c.GOPLength,
		NumBFrames:      c.NumBFrames,
		FieldEncoding:   c.FieldMode == "field",
		Async:           c.Async,
		DisablePTD:      c.DisablePTD,
		OutOfBandSPSPPS: c.OutOfBandSPSPPS,
		RetireTimeout:   c.RetireTimeout,
	}
	if c.ChromaFormat == "yuv444" {
		cfg.Chroma = hwenc.Chroma444
	}
	if c.SEIUserData != "" {
		cfg.SEIUserData = []byte(c.SEIUserData)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxWidth == 0 {
		c.MaxWidth = c.Width
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = c.Height
	}
	if c.FrameRateDen == 0 {
		c.FrameRateDen = 1
	}
	if c.RetireTimeout == 0 {
		c.RetireTimeout = 20 * time.Second
	}
}

func (c *Config) validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.MaxWidth < c.Width || c.MaxHeight < c.Height:
		return fmt.Errorf("%w: max dimensions %dx%d below %dx%d", ErrInvalidConfig, c.MaxWidth, c.MaxHeight, c.Width, c.Height)
	case c.FrameRateNum <= 0:
		return fmt.Errorf("%w: frame rate %d/%d", ErrInvalidConfig, c.FrameRateNum, c.FrameRateDen)
	case c.GOPLength <= 0:
		return fmt.Errorf("%w: GOP length %d", ErrInvalidConfig, c.GOPLength)
	case c.NumBFrames < 0:
		return fmt.Errorf("%w: %d B frames", ErrInvalidConfig, c.NumBFrames)
	}
	return nil
}

// IOBufferCount is the number of input surfaces and output buffers a
// session allocates.
func (c Config) IOBufferCount() int { return c.NumBFrames + 4 + 1 }

func (c Config) initParams() hwenc.InitParams {
	return hwenc.InitParams{
		Width:               c.Width,
		Height:              c.Height,
		MaxWidth:            c.MaxWidth,
		MaxHeight:           c.MaxHeight,
		FrameRateNum:        c.FrameRateNum,
		FrameRateDen:        c.FrameRateDen,
		GOPLength:           c.GOPLength,
		NumBFrames:          c.NumBFrames,
		Chroma:              c.Chroma,
		FieldEncoding:       c.FieldEncoding,
		EnableAsync:         c.Async,
		EnablePTD:           !c.DisablePTD,
		Bitrate:             c.Bitrate,
		VBVBufferSize:       c.VBVBufferSize,
		DisableInlineSPSPPS: c.OutOfBandSPSPPS,
		RateControl:         c.RateControl,
	}
}

// FrameConfig is one picture handed to EncodeFrame. The frame must be
// Width x Height of the current session geometry.
type FrameConfig struct {
	Layout  pixconv.Layout
	Planes  [3][]byte
	Strides [3]int

	Timestamp time.Duration

	// Field pictures are coded top-bottom when TopFieldFirst, else
	// bottom-top.
	FieldPicture  bool
	TopFieldFirst bool
}

func (f *FrameConfig) source() pixconv.Source {
	return pixconv.Source{Layout: f.Layout, Planes: f.Planes, Strides: f.Strides}
}

func (f *FrameConfig) picStruct() hwenc.PicStruct {
	switch {
	case !f.FieldPicture:
		return hwenc.PicStructFrame
	case f.TopFieldFirst:
		return hwenc.PicStructFieldTopBottom
	default:
		return hwenc.PicStructFieldBottomTop
	}
}

// ReconfigureConfig holds the settings Reconfigure may change.
type ReconfigureConfig struct {
	Width         int
	Height        int
	FrameRateNum  int
	FrameRateDen  int
	Bitrate       int
	VBVBufferSize int
	FieldEncoding bool
}
