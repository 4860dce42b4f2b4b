// Package hwenc defines the boundary between the encoder pipeline and a
// hardware compressor: session parameters, status codes, buffer handles and
// the completion event used in asynchronous mode.
package hwenc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// Status is the result of a picture submission.
type Status int

const (
	StatusSuccess Status = iota
	StatusNeedMoreInput
	StatusInvalidParam
	StatusInvalidHandle
	StatusOutOfMemory
	StatusEncoderBusy
	StatusDeviceLost
	StatusGeneric
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNeedMoreInput:
		return "need more input"
	case StatusInvalidParam:
		return "invalid parameter"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusEncoderBusy:
		return "encoder busy"
	case StatusDeviceLost:
		return "device lost"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Fatal reports whether s is neither success nor need-more-input.
func (s Status) Fatal() bool {
	return s != StatusSuccess && s != StatusNeedMoreInput
}

// PictureType is the coded picture type.
type PictureType int

const (
	PictureTypeAuto PictureType = iota // chosen by the device
	PictureTypeP
	PictureTypeB
	PictureTypeI
	PictureTypeIDR
)

func (t PictureType) String() string {
	switch t {
	case PictureTypeP:
		return "P"
	case PictureTypeB:
		return "B"
	case PictureTypeI:
		return "I"
	case PictureTypeIDR:
		return "IDR"
	default:
		return "auto"
	}
}

// PicStruct is the frame/field structure of a submitted picture.
type PicStruct int

const (
	PicStructFrame PicStruct = iota
	PicStructFieldTopBottom
	PicStructFieldBottomTop
)

// ChromaFormat is the session's chroma subsampling.
type ChromaFormat int

const (
	Chroma420 ChromaFormat = iota
	Chroma444
)

// SurfaceFormat returns the native input surface format for c.
func (c ChromaFormat) SurfaceFormat() pixconv.Format {
	if c == Chroma444 {
		return pixconv.FormatYUV444
	}
	return pixconv.FormatNV12
}

func (c ChromaFormat) String() string {
	if c == Chroma444 {
		return "yuv444"
	}
	return "yuv420"
}

// SEIPayload is a supplemental enhancement information message.
type SEIPayload struct {
	Type uint8
	Data []byte
}

// SEIUserDataUnregistered is the H.264 Annex D payload type for user data.
const SEIUserDataUnregistered = 5

// InitParams opens a session.
type InitParams struct {
	Width, Height       int
	MaxWidth, MaxHeight int
	FrameRateNum        int
	FrameRateDen        int
	GOPLength           int
	NumBFrames          int
	Chroma              ChromaFormat
	FieldEncoding       bool
	EnableAsync         bool
	EnablePTD           bool
	Bitrate             int
	VBVBufferSize       int
	// DisableInlineSPSPPS keeps parameter sets out of IDR access units; the
	// caller fetches them with SequenceHeader instead.
	DisableInlineSPSPPS bool
	// RateControl is passed through to the device untouched.
	RateControl []byte
}

// ReconfigureParams changes an open session.
type ReconfigureParams struct {
	Init         InitParams
	ResetEncoder bool
	ForceIDR     bool
}

// PicParams describes one submission.
type PicParams struct {
	InputHandle     int
	BufferFormat    pixconv.Format
	InputWidth      int
	InputHeight     int
	OutputHandle    int
	CompletionEvent *Event
	PictureStruct   PicStruct
	PictureType     PictureType
	RefPic          bool
	DisplayPOC      int
	Timestamp       time.Duration
	SEI             []SEIPayload
	// EndOfStream asks the device to emit every picture it is holding.
	// No input or output handle is attached.
	EndOfStream bool
}

// Capabilities is what a session reports about the device.
type Capabilities struct {
	MaxWidth      int              `json:"max_width"`
	MaxHeight     int              `json:"max_height"`
	MaxBFrames    int              `json:"max_b_frames"`
	AsyncEncode   bool             `json:"async_encode"`
	YUV444        bool             `json:"yuv444"`
	FieldEncoding bool             `json:"field_encoding"`
	Host          pixconv.Features `json:"host"`
}

// InputAlloc is a freshly allocated input surface.
type InputAlloc struct {
	Handle int
	Pitch  int
	// Planes as laid out for the surface format (two for NV12, three for
	// YUV444).
	Planes [3][]byte
}

// Bitstream is a locked output buffer.
type Bitstream struct {
	Data        []byte
	PictureType PictureType
	FrameIndex  uint64
	Timestamp   time.Duration
}

// Device opens hardware sessions.
type Device interface {
	Open(ctx context.Context, p InitParams) (Session, error)
}

// Session is one open hardware encode session.
type Session interface {
	EncodePicture(p *PicParams) Status
	Reconfigure(p ReconfigureParams) error
	SequenceHeader() ([]byte, error)
	Capabilities() Capabilities
	AllocateInput(width, height int, format pixconv.Format) (InputAlloc, error)
	AllocateBitstream() (int, error)
	LockBitstream(handle int) (Bitstream, error)
	UnlockBitstream(handle int) error
	Close() error
}

var (
	ErrClosed        = errors.New("hwenc: session closed")
	ErrInvalidHandle = errors.New("hwenc: invalid handle")
	ErrNotReady      = errors.New("hwenc: bitstream not ready")
)
