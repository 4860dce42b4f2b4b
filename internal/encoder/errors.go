package encoder

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("encoder: session not initialized")
	ErrAlreadyInitialized = errors.New("encoder: session already initialized")
	ErrDestroyed          = errors.New("encoder: session destroyed")
	ErrNotIdle            = errors.New("encoder: session has pictures in flight")
	ErrUnsupportedLayout  = errors.New("encoder: pixel layout not supported for chroma format")
	ErrInvalidConfig      = errors.New("encoder: invalid configuration")
	ErrHardware           = errors.New("encoder: hardware rejected request")
	ErrRetireTimeout      = errors.New("encoder: completion event timed out")
)

// Error codes for EncoderError values not carrying a hardware status.
const (
	ErrCodeInvalidConfig = 1001 + iota
	ErrCodeOpenSession
	ErrCodeAllocate
	ErrCodeUnsupportedLayout
	ErrCodeConvert
	ErrCodeNotIdle
	ErrCodeReconfigure
	ErrCodeRetireTimeout
	ErrCodeLockBitstream
	ErrCodeSequenceHeader
)

// EncoderError represents an encoder-specific error. Hardware rejections
// carry the device status as Code.
type EncoderError struct {
	Code    int
	Message string
	Fatal   bool
	Err     error
}

func (e *EncoderError) Error() string {
	severity := "recoverable"
	if e.Fatal {
		severity = "fatal"
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] encoder error %d: %s: %v", severity, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] encoder error %d: %s", severity, e.Code, e.Message)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// NewEncoderError creates a new encoder error
func NewEncoderError(code int, message string, fatal bool, err error) *EncoderError {
	return &EncoderError{
		Code:    code,
		Message: message,
		Fatal:   fatal,
		Err:     err,
	}
}

// IsFatal reports whether err carries a fatal EncoderError.
func IsFatal(err error) bool {
	var ee *EncoderError
	return errors.As(err, &ee) && ee.Fatal
}
