// Package encoder drives a hardware compressor session. A picture claims an
// input surface and an output buffer from fixed pools, is converted into the
// surface, and is submitted; a single retirement worker then returns both
// buffers to their pools in submission order once the device is done with
// them.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/pixconv"
	"github.com/mikeyg42/framepipe/internal/sink"
	"github.com/mikeyg42/framepipe/internal/slotpool"
)

type sessionState int

// liveState is published once Initialize succeeds so Stats can read it
// without the session lock.
type liveState struct {
	mode    string
	retirer *retirer
	inputs  *slotpool.Pool[*InputSurface]
	outputs *slotpool.Pool[*OutputBuffer]
}

const (
	stateNew sessionState = iota
	stateReady
	stateDestroyed
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l enclog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is one encode session. EncodeFrame, Flush, Reconfigure and
// Destroy are serialized; Stats may be called at any time.
type Session struct {
	id     string
	device hwenc.Device
	conv   pixconv.Converter
	sink   sink.Sink
	log    enclog.Logger

	mu           sync.Mutex
	state        sessionState
	cfg          Config
	hw           hwenc.Session
	caps         hwenc.Capabilities
	inputs       *slotpool.Pool[*InputSurface]
	outputs      *slotpool.Pool[*OutputBuffer]
	strategy     submitStrategy
	retirer      *retirer
	cancelWorker context.CancelFunc
	sei          *hwenc.SEIPayload
	live         atomic.Pointer[liveState]

	// Metrics
	frameNumInGOP atomic.Int64
	submitted     atomic.Uint64
	needMoreInput atomic.Uint64
	rejected      atomic.Uint64
	fastPath      atomic.Uint64
}

// NewSession returns an uninitialized session.
func NewSession(device hwenc.Device, conv pixconv.Converter, out sink.Sink, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		device: device,
		conv:   conv,
		sink:   out,
		log:    enclog.L().Named("encoder"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(enclog.String("session_id", s.id))
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Initialize opens the hardware session, allocates the buffer pools and
// starts the retirement worker.
func (s *Session) Initialize(ctx context.Context, cfg Config) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateReady:
		return ErrAlreadyInitialized
	case stateDestroyed:
		return ErrDestroyed
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return NewEncoderError(ErrCodeInvalidConfig, "initialize", true, err)
	}

	hw, err := s.device.Open(ctx, cfg.initParams())
	if err != nil {
		return NewEncoderError(ErrCodeOpenSession, "open hardware session", true, err)
	}
	defer func() {
		if err != nil {
			hw.Close()
		}
	}()

	n := cfg.IOBufferCount()
	format := cfg.Chroma.SurfaceFormat()
	surfaces := make([]*InputSurface, n)
	buffers := make([]*OutputBuffer, n)
	for i := 0; i < n; i++ {
		alloc, err := hw.AllocateInput(cfg.MaxWidth, cfg.MaxHeight, format)
		if err != nil {
			return NewEncoderError(ErrCodeAllocate, fmt.Sprintf("allocate input surface %d", i), true, err)
		}
		surfaces[i] = &InputSurface{
			index:         i,
			Handle:        alloc.Handle,
			Width:         cfg.MaxWidth,
			Height:        cfg.MaxHeight,
			Pitch:         alloc.Pitch,
			SurfaceHeight: align32(cfg.MaxHeight),
			Format:        format,
			planes:        alloc.Planes,
		}
		handle, err := hw.AllocateBitstream()
		if err != nil {
			return NewEncoderError(ErrCodeAllocate, fmt.Sprintf("allocate bitstream buffer %d", i), true, err)
		}
		buffers[i] = &OutputBuffer{index: i, Handle: handle, Event: hwenc.NewEvent()}
	}
	inputs, err := slotpool.New(surfaces)
	if err != nil {
		return NewEncoderError(ErrCodeAllocate, "input pool", true, err)
	}
	outputs, err := slotpool.New(buffers)
	if err != nil {
		return NewEncoderError(ErrCodeAllocate, "output pool", true, err)
	}

	if cfg.OutOfBandSPSPPS {
		hdr, err := hw.SequenceHeader()
		if err != nil {
			return NewEncoderError(ErrCodeSequenceHeader, "sequence header", true, err)
		}
		if err := s.sink.WritePacket(ctx, sink.Packet{Data: hdr, ParameterSets: true}); err != nil {
			return NewEncoderError(ErrCodeSequenceHeader, "write sequence header", true, err)
		}
	}

	s.cfg = cfg
	s.hw = hw
	s.caps = hw.Capabilities()
	s.inputs, s.outputs = inputs, outputs
	s.strategy = resolveStrategy(cfg)
	s.frameNumInGOP.Store(0)
	if len(cfg.SEIUserData) > 0 {
		sei := userDataSEI(cfg.SEIUserData)
		s.sei = &sei
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancelWorker = cancel
	s.retirer = newRetirer(hw, s.sink, inputs, outputs, cfg.RetireTimeout, s.log.Named("retirer"))
	s.retirer.start(workerCtx)
	s.state = stateReady
	s.live.Store(&liveState{mode: s.strategy.name(), retirer: s.retirer, inputs: inputs, outputs: outputs})

	s.log.Info("encode session initialized",
		enclog.Int("width", cfg.Width),
		enclog.Int("height", cfg.Height),
		enclog.Int("io_buffers", n),
		enclog.String("mode", s.strategy.name()),
		enclog.Int("gop", cfg.GOPLength),
		enclog.Int("b_frames", cfg.NumBFrames))
	return nil
}

func (s *Session) checkReady() error {
	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateDestroyed:
		return ErrDestroyed
	}
	return s.retirer.Err()
}

// EncodeFrame submits one picture. With flush set, fc is ignored and the
// session is flushed instead. Blocks while every input surface or output
// buffer is in flight.
func (s *Session) EncodeFrame(ctx context.Context, fc *FrameConfig, flush bool) error {
	if flush {
		return s.Flush(ctx)
	}
	if fc == nil {
		return NewEncoderError(ErrCodeConvert, "nil frame", false, ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	src := fc.source()
	format := s.cfg.Chroma.SurfaceFormat()
	if err := pixconv.ValidateSource(src, format, s.cfg.Width, s.cfg.Height); err != nil {
		if errors.Is(err, pixconv.ErrUnsupported) {
			return NewEncoderError(ErrCodeUnsupportedLayout,
				fmt.Sprintf("%s source for %s session", fc.Layout, s.cfg.Chroma), false,
				fmt.Errorf("%w: %w", ErrUnsupportedLayout, err))
		}
		return NewEncoderError(ErrCodeConvert, "invalid frame", false, err)
	}

	in, err := s.inputs.Acquire(ctx)
	if err != nil {
		return err
	}
	out, err := s.outputs.Acquire(ctx)
	if err != nil {
		s.release(in, nil)
		return err
	}

	dst := in.target()
	fast := pixconv.FastPathEligible(src, dst)
	if err := s.conv.Convert(src, dst, s.cfg.Width, s.cfg.Height, fast); err != nil {
		s.release(in, out)
		return NewEncoderError(ErrCodeConvert, "convert frame", false, err)
	}
	if fast {
		s.fastPath.Add(1)
	}

	pp := &hwenc.PicParams{
		InputHandle:   in.Handle,
		BufferFormat:  in.Format,
		InputWidth:    s.cfg.Width,
		InputHeight:   s.cfg.Height,
		OutputHandle:  out.Handle,
		PictureStruct: fc.picStruct(),
		Timestamp:     fc.Timestamp,
	}
	if s.cfg.Async {
		out.Event.Reset()
		pp.CompletionEvent = out.Event
	}
	if s.sei != nil {
		pp.SEI = []hwenc.SEIPayload{*s.sei}
		s.sei = nil
	}
	n := int(s.frameNumInGOP.Load())
	if s.cfg.DisablePTD {
		pp.RefPic = true
		pp.DisplayPOC = 2 * n
		pp.PictureType = hwenc.PictureTypeP
		if n%s.cfg.GOPLength == 0 {
			pp.PictureType = hwenc.PictureTypeIDR
		}
	}

	st := s.hw.EncodePicture(pp)
	s.frameNumInGOP.Add(1)
	s.submitted.Add(1)
	if st == hwenc.StatusNeedMoreInput {
		s.needMoreInput.Add(1)
	}

	retire, reject, err := s.strategy.submit(&pair{in: in, out: out}, st)
	for _, p := range retire {
		s.retirer.enqueue(p)
	}
	for _, p := range reject {
		s.rejected.Add(1)
		s.release(p.in, p.out)
	}
	if err != nil {
		s.log.Error("picture rejected by hardware",
			enclog.String("status", st.String()),
			enclog.Int("frame_in_gop", n),
			enclog.Int("released_pairs", len(reject)))
		return err
	}
	return nil
}

// release hands back entries that never reached the retirer. Nil skips.
func (s *Session) release(in *InputSurface, out *OutputBuffer) {
	if in != nil {
		if err := s.inputs.Release(in); err != nil {
			s.log.Warn("input surface release", enclog.Error(err))
		}
	}
	if out != nil {
		if err := s.outputs.Release(out); err != nil {
			s.log.Warn("output buffer release", enclog.Error(err))
		}
	}
}

// Flush asks the device to emit every picture it holds and waits until the
// retirement worker has returned all buffers.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.flushLocked(ctx)
}

func (s *Session) flushLocked(ctx context.Context) error {
	if st := s.hw.EncodePicture(&hwenc.PicParams{EndOfStream: true}); st.Fatal() {
		return hardwareError(st)
	}
	for _, p := range s.strategy.drain() {
		s.retirer.enqueue(p)
	}
	return s.retirer.Drain(ctx)
}

// Reconfigure changes geometry, frame rate, bitrate and field mode. The
// session must be idle: no picture held by the device or awaiting
// retirement. The device is reset, so the next picture starts a new GOP and
// parameter sets are sent inline again.
func (s *Session) Reconfigure(ctx context.Context, rc ReconfigureConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if n := s.strategy.pending() + s.retirer.Pending(); n > 0 {
		return NewEncoderError(ErrCodeNotIdle, fmt.Sprintf("%d pictures in flight", n), false, ErrNotIdle)
	}

	next := s.cfg
	next.Width, next.Height = rc.Width, rc.Height
	if rc.FrameRateNum > 0 {
		next.FrameRateNum, next.FrameRateDen = rc.FrameRateNum, rc.FrameRateDen
	}
	next.Bitrate = rc.Bitrate
	next.VBVBufferSize = rc.VBVBufferSize
	next.FieldEncoding = rc.FieldEncoding
	next.OutOfBandSPSPPS = false
	if err := next.validate(); err != nil {
		return NewEncoderError(ErrCodeReconfigure, "reconfigure", false, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.hw.Reconfigure(hwenc.ReconfigureParams{
		Init:         next.initParams(),
		ResetEncoder: true,
		ForceIDR:     true,
	})
	if err != nil {
		return NewEncoderError(ErrCodeReconfigure, "hardware reconfigure", true, err)
	}
	s.cfg = next
	s.frameNumInGOP.Store(0)

	s.log.Info("encode session reconfigured",
		enclog.Int("width", next.Width),
		enclog.Int("height", next.Height),
		enclog.Int("bitrate", next.Bitrate))
	return nil
}

// Destroy flushes, stops the retirement worker, and closes the device
// session. The sink is left open.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateDestroyed:
		return nil
	case stateNew:
		s.state = stateDestroyed
		return nil
	}

	var errs []error
	if err := s.retirer.Err(); err == nil {
		if err := s.flushLocked(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}
	s.retirer.stop()
	s.cancelWorker()
	s.inputs.Close()
	s.outputs.Close()
	if err := s.hw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close hardware session: %w", err))
	}
	s.state = stateDestroyed

	s.log.Info("encode session destroyed",
		enclog.Uint64("submitted", s.submitted.Load()),
		enclog.Uint64("retired", s.retirer.retired.Load()))
	return errors.Join(errs...)
}

// Capabilities returns what the device reported at Initialize.
func (s *Session) Capabilities() hwenc.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}
