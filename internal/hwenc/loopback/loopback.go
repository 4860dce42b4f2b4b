// Package loopback is a software hwenc.Device. It does not compress; each
// picture becomes an Annex-B access unit whose slice carries the frame
// index and a sample of the luma plane. It follows the device contract
// closely enough to drive the encoder pipeline without hardware: it holds
// B pictures back (returning need-more-input) when it decides picture types
// in synchronous mode, and fires completion events from other goroutines in
// asynchronous mode.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// Option configures a Device.
type Option func(*Device)

// WithEventDelay sets how long the completion event of each asynchronous
// picture takes to fire.
func WithEventDelay(f func(frame uint64) time.Duration) Option {
	return func(d *Device) { d.eventDelay = f }
}

// WithFault makes EncodePicture return the status f reports when it is
// fatal.
func WithFault(f func(frame uint64) hwenc.Status) Option {
	return func(d *Device) { d.fault = f }
}

// WithObserver is called with a copy of every picture submission that
// passes handle validation, including ones later failed by WithFault.
func WithObserver(f func(p hwenc.PicParams)) Option {
	return func(d *Device) { d.observe = f }
}

// WithCapabilities overrides the reported capabilities.
func WithCapabilities(c hwenc.Capabilities) Option {
	return func(d *Device) { d.caps = c }
}

// WithLogger sets the device logger.
func WithLogger(l enclog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Device opens loopback sessions.
type Device struct {
	caps       hwenc.Capabilities
	eventDelay func(uint64) time.Duration
	fault      func(uint64) hwenc.Status
	observe    func(hwenc.PicParams)
	log        enclog.Logger

	opened atomic.Int64
}

// New returns a loopback device.
func New(opts ...Option) *Device {
	d := &Device{
		caps: hwenc.Capabilities{
			MaxWidth:      4096,
			MaxHeight:     4096,
			MaxBFrames:    4,
			AsyncEncode:   true,
			YUV444:        true,
			FieldEncoding: true,
			Host:          pixconv.HostFeatures(),
		},
		log: enclog.L().Named("loopback"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Opened returns how many sessions have been opened.
func (d *Device) Opened() int64 { return d.opened.Load() }

func (d *Device) validate(p hwenc.InitParams) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("loopback: invalid geometry %dx%d", p.Width, p.Height)
	}
	if p.MaxWidth > d.caps.MaxWidth || p.MaxHeight > d.caps.MaxHeight ||
		p.Width > d.caps.MaxWidth || p.Height > d.caps.MaxHeight {
		return fmt.Errorf("loopback: %dx%d exceeds device limit %dx%d",
			p.MaxWidth, p.MaxHeight, d.caps.MaxWidth, d.caps.MaxHeight)
	}
	if p.GOPLength <= 0 {
		return fmt.Errorf("loopback: GOP length must be positive")
	}
	if p.NumBFrames > d.caps.MaxBFrames {
		return fmt.Errorf("loopback: %d B frames exceeds device limit %d", p.NumBFrames, d.caps.MaxBFrames)
	}
	if p.Chroma == hwenc.Chroma444 && !d.caps.YUV444 {
		return fmt.Errorf("loopback: 4:4:4 not supported")
	}
	if p.EnableAsync && !d.caps.AsyncEncode {
		return fmt.Errorf("loopback: async encode not supported")
	}
	return nil
}

// Open implements hwenc.Device.
func (d *Device) Open(ctx context.Context, p hwenc.InitParams) (hwenc.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.validate(p); err != nil {
		return nil, err
	}
	id := d.opened.Add(1)
	s := &session{
		dev:    d,
		params: p,
		inline: !p.DisableInlineSPSPPS,
		log:    d.log.With(enclog.Int64("session", id)),
	}
	s.log.Debug("session opened",
		enclog.Int("width", p.Width),
		enclog.Int("height", p.Height),
		enclog.Bool("async", p.EnableAsync),
		enclog.Bool("ptd", p.EnablePTD))
	return s, nil
}

type surface struct {
	width, height int
	format        pixconv.Format
	pitch         int
	planes        [3][]byte
}

type outBuf struct {
	ready  bool
	locked bool
	bs     hwenc.Bitstream
}

type held struct {
	p      hwenc.PicParams
	frame  uint64
	sample []byte
}

type session struct {
	dev *Device
	log enclog.Logger

	mu      sync.Mutex
	params  hwenc.InitParams
	inline  bool
	inputs  []*surface
	outputs []*outBuf
	holding []held
	frame   uint64
	gopPos  int
	closed  bool

	wg sync.WaitGroup
}

func (s *session) Capabilities() hwenc.Capabilities { return s.dev.caps }

func (s *session) SequenceHeader() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, hwenc.ErrClosed
	}
	return sequenceHeader(s.params), nil
}

func (s *session) AllocateInput(width, height int, format pixconv.Format) (hwenc.InputAlloc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hwenc.InputAlloc{}, hwenc.ErrClosed
	}
	if width <= 0 || height <= 0 {
		return hwenc.InputAlloc{}, fmt.Errorf("loopback: invalid surface %dx%d", width, height)
	}
	// surfaces are padded to 32 like the driver does
	pitch := (width + 0x1f) &^ 0x1f
	rows := (height + 0x1f) &^ 0x1f
	sf := &surface{width: width, height: height, format: format, pitch: pitch}

	luma := pitch * rows
	switch format {
	case pixconv.FormatNV12:
		buf := pixconv.AlignedBuffer(luma + luma/2)
		sf.planes[0], sf.planes[1] = buf[:luma], buf[luma:]
	case pixconv.FormatYUV444:
		buf := pixconv.AlignedBuffer(3 * luma)
		sf.planes[0], sf.planes[1], sf.planes[2] = buf[:luma], buf[luma:2*luma], buf[2*luma:]
	default:
		return hwenc.InputAlloc{}, fmt.Errorf("loopback: unknown surface format %v", format)
	}
	s.inputs = append(s.inputs, sf)
	return hwenc.InputAlloc{Handle: len(s.inputs) - 1, Pitch: pitch, Planes: sf.planes}, nil
}

func (s *session) AllocateBitstream() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, hwenc.ErrClosed
	}
	s.outputs = append(s.outputs, &outBuf{})
	return len(s.outputs) - 1, nil
}

func (s *session) LockBitstream(handle int) (hwenc.Bitstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= len(s.outputs) {
		return hwenc.Bitstream{}, fmt.Errorf("%w: bitstream %d", hwenc.ErrInvalidHandle, handle)
	}
	ob := s.outputs[handle]
	if !ob.ready {
		return hwenc.Bitstream{}, fmt.Errorf("%w: bitstream %d", hwenc.ErrNotReady, handle)
	}
	ob.locked = true
	bs := ob.bs
	bs.Data = append([]byte(nil), ob.bs.Data...)
	return bs, nil
}

func (s *session) UnlockBitstream(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= len(s.outputs) {
		return fmt.Errorf("%w: bitstream %d", hwenc.ErrInvalidHandle, handle)
	}
	ob := s.outputs[handle]
	if !ob.locked {
		return fmt.Errorf("loopback: bitstream %d is not locked", handle)
	}
	*ob = outBuf{}
	return nil
}

func (s *session) Reconfigure(p hwenc.ReconfigureParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hwenc.ErrClosed
	}
	next := p.Init
	if next.Width <= 0 || next.Height <= 0 ||
		next.Width > s.params.MaxWidth || next.Height > s.params.MaxHeight {
		return fmt.Errorf("loopback: reconfigure to %dx%d outside %dx%d",
			next.Width, next.Height, s.params.MaxWidth, s.params.MaxHeight)
	}
	// the session mode is fixed at open
	next.EnableAsync = s.params.EnableAsync
	next.EnablePTD = s.params.EnablePTD
	next.MaxWidth, next.MaxHeight = s.params.MaxWidth, s.params.MaxHeight
	s.params = next
	s.inline = !next.DisableInlineSPSPPS

	if p.ResetEncoder {
		if len(s.holding) > 0 {
			s.log.Info("reset discards held pictures", enclog.Int("count", len(s.holding)))
		}
		s.holding = nil
		s.gopPos = 0
	}
	if p.ForceIDR {
		s.gopPos = 0
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// EncodePicture implements hwenc.Session.
func (s *session) EncodePicture(p *hwenc.PicParams) hwenc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hwenc.StatusDeviceLost
	}
	if p == nil {
		return hwenc.StatusInvalidParam
	}
	if p.EndOfStream {
		s.releaseHeld(false)
		return hwenc.StatusSuccess
	}
	if p.InputHandle < 0 || p.InputHandle >= len(s.inputs) ||
		p.OutputHandle < 0 || p.OutputHandle >= len(s.outputs) {
		return hwenc.StatusInvalidHandle
	}
	if s.params.EnableAsync && p.CompletionEvent == nil {
		return hwenc.StatusInvalidParam
	}

	frame := s.frame
	s.frame++
	if s.dev.observe != nil {
		cp := *p
		cp.SEI = append([]hwenc.SEIPayload(nil), p.SEI...)
		s.dev.observe(cp)
	}
	if s.dev.fault != nil {
		if st := s.dev.fault(frame); st.Fatal() {
			return st
		}
	}

	h := held{p: *p, frame: frame, sample: s.sample(p.InputHandle)}

	if !s.params.EnablePTD {
		t := p.PictureType
		if t == hwenc.PictureTypeAuto {
			t = hwenc.PictureTypeP
		}
		s.emit(h, t)
		return hwenc.StatusSuccess
	}

	atGOPStart := s.gopPos%s.params.GOPLength == 0
	s.gopPos++
	if atGOPStart {
		s.releaseHeld(true)
		s.emit(h, hwenc.PictureTypeIDR)
		return hwenc.StatusSuccess
	}
	// B pictures are only reordered when the caller paces on our status.
	if s.params.EnableAsync || s.params.NumBFrames == 0 {
		s.emit(h, hwenc.PictureTypeP)
		return hwenc.StatusSuccess
	}
	s.holding = append(s.holding, h)
	if len(s.holding) <= s.params.NumBFrames {
		return hwenc.StatusNeedMoreInput
	}
	s.releaseHeld(false)
	return hwenc.StatusSuccess
}

// releaseHeld emits held pictures in decode order: the newest as the anchor,
// then the rest as B. With trailingB the newest is also coded as B because
// an IDR follows.
func (s *session) releaseHeld(trailingB bool) {
	n := len(s.holding)
	if n == 0 {
		return
	}
	anchor := hwenc.PictureTypeP
	if trailingB {
		anchor = hwenc.PictureTypeB
	}
	s.emit(s.holding[n-1], anchor)
	for _, h := range s.holding[:n-1] {
		s.emit(h, hwenc.PictureTypeB)
	}
	s.holding = nil
}

func (s *session) sample(handle int) []byte {
	sf := s.inputs[handle]
	n := 16
	if n > sf.width {
		n = sf.width
	}
	return append([]byte(nil), sf.planes[0][:n]...)
}

func (s *session) emit(h held, t hwenc.PictureType) {
	bs := hwenc.Bitstream{
		Data:        accessUnit(s.params, s.inline, h, t),
		PictureType: t,
		FrameIndex:  h.frame,
		Timestamp:   h.p.Timestamp,
	}
	ob := s.outputs[h.p.OutputHandle]

	ev := h.p.CompletionEvent
	if ev == nil {
		ob.bs, ob.ready = bs, true
		return
	}
	var delay time.Duration
	if s.dev.eventDelay != nil {
		delay = s.dev.eventDelay(h.frame)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		ob.bs, ob.ready = bs, true
		s.mu.Unlock()
		ev.Signal()
	}()
}
