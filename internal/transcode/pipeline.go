// Package transcode runs the decode → display queue → encode pipeline. A
// decode stage renders pictures into slot-owned buffers and enqueues them;
// the encode stage dequeues in display order, submits each picture to the
// encoder session and releases the slot for reuse.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/encoder"
	"github.com/mikeyg42/framepipe/internal/framequeue"
	"github.com/mikeyg42/framepipe/internal/pixconv"
)

// Config drives the decode stage.
type Config struct {
	Frames int
	// FrameRate paces decoding; zero decodes as fast as the queue allows.
	FrameRate  int
	Layout     pixconv.Layout
	Width      int
	Height     int
	Interlaced bool
	// SlotWaitStep bounds each wait for a slot before it is reported as a
	// stall and the wait resumes.
	SlotWaitStep time.Duration
}

// Status is a snapshot of the whole pipeline.
type Status struct {
	Decoded    uint64                 `json:"decoded"`
	Encoded    uint64                 `json:"encoded"`
	BadParams  uint64                 `json:"bad_params"`
	SlotStalls uint64                 `json:"slot_stalls"`
	Reconfigs  uint64                 `json:"reconfigurations"`
	Done       bool                   `json:"done"`
	Queue      map[string]interface{} `json:"queue"`
	Encoder    encoder.Stats          `json:"encoder"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l enclog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline connects a frame queue to an encoder session.
type Pipeline struct {
	cfg     Config
	queue   *framequeue.Queue
	session *encoder.Session
	slots   []*picture
	log     enclog.Logger

	decoded    atomic.Uint64
	encoded    atomic.Uint64
	badParams  atomic.Uint64
	slotStalls atomic.Uint64
	reconfigs  atomic.Uint64
	done       atomic.Bool

	pendingRC atomic.Pointer[encoder.ReconfigureConfig]
}

// ErrExceedsSource is returned for a reconfiguration larger than the
// decoded pictures.
var ErrExceedsSource = errors.New("transcode: reconfiguration larger than the source")

// New allocates one picture buffer per queue slot.
func New(cfg Config, q *framequeue.Queue, s *encoder.Session, opts ...Option) (*Pipeline, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("transcode: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.SlotWaitStep <= 0 {
		cfg.SlotWaitStep = 100 * time.Millisecond
	}
	p := &Pipeline{
		cfg:     cfg,
		queue:   q,
		session: s,
		log:     enclog.L().Named("transcode"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.slots = make([]*picture, q.SlotCount())
	for i := range p.slots {
		pic, err := newPicture(cfg.Layout, cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
		p.slots[i] = pic
	}
	return p, nil
}

// Run decodes cfg.Frames pictures and encodes them, then flushes the
// session. It returns when both stages finish or one fails.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// consumers must observe the end of stream on every exit path
		defer p.queue.EndOfDecode()
		return p.decode(gctx)
	})
	g.Go(func() error {
		return p.encode(gctx)
	})
	err := g.Wait()
	p.done.Store(true)
	p.log.Info("pipeline finished",
		enclog.Uint64("decoded", p.decoded.Load()),
		enclog.Uint64("encoded", p.encoded.Load()),
		enclog.Uint64("slot_stalls", p.slotStalls.Load()))
	return err
}

// waitForSlot blocks until slot has been released by the consumer.
func (p *Pipeline) waitForSlot(ctx context.Context, slot int) error {
	for {
		stepCtx, cancel := context.WithTimeout(ctx, p.cfg.SlotWaitStep)
		ok := p.queue.WaitUntilFrameAvailable(stepCtx, slot)
		cancel()
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.queue.IsEndOfDecode() {
			return framequeue.ErrEndOfDecode
		}
		p.slotStalls.Add(1)
		p.log.Debug("waiting for decode slot", enclog.Int("slot", slot))
	}
}

func (p *Pipeline) decode(ctx context.Context) error {
	var tick *time.Ticker
	if p.cfg.FrameRate > 0 {
		tick = time.NewTicker(time.Second / time.Duration(p.cfg.FrameRate))
		defer tick.Stop()
	}
	frameDur := time.Second / 30
	if p.cfg.FrameRate > 0 {
		frameDur = time.Second / time.Duration(p.cfg.FrameRate)
	}

	for n := 0; p.cfg.Frames <= 0 || n < p.cfg.Frames; n++ {
		slot := n % len(p.slots)
		if err := p.waitForSlot(ctx, slot); err != nil {
			return err
		}
		if tick != nil {
			select {
			case <-tick.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.slots[slot].render(n, p.cfg.Width, p.cfg.Height)

		pic := framequeue.Picture{
			Descriptor: framequeue.Descriptor{
				Index:            slot,
				Timestamp:        time.Duration(n) * frameDur,
				ProgressiveFrame: !p.cfg.Interlaced,
				TopFieldFirst:    p.cfg.Interlaced,
			},
			Params: &framequeue.PictureParams{CurrPicIdx: slot},
		}
		if err := p.queue.Enqueue(ctx, pic); err != nil {
			return fmt.Errorf("enqueue frame %d: %w", n, err)
		}
		p.decoded.Add(1)
	}
	return nil
}

func (p *Pipeline) encode(ctx context.Context) error {
	for {
		d, params, err := p.queue.DequeueWait(ctx)
		if errors.Is(err, framequeue.ErrEndOfDecode) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return p.session.Flush(ctx)
		}
		if err != nil {
			return err
		}
		if rc := p.pendingRC.Swap(nil); rc != nil {
			if err := p.reconfigure(ctx, *rc); err != nil {
				p.queue.ReleaseFrame(d.Index)
				return err
			}
		}
		if params.IsBad() {
			p.badParams.Add(1)
			p.log.Warn("skipping picture without parameters", enclog.Int("slot", d.Index))
			p.queue.ReleaseFrame(d.Index)
			continue
		}

		src := p.slots[d.Index]
		fc := &encoder.FrameConfig{
			Layout:        src.layout,
			Planes:        src.planes,
			Strides:       src.strides,
			Timestamp:     d.Timestamp,
			FieldPicture:  !d.ProgressiveFrame,
			TopFieldFirst: d.TopFieldFirst,
		}
		err = p.session.EncodeFrame(ctx, fc, false)
		// the picture has been copied into an input surface either way
		p.queue.ReleaseFrame(d.Index)
		if err != nil {
			if encoder.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("encode slot %d: %w", d.Index, err)
			}
			p.log.Warn("frame not encoded", enclog.Error(err), enclog.Int("slot", d.Index))
			continue
		}
		p.encoded.Add(1)
	}
}

// RequestReconfigure schedules a session change. The encode stage flushes
// and applies it before the next picture; a newer request replaces one not
// yet applied.
func (p *Pipeline) RequestReconfigure(rc encoder.ReconfigureConfig) error {
	if rc.Width > p.cfg.Width || rc.Height > p.cfg.Height {
		return fmt.Errorf("%w: %dx%d from %dx%d", ErrExceedsSource, rc.Width, rc.Height, p.cfg.Width, p.cfg.Height)
	}
	p.pendingRC.Store(&rc)
	return nil
}

func (p *Pipeline) reconfigure(ctx context.Context, rc encoder.ReconfigureConfig) error {
	if err := p.session.Flush(ctx); err != nil {
		return fmt.Errorf("flush before reconfigure: %w", err)
	}
	if err := p.session.Reconfigure(ctx, rc); err != nil {
		if encoder.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		p.log.Warn("reconfigure rejected", enclog.Error(err))
		return nil
	}
	p.reconfigs.Add(1)
	return nil
}

// Status returns the current counters of both stages and the session.
func (p *Pipeline) Status() Status {
	return Status{
		Decoded:    p.decoded.Load(),
		Encoded:    p.encoded.Load(),
		BadParams:  p.badParams.Load(),
		SlotStalls: p.slotStalls.Load(),
		Reconfigs:  p.reconfigs.Load(),
		Done:       p.done.Load(),
		Queue:      p.queue.Metrics(),
		Encoder:    p.session.Stats(),
	}
}
