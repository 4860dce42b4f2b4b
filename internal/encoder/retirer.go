package encoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/sink"
	"github.com/mikeyg42/framepipe/internal/slotpool"
)

// retirer is the single worker that returns submitted pairs to their pools
// in submission order. For each pair it waits on the completion event when
// required, copies the bitstream to the sink and releases the input surface
// and then the output buffer.
type retirer struct {
	hw      hwenc.Session
	out     sink.Sink
	inputs  *slotpool.Pool[*InputSurface]
	outputs *slotpool.Pool[*OutputBuffer]
	timeout time.Duration
	log     enclog.Logger

	queue chan *pair
	done  chan struct{}

	mu          sync.Mutex
	cond        *sync.Cond
	outstanding int
	err         error

	// Metrics
	retired    atomic.Uint64
	bytesOut   atomic.Uint64
	sinkErrors atomic.Uint64
	keyframes  atomic.Uint64
}

func newRetirer(hw hwenc.Session, out sink.Sink, inputs *slotpool.Pool[*InputSurface],
	outputs *slotpool.Pool[*OutputBuffer], timeout time.Duration, log enclog.Logger) *retirer {
	r := &retirer{
		hw:      hw,
		out:     out,
		inputs:  inputs,
		outputs: outputs,
		timeout: timeout,
		log:     log,
		// never more pairs than output buffers
		queue: make(chan *pair, outputs.Cap()),
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *retirer) start(ctx context.Context) {
	go r.run(ctx)
}

// enqueue hands p to the worker. Ownership of both entries moves with it.
func (r *retirer) enqueue(p *pair) {
	r.mu.Lock()
	r.outstanding++
	r.mu.Unlock()
	r.queue <- p
}

func (r *retirer) run(ctx context.Context) {
	defer close(r.done)
	for p := range r.queue {
		if err := r.retire(ctx, p); err != nil {
			r.mu.Lock()
			r.err = err
			r.cond.Broadcast()
			r.mu.Unlock()
			r.log.Error("retirement worker stopped", enclog.Error(err),
				enclog.Int("output", p.out.Handle))
			return
		}
		r.mu.Lock()
		r.outstanding--
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *retirer) retire(ctx context.Context, p *pair) error {
	if p.out.WaitOnEvent {
		if err := p.out.Event.WaitTimeout(r.timeout); err != nil {
			return NewEncoderError(ErrCodeRetireTimeout, "waiting for completion event", true,
				fmt.Errorf("%w: %w", ErrRetireTimeout, err))
		}
	}

	bs, err := r.hw.LockBitstream(p.out.Handle)
	if err != nil {
		return NewEncoderError(ErrCodeLockBitstream, "lock bitstream", true, err)
	}
	pkt := sink.Packet{
		Data:        bs.Data,
		PictureType: bs.PictureType,
		FrameIndex:  bs.FrameIndex,
		Timestamp:   bs.Timestamp,
	}
	if err := r.out.WritePacket(ctx, pkt); err != nil {
		r.sinkErrors.Add(1)
		r.log.Error("sink write failed", enclog.Error(err),
			enclog.Uint64("frame", bs.FrameIndex))
	}
	if err := r.hw.UnlockBitstream(p.out.Handle); err != nil {
		return NewEncoderError(ErrCodeLockBitstream, "unlock bitstream", true, err)
	}

	r.retired.Add(1)
	r.bytesOut.Add(uint64(len(bs.Data)))
	if pkt.Keyframe() {
		r.keyframes.Add(1)
	}

	p.out.WaitOnEvent = false
	if err := r.inputs.Release(p.in); err != nil {
		r.log.Warn("input surface release", enclog.Error(err))
	}
	if err := r.outputs.Release(p.out); err != nil {
		r.log.Warn("output buffer release", enclog.Error(err))
	}
	return nil
}

// Err returns the fatal error that stopped the worker, if any.
func (r *retirer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Pending returns the number of pairs not yet retired.
func (r *retirer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Drain blocks until every enqueued pair is retired, the worker fails or ctx
// ends.
func (r *retirer) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.outstanding > 0 && r.err == nil && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.err != nil {
		return r.err
	}
	if r.outstanding > 0 {
		return ctx.Err()
	}
	return nil
}

// stop closes the queue and waits for the worker to exit.
func (r *retirer) stop() {
	close(r.queue)
	<-r.done
}
