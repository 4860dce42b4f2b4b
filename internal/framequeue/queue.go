// Package framequeue hands decoded pictures from a decode stage to a display
// or encode consumer. It is a bounded FIFO of pictures plus a per-slot
// in-use table: a slot is marked when its picture is enqueued and stays
// marked until the consumer calls ReleaseFrame, so the decoder can run ahead
// of the consumer up to the number of physical decode surfaces rather than
// the queue depth.
package framequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/framepipe/internal/enclog"
)

// InvalidIndex is the descriptor index reported when nothing was dequeued.
const InvalidIndex = -1

var (
	// ErrDropped is returned by Enqueue when end of decode was signalled while
	// the queue was still full. The picture is not queued and its slot stays
	// marked in use; the caller must release it.
	ErrDropped = errors.New("framequeue: picture dropped at end of decode")
	// ErrEndOfDecode is returned by DequeueWait once the queue is drained and
	// end of decode has been signalled.
	ErrEndOfDecode = errors.New("framequeue: end of decode")
	// ErrSlotOutOfRange is returned for slot indices outside [0, SlotCount).
	ErrSlotOutOfRange = errors.New("framequeue: slot index out of range")
)

// Descriptor identifies a decoded picture by slot plus display metadata.
type Descriptor struct {
	Index            int
	Timestamp        time.Duration
	ProgressiveFrame bool
	TopFieldFirst    bool
	RepeatFirstField bool
}

// PictureParams is the codec parameter block that travels with a picture.
// The payload is opaque to the queue.
type PictureParams struct {
	CurrPicIdx int
	Payload    []byte
}

// BadParams is handed out when a queued picture carried no parameter block.
// Seeing it downstream indicates a producer bug.
func BadParams() PictureParams {
	return PictureParams{CurrPicIdx: -1}
}

// IsBad reports whether p is the BadParams marker.
func (p PictureParams) IsBad() bool { return p.CurrPicIdx == -1 }

// Picture is one FIFO record. Params should be non-nil.
type Picture struct {
	Descriptor
	Params *PictureParams
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for protocol-violation reports.
func WithLogger(l enclog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Queue is safe for concurrent use by one producer and any number of
// consumers.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring  []Picture
	head  int
	count int

	inUse []bool
	eos   bool

	log enclog.Logger

	// Metrics
	enqueued   atomic.Uint64
	dequeued   atomic.Uint64
	dropped    atomic.Uint64
	violations atomic.Uint64
}

// New creates a queue with slotCount decode slots and room for capacity
// pictures.
func New(slotCount, capacity int, opts ...Option) (*Queue, error) {
	if slotCount <= 0 {
		return nil, fmt.Errorf("framequeue: slot count must be positive, got %d", slotCount)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("framequeue: capacity must be positive, got %d", capacity)
	}
	q := &Queue{
		ring:  make([]Picture, capacity),
		inUse: make([]bool, slotCount),
		log:   enclog.L().Named("framequeue"),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// wakeOnDone broadcasts the queue condition when ctx ends so cond waiters
// can observe the cancellation.
func (q *Queue) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

func (q *Queue) checkSlot(slot int) error {
	if slot < 0 || slot >= len(q.inUse) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrSlotOutOfRange, slot, len(q.inUse))
	}
	return nil
}

// Enqueue marks the picture's slot in use and appends it to the FIFO,
// waiting while the FIFO is full. If end of decode is signalled while still
// waiting it returns ErrDropped; if ctx ends it returns ctx.Err(). In both
// cases the slot remains marked in use.
func (q *Queue) Enqueue(ctx context.Context, pic Picture) error {
	if err := q.checkSlot(pic.Index); err != nil {
		return err
	}
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.inUse[pic.Index] = true
	for q.count == len(q.ring) && !q.eos && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.count == len(q.ring) {
		if q.eos {
			q.dropped.Add(1)
			q.log.Warn("picture dropped at end of decode",
				enclog.Int("slot", pic.Index),
				enclog.Duration("timestamp", pic.Timestamp))
			return ErrDropped
		}
		return ctx.Err()
	}

	q.ring[(q.head+q.count)%len(q.ring)] = pic
	q.count++
	q.enqueued.Add(1)
	q.cond.Broadcast()
	return nil
}

// Dequeue pops the oldest picture without blocking. When the FIFO is empty
// it returns a descriptor with Index == InvalidIndex and found == false.
func (q *Queue) Dequeue() (Descriptor, PictureParams, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Descriptor{Index: InvalidIndex}, PictureParams{}, false
	}
	d, p := q.popLocked()
	return d, p, true
}

// DequeueWait blocks until a picture is available. It returns ErrEndOfDecode
// once the FIFO is empty after end of decode, or ctx.Err().
func (q *Queue) DequeueWait(ctx context.Context) (Descriptor, PictureParams, error) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.eos && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.count > 0 {
		d, p := q.popLocked()
		return d, p, nil
	}
	if q.eos {
		return Descriptor{Index: InvalidIndex}, PictureParams{}, ErrEndOfDecode
	}
	return Descriptor{Index: InvalidIndex}, PictureParams{}, ctx.Err()
}

func (q *Queue) popLocked() (Descriptor, PictureParams) {
	pic := q.ring[q.head]
	q.ring[q.head] = Picture{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.dequeued.Add(1)
	q.cond.Broadcast()

	if pic.Params == nil {
		q.violations.Add(1)
		q.log.Warn("dequeued picture without parameter block",
			enclog.Int("slot", pic.Index),
			enclog.Uint64("violations", q.violations.Load()))
		return pic.Descriptor, BadParams()
	}
	return pic.Descriptor, *pic.Params
}

// ReleaseFrame clears the in-use flag of slot.
func (q *Queue) ReleaseFrame(slot int) error {
	if err := q.checkSlot(slot); err != nil {
		return err
	}
	q.mu.Lock()
	q.inUse[slot] = false
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// IsInUse reports whether slot is still held by a queued or consumed picture.
func (q *Queue) IsInUse(slot int) (bool, error) {
	if err := q.checkSlot(slot); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse[slot], nil
}

// WaitUntilFrameAvailable blocks until slot is released. It returns false if
// end of decode is signalled first, ctx ends, or slot is out of range.
func (q *Queue) WaitUntilFrameAvailable(ctx context.Context, slot int) bool {
	if q.checkSlot(slot) != nil {
		return false
	}
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inUse[slot] {
		if q.eos || ctx.Err() != nil {
			return false
		}
		q.cond.Wait()
	}
	return true
}

// EndOfDecode latches end of stream and wakes every waiter. It is never reset.
func (q *Queue) EndOfDecode() {
	q.mu.Lock()
	q.eos = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// IsEndOfDecode reports whether EndOfDecode has been called.
func (q *Queue) IsEndOfDecode() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eos
}

// Clear empties the FIFO and the in-use table. The pipeline must be idle.
// The end-of-decode latch is left as is.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ring {
		q.ring[i] = Picture{}
	}
	for i := range q.inUse {
		q.inUse[i] = false
	}
	q.head, q.count = 0, 0
	q.cond.Broadcast()
}

// Len returns the number of queued pictures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity returns the FIFO capacity.
func (q *Queue) Capacity() int { return len(q.ring) }

// SlotCount returns the size of the in-use table.
func (q *Queue) SlotCount() int { return len(q.inUse) }

// Metrics returns queue statistics
func (q *Queue) Metrics() map[string]interface{} {
	q.mu.Lock()
	count := q.count
	busy := 0
	for _, b := range q.inUse {
		if b {
			busy++
		}
	}
	eos := q.eos
	q.mu.Unlock()

	return map[string]interface{}{
		"capacity":            len(q.ring),
		"count":               count,
		"slots":               len(q.inUse),
		"slots_in_use":        busy,
		"end_of_decode":       eos,
		"enqueued":            q.enqueued.Load(),
		"dequeued":            q.dequeued.Load(),
		"dropped":             q.dropped.Load(),
		"protocol_violations": q.violations.Load(),
	}
}
