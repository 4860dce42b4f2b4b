package framequeue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/framepipe/internal/enclog"
)

func pic(slot int) Picture {
	return Picture{
		Descriptor: Descriptor{Index: slot, Timestamp: time.Duration(slot) * time.Millisecond},
		Params:     &PictureParams{CurrPicIdx: slot},
	}
}

func mustQueue(t *testing.T, slots, capacity int) *Queue {
	t.Helper()
	q, err := New(slots, capacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestNewRejectsBadSizes(t *testing.T) {
	if _, err := New(0, 4); err == nil {
		t.Fatal("expected error for zero slots")
	}
	if _, err := New(4, 0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 16, 3)
	ctx := context.Background()

	next := 0
	// interleave so the cursors wrap several times
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if err := q.Enqueue(ctx, pic((round*3+i)%16)); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if q.Len() > q.Capacity() {
				t.Fatalf("count %d exceeds capacity", q.Len())
			}
		}
		for i := 0; i < 3; i++ {
			d, p, ok := q.Dequeue()
			if !ok {
				t.Fatal("Dequeue found nothing")
			}
			want := next % 16
			if d.Index != want || p.CurrPicIdx != want {
				t.Fatalf("got slot %d params %d, want %d", d.Index, p.CurrPicIdx, want)
			}
			next++
		}
	}
	d, _, ok := q.Dequeue()
	if ok || d.Index != InvalidIndex {
		t.Fatalf("empty dequeue: ok=%v index=%d", ok, d.Index)
	}
	if q.Len() != 0 {
		t.Fatalf("count: got %d", q.Len())
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 8, 4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := q.Enqueue(ctx, pic(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if q.Len() != 4 {
		t.Fatalf("count: got %d, want 4", q.Len())
	}

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, pic(4)) }()

	select {
	case err := <-done:
		t.Fatalf("fifth Enqueue returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	d, _, ok := q.Dequeue()
	if !ok || d.Index != 0 {
		t.Fatalf("Dequeue: ok=%v index=%d", ok, d.Index)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fifth Enqueue: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fifth Enqueue still blocked after Dequeue")
	}
	if q.Len() != 4 {
		t.Fatalf("count: got %d, want 4", q.Len())
	}
}

func TestInUseUntilReleased(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 4, 2)
	if err := q.Enqueue(context.Background(), pic(2)); err != nil {
		t.Fatal(err)
	}
	if busy, _ := q.IsInUse(2); !busy {
		t.Fatal("slot 2 should be in use after Enqueue")
	}
	if _, _, ok := q.Dequeue(); !ok {
		t.Fatal("Dequeue found nothing")
	}
	if busy, _ := q.IsInUse(2); !busy {
		t.Fatal("Dequeue must not clear the in-use flag")
	}
	if err := q.ReleaseFrame(2); err != nil {
		t.Fatal(err)
	}
	if busy, _ := q.IsInUse(2); busy {
		t.Fatal("slot 2 still in use after ReleaseFrame")
	}
}

func TestSlotBoundsChecked(t *testing.T) {
	q := mustQueue(t, 2, 2)
	if err := q.Enqueue(context.Background(), pic(2)); !errors.Is(err, ErrSlotOutOfRange) {
		t.Fatalf("Enqueue: got %v", err)
	}
	if err := q.ReleaseFrame(-1); !errors.Is(err, ErrSlotOutOfRange) {
		t.Fatalf("ReleaseFrame: got %v", err)
	}
	if _, err := q.IsInUse(5); !errors.Is(err, ErrSlotOutOfRange) {
		t.Fatalf("IsInUse: got %v", err)
	}
	if q.WaitUntilFrameAvailable(context.Background(), 9) {
		t.Fatal("WaitUntilFrameAvailable succeeded on out-of-range slot")
	}
}

func TestWaitUntilFrameAvailable(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 4, 4)
	q.Enqueue(context.Background(), pic(1))

	done := make(chan bool, 1)
	go func() { done <- q.WaitUntilFrameAvailable(context.Background(), 1) }()

	select {
	case <-done:
		t.Fatal("returned while slot still in use")
	case <-time.After(20 * time.Millisecond):
	}
	q.ReleaseFrame(1)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected true after release")
		}
	case <-time.After(time.Second):
		t.Fatal("not woken by ReleaseFrame")
	}
}

func TestEndOfDecodeUnblocksWaiters(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 8, 1)
	ctx := context.Background()
	q.Enqueue(ctx, pic(0))

	enq := make(chan error, 1)
	go func() { enq <- q.Enqueue(ctx, pic(1)) }()
	avail := make(chan bool, 1)
	go func() { avail <- q.WaitUntilFrameAvailable(ctx, 0) }()

	time.Sleep(20 * time.Millisecond)
	q.EndOfDecode()

	select {
	case err := <-enq:
		if !errors.Is(err, ErrDropped) {
			t.Fatalf("Enqueue: got %v, want ErrDropped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue not unblocked by EndOfDecode")
	}
	select {
	case ok := <-avail:
		if ok {
			t.Fatal("WaitUntilFrameAvailable returned true at end of decode")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitUntilFrameAvailable not unblocked by EndOfDecode")
	}

	// the dropped picture's slot stays marked for the caller to release
	if busy, _ := q.IsInUse(1); !busy {
		t.Fatal("dropped slot should stay in use")
	}
	if q.Metrics()["dropped"] != uint64(1) {
		t.Fatalf("dropped metric: %v", q.Metrics()["dropped"])
	}
	if !q.IsEndOfDecode() {
		t.Fatal("latch not set")
	}
}

func TestDequeueWait(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 4, 2)

	got := make(chan int, 1)
	go func() {
		d, _, err := q.DequeueWait(context.Background())
		if err != nil {
			t.Errorf("DequeueWait: %v", err)
		}
		got <- d.Index
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(context.Background(), pic(3))

	select {
	case idx := <-got:
		if idx != 3 {
			t.Fatalf("got slot %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueWait not woken by Enqueue")
	}

	// queued pictures still drain after end of decode
	q.Enqueue(context.Background(), pic(1))
	q.EndOfDecode()
	if d, _, err := q.DequeueWait(context.Background()); err != nil || d.Index != 1 {
		t.Fatalf("drain after EOS: index=%d err=%v", d.Index, err)
	}
	if _, _, err := q.DequeueWait(context.Background()); !errors.Is(err, ErrEndOfDecode) {
		t.Fatalf("got %v, want ErrEndOfDecode", err)
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	t.Parallel()
	q := mustQueue(t, 4, 1)
	q.Enqueue(context.Background(), pic(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, pic(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue: got %v", err)
	}
	if q.WaitUntilFrameAvailable(ctx, 0) {
		t.Fatal("WaitUntilFrameAvailable: expected false on cancelled context")
	}
}

func TestMissingParamsYieldsBadParams(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	q, _ := New(4, 2, WithLogger(enclog.FromZap(zap.New(core))))

	q.Enqueue(context.Background(), Picture{Descriptor: Descriptor{Index: 0}})
	d, p, ok := q.Dequeue()
	if !ok || d.Index != 0 {
		t.Fatalf("Dequeue: ok=%v index=%d", ok, d.Index)
	}
	if !p.IsBad() {
		t.Fatalf("expected BadParams, got %+v", p)
	}
	if q.Metrics()["protocol_violations"] != uint64(1) {
		t.Fatalf("violations: %v", q.Metrics()["protocol_violations"])
	}
	if logs.FilterMessage("dequeued picture without parameter block").Len() != 1 {
		t.Fatal("protocol violation not logged")
	}
}

func TestClear(t *testing.T) {
	q := mustQueue(t, 4, 4)
	ctx := context.Background()
	q.Enqueue(ctx, pic(0))
	q.Enqueue(ctx, pic(1))
	q.Clear()

	if q.Len() != 0 {
		t.Fatalf("count after Clear: %d", q.Len())
	}
	for slot := 0; slot < q.SlotCount(); slot++ {
		if busy, _ := q.IsInUse(slot); busy {
			t.Fatalf("slot %d still in use after Clear", slot)
		}
	}
	q.Enqueue(ctx, pic(2))
	if d, _, _ := q.Dequeue(); d.Index != 2 {
		t.Fatalf("after Clear got slot %d", d.Index)
	}
}
