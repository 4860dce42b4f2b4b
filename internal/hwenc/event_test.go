package hwenc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventSignalAndReset(t *testing.T) {
	e := NewEvent()
	if e.Signalled() {
		t.Fatal("new event already signalled")
	}
	if err := e.WaitTimeout(5 * time.Millisecond); !errors.Is(err, ErrEventTimeout) {
		t.Fatalf("got %v, want ErrEventTimeout", err)
	}

	e.Signal()
	e.Signal()
	if err := e.WaitTimeout(0); err != nil {
		t.Fatalf("signalled event: %v", err)
	}
	if err := e.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	e.Reset()
	if e.Signalled() {
		t.Fatal("event still signalled after Reset")
	}
}

func TestSignalledEventNeverTimesOut(t *testing.T) {
	e := NewEvent()
	e.Signal()
	for i := 0; i < 1000; i++ {
		if err := e.WaitTimeout(0); err != nil {
			t.Fatalf("iteration %d: signalled event reported %v", i, err)
		}
	}
}

func TestEventWakesWaiter(t *testing.T) {
	e := NewEvent()
	done := make(chan error, 1)
	go func() { done <- e.WaitTimeout(-1) }()

	time.Sleep(10 * time.Millisecond)
	e.Signal()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestEventWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewEvent().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestStatusFatal(t *testing.T) {
	testCases := []struct {
		s     Status
		fatal bool
	}{
		{StatusSuccess, false},
		{StatusNeedMoreInput, false},
		{StatusInvalidParam, true},
		{StatusDeviceLost, true},
		{Status(99), true},
	}
	for _, tc := range testCases {
		t.Run(tc.s.String(), func(t *testing.T) {
			if tc.s.Fatal() != tc.fatal {
				t.Fatalf("Fatal() = %v", tc.s.Fatal())
			}
		})
	}
}
