package loopback

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/pixconv"
)

func openSession(t *testing.T, d *Device, p hwenc.InitParams) hwenc.Session {
	t.Helper()
	s, err := d.Open(context.Background(), p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func baseParams() hwenc.InitParams {
	return hwenc.InitParams{
		Width: 64, Height: 48, MaxWidth: 64, MaxHeight: 48,
		FrameRateNum: 30, FrameRateDen: 1, GOPLength: 8,
	}
}

type pair struct{ in, out int }

func allocPairs(t *testing.T, s hwenc.Session, n int) []pair {
	t.Helper()
	out := make([]pair, n)
	for i := range out {
		in, err := s.AllocateInput(64, 48, pixconv.FormatNV12)
		if err != nil {
			t.Fatal(err)
		}
		bs, err := s.AllocateBitstream()
		if err != nil {
			t.Fatal(err)
		}
		out[i] = pair{in.Handle, bs}
	}
	return out
}

func TestOpenValidates(t *testing.T) {
	d := New()
	testCases := []struct {
		name   string
		mutate func(p *hwenc.InitParams)
	}{
		{"zero width", func(p *hwenc.InitParams) { p.Width = 0 }},
		{"too large", func(p *hwenc.InitParams) { p.MaxWidth = 8192 }},
		{"zero gop", func(p *hwenc.InitParams) { p.GOPLength = 0 }},
		{"too many b frames", func(p *hwenc.InitParams) { p.NumBFrames = 9 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			if _, err := d.Open(context.Background(), p); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAllocateInputAlignsTo32(t *testing.T) {
	s := openSession(t, New(), baseParams())
	in, err := s.AllocateInput(50, 20, pixconv.FormatNV12)
	if err != nil {
		t.Fatal(err)
	}
	if in.Pitch != 64 {
		t.Fatalf("pitch: got %d, want 64", in.Pitch)
	}
	if len(in.Planes[0]) != 64*32 || len(in.Planes[1]) != 64*16 {
		t.Fatalf("plane sizes: %d, %d", len(in.Planes[0]), len(in.Planes[1]))
	}
}

func TestPacedModeHoldsBFrames(t *testing.T) {
	p := baseParams()
	p.EnablePTD = true
	p.NumBFrames = 2
	s := openSession(t, New(), p)
	pairs := allocPairs(t, s, 6)

	want := []hwenc.Status{
		hwenc.StatusSuccess,       // IDR
		hwenc.StatusNeedMoreInput, // held
		hwenc.StatusNeedMoreInput, // held
		hwenc.StatusSuccess,       // P released with two B
		hwenc.StatusNeedMoreInput,
	}
	for i, st := range want {
		got := s.EncodePicture(&hwenc.PicParams{InputHandle: pairs[i].in, OutputHandle: pairs[i].out})
		if got != st {
			t.Fatalf("picture %d: got %v, want %v", i, got, st)
		}
	}

	types := []hwenc.PictureType{hwenc.PictureTypeIDR, hwenc.PictureTypeB, hwenc.PictureTypeB, hwenc.PictureTypeP}
	for i, typ := range types {
		bs, err := s.LockBitstream(pairs[i].out)
		if err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
		if bs.PictureType != typ {
			t.Fatalf("picture %d: got %v, want %v", i, bs.PictureType, typ)
		}
		s.UnlockBitstream(pairs[i].out)
	}
	if _, err := s.LockBitstream(pairs[4].out); !errors.Is(err, hwenc.ErrNotReady) {
		t.Fatalf("held picture: got %v, want ErrNotReady", err)
	}

	// end of stream drains what the device holds
	if st := s.EncodePicture(&hwenc.PicParams{EndOfStream: true}); st != hwenc.StatusSuccess {
		t.Fatalf("EOS: %v", st)
	}
	if _, err := s.LockBitstream(pairs[4].out); err != nil {
		t.Fatalf("after EOS: %v", err)
	}
}

func TestAsyncSignalsEvent(t *testing.T) {
	p := baseParams()
	p.EnableAsync = true
	s := openSession(t, New(WithEventDelay(func(uint64) time.Duration { return 5 * time.Millisecond })), p)
	pairs := allocPairs(t, s, 1)

	if st := s.EncodePicture(&hwenc.PicParams{InputHandle: pairs[0].in, OutputHandle: pairs[0].out}); st != hwenc.StatusInvalidParam {
		t.Fatalf("async without event: got %v", st)
	}

	ev := hwenc.NewEvent()
	st := s.EncodePicture(&hwenc.PicParams{InputHandle: pairs[0].in, OutputHandle: pairs[0].out, CompletionEvent: ev})
	if st != hwenc.StatusSuccess {
		t.Fatalf("submit: %v", st)
	}
	if err := ev.WaitTimeout(time.Second); err != nil {
		t.Fatalf("event: %v", err)
	}
	bs, err := s.LockBitstream(pairs[0].out)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if bs.PictureType != hwenc.PictureTypeP {
		t.Fatalf("type: %v", bs.PictureType)
	}
}

func TestAccessUnitLayout(t *testing.T) {
	p := baseParams()
	s := openSession(t, New(), p)
	pairs := allocPairs(t, s, 2)

	sei := hwenc.SEIPayload{Type: hwenc.SEIUserDataUnregistered, Data: []byte("hello")}
	s.EncodePicture(&hwenc.PicParams{
		InputHandle: pairs[0].in, OutputHandle: pairs[0].out,
		PictureType: hwenc.PictureTypeIDR, SEI: []hwenc.SEIPayload{sei},
	})
	bs, err := s.LockBitstream(pairs[0].out)
	if err != nil {
		t.Fatal(err)
	}
	nals := SplitAnnexB(bs.Data)
	var types []byte
	for _, n := range nals {
		types = append(types, n[0]&0x1f)
	}
	if !bytes.Equal(types, []byte{nalSPS, nalPPS, nalSEI, nalSliceIDR}) {
		t.Fatalf("nal types: %v", types)
	}
	if !bytes.Contains(nals[2], []byte("hello")) || nals[2][1] != hwenc.SEIUserDataUnregistered {
		t.Fatalf("sei nal: %x", nals[2])
	}

	// inline parameter sets can be switched off, and come back on reconfigure
	p.DisableInlineSPSPPS = true
	s2 := openSession(t, New(), p)
	pairs2 := allocPairs(t, s2, 2)
	s2.EncodePicture(&hwenc.PicParams{InputHandle: pairs2[0].in, OutputHandle: pairs2[0].out, PictureType: hwenc.PictureTypeIDR})
	bs, _ = s2.LockBitstream(pairs2[0].out)
	if n := SplitAnnexB(bs.Data); len(n) != 1 || n[0][0]&0x1f != nalSliceIDR {
		t.Fatalf("expected lone IDR slice, got %d nals", len(n))
	}
	reinit := baseParams()
	if err := s2.Reconfigure(hwenc.ReconfigureParams{Init: reinit, ResetEncoder: true}); err != nil {
		t.Fatal(err)
	}
	s2.EncodePicture(&hwenc.PicParams{InputHandle: pairs2[1].in, OutputHandle: pairs2[1].out, PictureType: hwenc.PictureTypeIDR})
	bs, _ = s2.LockBitstream(pairs2[1].out)
	if n := SplitAnnexB(bs.Data); len(n) != 3 {
		t.Fatalf("expected SPS, PPS and slice after reconfigure, got %d nals", len(n))
	}
}

func TestEscapeInsertsEmulationPrevention(t *testing.T) {
	got := escape([]byte{0, 0, 1, 0, 0, 0, 0, 0, 4})
	want := []byte{0, 0, 3, 1, 0, 0, 3, 0, 0, 3, 0, 4}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestFaultInjection(t *testing.T) {
	s := openSession(t, New(WithFault(func(frame uint64) hwenc.Status {
		if frame == 1 {
			return hwenc.StatusDeviceLost
		}
		return hwenc.StatusSuccess
	})), baseParams())
	pairs := allocPairs(t, s, 2)
	if st := s.EncodePicture(&hwenc.PicParams{InputHandle: pairs[0].in, OutputHandle: pairs[0].out}); st != hwenc.StatusSuccess {
		t.Fatalf("frame 0: %v", st)
	}
	if st := s.EncodePicture(&hwenc.PicParams{InputHandle: pairs[1].in, OutputHandle: pairs[1].out}); st != hwenc.StatusDeviceLost {
		t.Fatalf("frame 1: %v", st)
	}
}
