package quality

import (
	"errors"
	"testing"
	"time"

	"github.com/mikeyg42/framepipe/internal/config"
	"github.com/mikeyg42/framepipe/internal/encoder"
)

func TestProfilesOrdered(t *testing.T) {
	t.Parallel()
	profiles := Profiles()
	for i := 1; i < len(profiles); i++ {
		prev, cur := profiles[i-1], profiles[i]
		if cur.Resolution.Pixels() > prev.Resolution.Pixels() {
			t.Fatalf("%s is larger than %s above it", cur.Name, prev.Name)
		}
		if cur.BitrateRange.Min > cur.BitrateRange.Max {
			t.Fatalf("%s: inverted bitrate range", cur.Name)
		}
		if cur.Resolution.Width%2 != 0 || cur.Resolution.Height%2 != 0 {
			t.Fatalf("%s: odd dimensions cannot be 4:2:0", cur.Name)
		}
	}
}

func TestClosest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		w, h, fps int
		want      string
	}{
		{1920, 1080, 30, "1080p@30"},
		{1280, 720, 24, "720p@24"},
		{1366, 768, 30, "720p@30"},
		{640, 480, 20, "360p@20"},
	}
	for _, tt := range tests {
		if got := Closest(tt.w, tt.h, tt.fps); got.Name != tt.want {
			t.Fatalf("Closest(%dx%d@%d) = %s, want %s", tt.w, tt.h, tt.fps, got.Name, tt.want)
		}
	}
}

func TestCustomScalesBitrate(t *testing.T) {
	t.Parallel()
	small := Custom(320, 240, 30)
	large := Custom(2560, 1440, 30)
	if small.BitrateRange.Max >= large.BitrateRange.Max {
		t.Fatalf("bitrate should grow with size: %v vs %v", small.BitrateRange, large.BitrateRange)
	}
	if small.Resolution != (Resolution{320, 240}) || small.FrameRate != 30 {
		t.Fatalf("custom profile: %+v", small)
	}
}

func TestApplyAndReconfigure(t *testing.T) {
	t.Parallel()
	p, ok := ByName("720p@24")
	if !ok {
		t.Fatal("720p@24 missing")
	}
	var c config.EncoderConfig
	p.Apply(&c)
	if c.Width != 1280 || c.Height != 720 || c.FrameRateNum != 24 || c.FrameRateDen != 1 || c.Bitrate != 3_500_000 {
		t.Fatalf("applied: %+v", c)
	}
	rc := p.Reconfigure()
	if rc.Width != 1280 || rc.Bitrate != 3_500_000 || rc.VBVBufferSize != rc.Bitrate {
		t.Fatalf("reconfigure: %+v", rc)
	}
}

func TestManagerSteps(t *testing.T) {
	t.Parallel()
	var applied []encoder.ReconfigureConfig
	apply := func(rc encoder.ReconfigureConfig) error {
		applied = append(applied, rc)
		return nil
	}
	initial, _ := ByName("720p@30")
	m, err := NewManager(Resolution{1280, 720}, initial, apply, WithCooldown(0))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.StepUp("test"); !errors.Is(err, ErrAtLimit) {
		t.Fatalf("StepUp at top: %v", err)
	}
	p, err := m.StepDown("congestion")
	if err != nil || p.Name != "720p@24" {
		t.Fatalf("StepDown: %v %v", p.Name, err)
	}
	if _, err := m.Set("1080p@30", "manual"); !errors.Is(err, ErrExceedsSource) {
		t.Fatalf("Set above source: %v", err)
	}
	if _, err := m.Set("8K@60", "manual"); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("Set unknown: %v", err)
	}
	if p, err := m.Set("360p@20", "manual"); err != nil || p.Name != "360p@20" {
		t.Fatalf("Set: %v %v", p.Name, err)
	}
	if _, err := m.StepDown("test"); !errors.Is(err, ErrAtLimit) {
		t.Fatalf("StepDown at bottom: %v", err)
	}

	if len(applied) != 2 || applied[1].Width != 640 {
		t.Fatalf("applied: %+v", applied)
	}
	h := m.History()
	if len(h) != 2 || h[0].From != "720p@30" || h[0].To != "720p@24" || h[1].Reason != "manual" {
		t.Fatalf("history: %+v", h)
	}
	if m.Current().Name != "360p@20" {
		t.Fatalf("current: %s", m.Current().Name)
	}
}

func TestManagerCooldown(t *testing.T) {
	t.Parallel()
	now := time.Unix(100, 0)
	initial := Custom(1000, 600, 30)
	m, err := NewManager(Resolution{1000, 600}, initial,
		func(encoder.ReconfigureConfig) error { return nil },
		WithCooldown(10*time.Second), withClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	if m.Ladder()[0].Name != initial.Name {
		t.Fatalf("custom profile should top a ladder bounded by it: %+v", m.Ladder())
	}
	if _, err := m.StepDown("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StepDown("b"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second step inside cooldown: %v", err)
	}
	now = now.Add(10 * time.Second)
	if _, err := m.StepDown("c"); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
}

func TestManagerApplyErrorKeepsProfile(t *testing.T) {
	t.Parallel()
	initial, _ := ByName("480p@30")
	boom := errors.New("busy")
	m, err := NewManager(Resolution{854, 480}, initial,
		func(encoder.ReconfigureConfig) error { return boom }, WithCooldown(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.StepDown("x"); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if m.Current().Name != "480p@30" || len(m.History()) != 0 {
		t.Fatal("failed apply should not change the profile")
	}
}

func TestNewManagerRejectsOversizedInitial(t *testing.T) {
	t.Parallel()
	initial, _ := ByName("1080p@30")
	if _, err := NewManager(Resolution{1280, 720}, initial, nil); !errors.Is(err, ErrExceedsSource) {
		t.Fatalf("got %v", err)
	}
}
