package enclog

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromZapFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("queue").With(Int("capacity", 4))

	l.Warn("protocol violation",
		String("reason", "missing params"),
		Duration("waited", 10*time.Millisecond),
		Error(errors.New("boom")),
		Error(nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "queue" {
		t.Fatalf("logger name: got %q, want %q", e.LoggerName, "queue")
	}
	ctx := e.ContextMap()
	if ctx["capacity"] != int64(4) {
		t.Fatalf("capacity field: got %v", ctx["capacity"])
	}
	if ctx["reason"] != "missing params" {
		t.Fatalf("reason field: got %v", ctx["reason"])
	}
	if ctx["error"] != "boom" {
		t.Fatalf("error field: got %v", ctx["error"])
	}
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	before := L()
	ReplaceGlobal(nil)
	if L() != before {
		t.Fatal("ReplaceGlobal(nil) must keep the current logger")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{"bad level", Config{Level: "loud"}},
		{"bad format", Config{Format: "xml"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := New(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
