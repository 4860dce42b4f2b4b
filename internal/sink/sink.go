// Package sink receives encoded access units from the encoder retirement
// worker: raw Annex-B files, RTP over UDP and compressed segments in object
// storage.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mikeyg42/framepipe/internal/hwenc"
)

// Packet is one retired output buffer, or the out-of-band parameter sets
// written once at session start.
type Packet struct {
	Data          []byte
	PictureType   hwenc.PictureType
	FrameIndex    uint64
	Timestamp     time.Duration
	ParameterSets bool
}

// Keyframe reports whether the packet starts a GOP.
func (p Packet) Keyframe() bool {
	return p.PictureType == hwenc.PictureTypeIDR || p.PictureType == hwenc.PictureTypeI
}

// Sink consumes packets in retirement order. WritePacket is only ever called
// from one goroutine at a time.
type Sink interface {
	WritePacket(ctx context.Context, p Packet) error
	Close() error
}

var ErrClosed = errors.New("sink: closed")

// Discard drops every packet.
type Discard struct{}

func (Discard) WritePacket(context.Context, Packet) error { return nil }
func (Discard) Close() error                             { return nil }

// Multi fans packets out to several sinks. Every sink sees every packet;
// errors are joined.
type Multi struct {
	mu     sync.Mutex
	sinks  []Sink
	closed bool
}

// NewMulti returns a sink writing to each of sinks in order.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) WritePacket(ctx context.Context, p Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.WritePacket(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every packet in memory.
type Recorder struct {
	mu      sync.Mutex
	packets []Packet
}

func (r *Recorder) WritePacket(_ context.Context, p Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Data = append([]byte(nil), p.Data...)
	r.packets = append(r.packets, p)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Packets returns a copy of what has been written.
func (r *Recorder) Packets() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.packets...)
}
