package sink

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/mikeyg42/framepipe/internal/enclog"
)

// H.264 over RTP uses a 90 kHz clock.
const rtpClockRate = 90000

// RTPConfig configures an RTPSink.
type RTPConfig struct {
	Addr         string
	PayloadType  uint8
	MTU          uint16
	FrameRateNum int
	FrameRateDen int
	SSRC         uint32
}

// RTPSink packetizes access units as H.264 RTP and sends them over UDP.
type RTPSink struct {
	mu         sync.Mutex
	conn       net.Conn
	packetizer rtp.Packetizer
	samples    uint32
	closed     bool
	log        enclog.Logger

	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewRTPSink dials cfg.Addr.
func NewRTPSink(cfg RTPConfig) (*RTPSink, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 1200
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = 96
	}
	if cfg.FrameRateNum <= 0 {
		cfg.FrameRateNum, cfg.FrameRateDen = 30, 1
	}
	if cfg.FrameRateDen <= 0 {
		cfg.FrameRateDen = 1
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	conn, err := net.Dial("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp destination: %w", err)
	}
	return &RTPSink{
		conn: conn,
		packetizer: rtp.NewPacketizer(cfg.MTU, cfg.PayloadType, cfg.SSRC,
			&codecs.H264Payloader{}, rtp.NewRandomSequencer(), rtpClockRate),
		samples: uint32(rtpClockRate * cfg.FrameRateDen / cfg.FrameRateNum),
		log: enclog.L().Named("sink.rtp").With(
			enclog.String("addr", cfg.Addr),
			enclog.Int("payload_type", int(cfg.PayloadType))),
	}, nil
}

// WritePacket sends one access unit. Parameter sets sent on their own do
// not advance the RTP timestamp.
func (s *RTPSink) WritePacket(ctx context.Context, p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	samples := s.samples
	if p.ParameterSets {
		samples = 0
	}
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(dl)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	for _, pkt := range s.packetizer.Packetize(p.Data, samples) {
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp packet: %w", err)
		}
		if _, err := s.conn.Write(raw); err != nil {
			return fmt.Errorf("send rtp packet: %w", err)
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(raw)))
	}
	return nil
}

// Metrics returns packet counters.
func (s *RTPSink) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"packets": s.packets.Load(),
		"bytes":   s.bytes.Load(),
	}
}

func (s *RTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info("rtp sink closed", enclog.Uint64("packets", s.packets.Load()))
	return s.conn.Close()
}
