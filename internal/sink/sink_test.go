package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pion/rtp"

	"github.com/mikeyg42/framepipe/internal/hwenc"
	"github.com/mikeyg42/framepipe/internal/storage"
)

func nal(header byte, n int) []byte {
	b := []byte{0, 0, 0, 1, header}
	for i := 0; i < n; i++ {
		b = append(b, byte(i%200)+1)
	}
	return b
}

type failingSink struct{ closed bool }

func (f *failingSink) WritePacket(context.Context, Packet) error { return errors.New("disk full") }
func (f *failingSink) Close() error                            { f.closed = true; return nil }

func TestKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pt   hwenc.PictureType
		want bool
	}{
		{hwenc.PictureTypeIDR, true},
		{hwenc.PictureTypeI, true},
		{hwenc.PictureTypeP, false},
		{hwenc.PictureTypeB, false},
	}
	for _, tt := range tests {
		t.Run(tt.pt.String(), func(t *testing.T) {
			if got := (Packet{PictureType: tt.pt}).Keyframe(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiWritesEverySink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, b := &Recorder{}, &Recorder{}
	bad := &failingSink{}
	m := NewMulti(a, bad, b)

	err := m.WritePacket(ctx, Packet{Data: []byte{1}, FrameIndex: 7})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("got %v, want the failing sink's error", err)
	}
	if len(a.Packets()) != 1 || len(b.Packets()) != 1 {
		t.Fatal("a failing sink must not stop the others")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !bad.closed {
		t.Fatal("Close not propagated")
	}
	if err := m.WritePacket(ctx, Packet{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestRecorderCopiesData(t *testing.T) {
	t.Parallel()
	r := &Recorder{}
	data := []byte{1, 2, 3}
	r.WritePacket(context.Background(), Packet{Data: data})
	data[0] = 9
	if r.Packets()[0].Data[0] != 1 {
		t.Fatal("recorder must copy packet data")
	}
}

func TestFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "out.h264")
	s, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	var want []byte
	for i, p := range []Packet{
		{Data: nal(0x67, 4), ParameterSets: true},
		{Data: nal(0x65, 100), PictureType: hwenc.PictureTypeIDR},
		{Data: nal(0x41, 50), PictureType: hwenc.PictureTypeP, FrameIndex: 1},
	} {
		if err := s.WritePacket(ctx, p); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		want = append(want, p.Data...)
	}
	if s.Written() != int64(len(want)) {
		t.Fatalf("written: %d", s.Written())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("file content differs from written packets")
	}
	if err := s.WritePacket(ctx, Packet{Data: []byte{0}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRTPSinkFragmentsLargeAccessUnits(t *testing.T) {
	t.Parallel()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	s, err := NewRTPSink(RTPConfig{Addr: pc.LocalAddr().String(), PayloadType: 100, MTU: 500, FrameRateNum: 25, FrameRateDen: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.WritePacket(context.Background(), Packet{Data: nal(0x65, 3000), PictureType: hwenc.PictureTypeIDR}); err != nil {
		t.Fatal(err)
	}

	var pkts []rtp.Packet
	buf := make([]byte, 1500)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read: %v (got %d packets)", err, len(pkts))
		}
		var p rtp.Packet
		if err := p.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			t.Fatal(err)
		}
		if n > 500+12 {
			t.Fatalf("datagram of %d bytes exceeds the MTU", n)
		}
		pkts = append(pkts, p)
		if p.Marker {
			break
		}
	}
	if len(pkts) < 2 {
		t.Fatalf("expected fragmentation, got %d packets", len(pkts))
	}
	for i, p := range pkts {
		if p.PayloadType != 100 {
			t.Fatalf("packet %d payload type %d", i, p.PayloadType)
		}
		if i > 0 && p.SequenceNumber != pkts[i-1].SequenceNumber+1 {
			t.Fatalf("sequence gap at %d", i)
		}
		if p.Timestamp != pkts[0].Timestamp {
			t.Fatal("fragments of one access unit share a timestamp")
		}
	}
	if s.Metrics()["packets"].(uint64) != uint64(len(pkts)) {
		t.Fatalf("metrics: %v", s.Metrics())
	}
}

func TestObjectSinkSegmentsOnKeyframes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	journal := storage.NewMemoryJournal()
	if err := journal.BeginSession(ctx, &storage.SessionRecord{ID: "sess"}); err != nil {
		t.Fatal(err)
	}
	s, err := NewObjectSink(store, journal, ObjectConfig{SessionID: "sess", Prefix: "segments/", SegmentBytes: 100})
	if err != nil {
		t.Fatal(err)
	}

	header := nal(0x67, 8)
	s.WritePacket(ctx, Packet{Data: header, ParameterSets: true})
	types := []hwenc.PictureType{
		hwenc.PictureTypeIDR, hwenc.PictureTypeP, hwenc.PictureTypeP,
		hwenc.PictureTypeIDR, hwenc.PictureTypeP,
	}
	var frames [][]byte
	for i, pt := range types {
		hdr := byte(0x41)
		if pt == hwenc.PictureTypeIDR {
			hdr = 0x65
		}
		data := nal(hdr, 60)
		frames = append(frames, data)
		if err := s.WritePacket(ctx, Packet{Data: data, PictureType: pt, FrameIndex: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	objs, _ := store.List(ctx, "segments/sess/")
	if len(objs) != 2 {
		t.Fatalf("segments: got %d, want 2", len(objs))
	}
	if objs[0].Key != s.SegmentKey(0) || objs[1].Key != s.SegmentKey(1) {
		t.Fatalf("keys: %s %s", objs[0].Key, objs[1].Key)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	wantSegs := [][]byte{
		bytes.Join([][]byte{header, frames[0], frames[1], frames[2]}, nil),
		bytes.Join([][]byte{header, frames[3], frames[4]}, nil),
	}
	for i, o := range objs {
		rc, err := store.Get(ctx, o.Key)
		if err != nil {
			t.Fatal(err)
		}
		compressed, _ := io.ReadAll(rc)
		rc.Close()
		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		if !bytes.Equal(raw, wantSegs[i]) {
			t.Fatalf("segment %d content mismatch", i)
		}
		if o.Metadata["Content-Encoding"] != "zstd" || o.Metadata["session-id"] != "sess" {
			t.Fatalf("segment %d metadata: %v", i, o.Metadata)
		}
	}

	segs := journal.Segments("sess")
	if len(segs) != 2 || segs[1].FirstFrame != 3 || segs[1].LastFrame != 4 || segs[0].Keyframes != 1 {
		t.Fatalf("journal: %+v", segs)
	}
	if segs[0].SizeBytes == 0 || segs[0].RawBytes != int64(len(wantSegs[0])) {
		t.Fatalf("sizes: %+v", segs[0])
	}
	if err := s.WritePacket(ctx, Packet{Data: []byte{0}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
