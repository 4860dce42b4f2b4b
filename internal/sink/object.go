package sink

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/storage"
)

// ObjectConfig configures an ObjectSink.
type ObjectConfig struct {
	SessionID string
	Prefix    string
	// SegmentBytes is the raw size after which a segment is cut at the next
	// keyframe.
	SegmentBytes int
	MaxUploads   int
}

// ObjectSink groups access units into segments that start on a keyframe,
// compresses each with zstd and uploads it. Uploads run in the background;
// Close waits for them.
type ObjectSink struct {
	cfg     ObjectConfig
	store   storage.ObjectStore
	journal storage.Journal
	enc     *zstd.Encoder
	log     enclog.Logger

	mu         sync.Mutex
	buf        bytes.Buffer
	paramSets  []byte
	index      int
	firstFrame uint64
	lastFrame  uint64
	keyframes  int
	closed     bool
	uploads    errgroup.Group

	segments    atomic.Uint64
	uploadErrs  atomic.Uint64
	storedBytes atomic.Uint64
}

// NewObjectSink returns a sink writing to store. journal may be nil.
func NewObjectSink(store storage.ObjectStore, journal storage.Journal, cfg ObjectConfig) (*ObjectSink, error) {
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 4 << 20
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 2
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	s := &ObjectSink{
		cfg:     cfg,
		store:   store,
		journal: journal,
		enc:     enc,
		log:     enclog.L().Named("sink.object").With(enclog.String("session_id", cfg.SessionID)),
	}
	s.uploads.SetLimit(cfg.MaxUploads)
	return s, nil
}

// SegmentKey returns the object key of segment index.
func (s *ObjectSink) SegmentKey(index int) string {
	return fmt.Sprintf("%s%s/%06d.h264.zst", s.cfg.Prefix, s.cfg.SessionID, index)
}

func (s *ObjectSink) WritePacket(ctx context.Context, p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if p.ParameterSets {
		// prefixed to every segment so each decodes on its own
		s.paramSets = append([]byte(nil), p.Data...)
		return nil
	}
	if p.Keyframe() && s.buf.Len() >= s.cfg.SegmentBytes {
		s.cutLocked(ctx)
	}
	if s.buf.Len() == 0 {
		s.buf.Write(s.paramSets)
		s.firstFrame = p.FrameIndex
		s.keyframes = 0
	}
	s.buf.Write(p.Data)
	s.lastFrame = p.FrameIndex
	if p.Keyframe() {
		s.keyframes++
	}
	return nil
}

// cutLocked hands the buffered segment to an upload goroutine. It blocks
// while MaxUploads uploads are running.
func (s *ObjectSink) cutLocked(ctx context.Context) {
	if s.buf.Len() == 0 {
		return
	}
	raw := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	seg := &storage.SegmentRecord{
		ID:         uuid.NewString(),
		SessionID:  s.cfg.SessionID,
		Index:      s.index,
		StorageKey: s.SegmentKey(s.index),
		RawBytes:   int64(len(raw)),
		FirstFrame: int64(s.firstFrame),
		LastFrame:  int64(s.lastFrame),
		Keyframes:  s.keyframes,
	}
	s.index++

	// uploads outlive the caller's write
	ctx = context.WithoutCancel(ctx)
	s.uploads.Go(func() error {
		err := s.upload(ctx, seg, raw)
		if err != nil {
			s.uploadErrs.Add(1)
			s.log.Error("segment upload failed", enclog.Error(err),
				enclog.String("key", seg.StorageKey))
		}
		return err
	})
}

func (s *ObjectSink) upload(ctx context.Context, seg *storage.SegmentRecord, raw []byte) error {
	data := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	seg.SizeBytes = int64(len(data))
	err := s.store.Put(ctx, seg.StorageKey, bytes.NewReader(data), int64(len(data)),
		storage.WithContentType("video/h264"),
		storage.WithContentEncoding("zstd"),
		storage.WithMetadata(map[string]string{
			"session-id":  seg.SessionID,
			"first-frame": strconv.FormatInt(seg.FirstFrame, 10),
			"last-frame":  strconv.FormatInt(seg.LastFrame, 10),
			"raw-bytes":   strconv.FormatInt(seg.RawBytes, 10),
		}))
	if err != nil {
		return err
	}
	s.segments.Add(1)
	s.storedBytes.Add(uint64(len(data)))
	s.log.Debug("segment uploaded",
		enclog.String("key", seg.StorageKey),
		enclog.Int64("raw_bytes", seg.RawBytes),
		enclog.Int64("stored_bytes", seg.SizeBytes))

	if s.journal != nil {
		if err := s.journal.AddSegment(ctx, seg); err != nil {
			return fmt.Errorf("journal segment %d: %w", seg.Index, err)
		}
	}
	return nil
}

// Metrics returns upload counters.
func (s *ObjectSink) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"segments":      s.segments.Load(),
		"upload_errors": s.uploadErrs.Load(),
		"stored_bytes":  s.storedBytes.Load(),
	}
}

// Close uploads the last partial segment and waits for every upload. It
// returns the first upload error.
func (s *ObjectSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cutLocked(context.Background())
	s.mu.Unlock()

	err := s.uploads.Wait()
	s.enc.Close()
	s.log.Info("object sink closed",
		enclog.Uint64("segments", s.segments.Load()),
		enclog.Uint64("upload_errors", s.uploadErrs.Load()))
	return err
}
