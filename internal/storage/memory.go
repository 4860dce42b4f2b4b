package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore is an in-process ObjectStore. It backs the object sink when no
// MinIO endpoint is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	options := newPutOptions(opts)
	data, err := io.ReadAll(reader)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	if size >= 0 && int64(len(data)) != size {
		return &StorageError{Op: "put", Key: key, Err: fmt.Errorf("read %d bytes, expected %d", len(data), size)}
	}
	sum := md5.Sum(data)
	meta := make(map[string]string, len(options.Metadata))
	for k, v := range options.Metadata {
		meta[k] = v
	}
	if options.ContentEncoding != "" {
		meta["Content-Encoding"] = options.ContentEncoding
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			LastModified: time.Now(),
			ETag:         hex.EncodeToString(sum[:]),
			ContentType:  options.ContentType,
			Metadata:     meta,
		},
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, &StorageError{Op: "get", Key: key, Err: ErrNotFound, StatusCode: 404}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// List returns objects under prefix sorted by key.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// MemoryJournal is an in-process Journal used when Postgres is disabled.
type MemoryJournal struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
	segments map[string][]*SegmentRecord
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		sessions: make(map[string]*SessionRecord),
		segments: make(map[string][]*SegmentRecord),
	}
}

func (m *MemoryJournal) BeginSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return fmt.Errorf("encode session %s already recorded", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = SessionRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

func (m *MemoryJournal) AddSegment(_ context.Context, seg *SegmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments[seg.SessionID] {
		if s.Index == seg.Index {
			return nil
		}
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	cp := *seg
	m.segments[seg.SessionID] = append(m.segments[seg.SessionID], &cp)
	return nil
}

func (m *MemoryJournal) EndSession(_ context.Context, id string, sum SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	rec.Status = sum.Status
	if rec.Status == "" {
		rec.Status = SessionCompleted
		if sum.Err != nil {
			rec.Status = SessionFailed
		}
	}
	rec.EndedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	rec.Submitted = int64(sum.Submitted)
	rec.Retired = int64(sum.Retired)
	rec.Keyframes = int64(sum.Keyframes)
	rec.BytesOut = int64(sum.BytesOut)
	if sum.Err != nil {
		rec.LastError = sql.NullString{String: sum.Err.Error(), Valid: true}
	}
	return nil
}

// Session returns a copy of the record with id.
func (m *MemoryJournal) Session(id string) (SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Segments returns the session's segments in index order.
func (m *MemoryJournal) Segments(sessionID string) []SegmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SegmentRecord, 0, len(m.segments[sessionID]))
	for _, s := range m.segments[sessionID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (m *MemoryJournal) Close() error { return nil }
