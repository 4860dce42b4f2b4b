package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // registers the postgres driver
	"go.uber.org/zap"
)

// Session status values
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionRecord is one encode session.
type SessionRecord struct {
	ID         string         `db:"id" json:"id"`
	Status     string         `db:"status" json:"status"`
	Mode       string         `db:"mode" json:"mode"`
	Width      int            `db:"width" json:"width"`
	Height     int            `db:"height" json:"height"`
	GOPLength  int            `db:"gop_length" json:"gop_length"`
	NumBFrames int            `db:"num_b_frames" json:"num_b_frames"`
	Bitrate    int            `db:"bitrate" json:"bitrate"`
	Sink       string         `db:"sink" json:"sink"`
	Tags       pq.StringArray `db:"tags" json:"tags"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	EndedAt    sql.NullTime   `db:"ended_at" json:"-"`
	Submitted  int64          `db:"submitted" json:"submitted"`
	Retired    int64          `db:"retired" json:"retired"`
	Keyframes  int64          `db:"keyframes" json:"keyframes"`
	BytesOut   int64          `db:"bytes_out" json:"bytes_out"`
	LastError  sql.NullString `db:"last_error" json:"-"`
}

// SessionSummary closes a session record.
type SessionSummary struct {
	Status    string
	Submitted uint64
	Retired   uint64
	Keyframes uint64
	BytesOut  uint64
	Err       error
}

// SegmentRecord is one uploaded bitstream segment.
type SegmentRecord struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Index      int       `db:"segment_index" json:"index"`
	StorageKey string    `db:"storage_key" json:"storage_key"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	RawBytes   int64     `db:"raw_bytes" json:"raw_bytes"`
	FirstFrame int64     `db:"first_frame" json:"first_frame"`
	LastFrame  int64     `db:"last_frame" json:"last_frame"`
	Keyframes  int       `db:"keyframes" json:"keyframes"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Journal records encode sessions and their segments.
type Journal interface {
	BeginSession(ctx context.Context, rec *SessionRecord) error
	AddSegment(ctx context.Context, seg *SegmentRecord) error
	EndSession(ctx context.Context, id string, sum SessionSummary) error
	Close() error
}

var ErrSessionNotFound = errors.New("storage: encode session not found")

// PostgresJournal implements Journal using PostgreSQL
type PostgresJournal struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresJournal connects, configures the pool and creates the schema
func NewPostgresJournal(ctx context.Context, config PostgresConfig) (*PostgresJournal, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := NewPostgresJournalDB(db)
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// NewPostgresJournalDB wraps an open database without touching the schema.
func NewPostgresJournalDB(db *sqlx.DB) *PostgresJournal {
	return &PostgresJournal{db: db, logger: zap.L().Named("postgres-journal")}
}

func (j *PostgresJournal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS encode_sessions (
		id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(20) NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
		mode VARCHAR(20) NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		gop_length INTEGER NOT NULL,
		num_b_frames INTEGER NOT NULL DEFAULT 0,
		bitrate INTEGER,
		sink VARCHAR(20) NOT NULL,
		tags TEXT[] DEFAULT '{}',

		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,

		submitted BIGINT DEFAULT 0,
		retired BIGINT DEFAULT 0,
		keyframes BIGINT DEFAULT 0,
		bytes_out BIGINT DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS encode_segments (
		id VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) REFERENCES encode_sessions(id) ON DELETE CASCADE,
		segment_index INTEGER NOT NULL,
		storage_key VARCHAR(500) NOT NULL,
		size_bytes BIGINT NOT NULL,
		raw_bytes BIGINT NOT NULL,
		first_frame BIGINT NOT NULL,
		last_frame BIGINT NOT NULL,
		keyframes INTEGER DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT NOW(),

		UNIQUE(session_id, segment_index)
	);

	CREATE INDEX IF NOT EXISTS idx_encode_sessions_started_at ON encode_sessions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_encode_segments_session_id ON encode_segments(session_id);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// BeginSession inserts a running session record
func (j *PostgresJournal) BeginSession(ctx context.Context, rec *SessionRecord) error {
	if rec.Status == "" {
		rec.Status = SessionRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Tags == nil {
		rec.Tags = pq.StringArray{}
	}
	query := `
		INSERT INTO encode_sessions (
			id, status, mode, width, height, gop_length, num_b_frames, bitrate, sink, tags, started_at
		) VALUES (
			:id, :status, :mode, :width, :height, :gop_length, :num_b_frames, :bitrate, :sink, :tags, :started_at
		)
	`
	if _, err := j.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save encode session: %w", err)
	}
	j.logger.Info("Encode session recorded",
		zap.String("id", rec.ID),
		zap.String("mode", rec.Mode))
	return nil
}

// AddSegment records an uploaded segment
func (j *PostgresJournal) AddSegment(ctx context.Context, seg *SegmentRecord) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO encode_segments (
			id, session_id, segment_index, storage_key, size_bytes, raw_bytes,
			first_frame, last_frame, keyframes, created_at
		) VALUES (
			:id, :session_id, :segment_index, :storage_key, :size_bytes, :raw_bytes,
			:first_frame, :last_frame, :keyframes, :created_at
		)
		ON CONFLICT (session_id, segment_index) DO NOTHING
	`
	if _, err := j.db.NamedExecContext(ctx, query, seg); err != nil {
		return fmt.Errorf("failed to save segment: %w", err)
	}
	return nil
}

// EndSession stores the final counters
func (j *PostgresJournal) EndSession(ctx context.Context, id string, sum SessionSummary) error {
	if sum.Status == "" {
		sum.Status = SessionCompleted
		if sum.Err != nil {
			sum.Status = SessionFailed
		}
	}
	var lastErr sql.NullString
	if sum.Err != nil {
		lastErr = sql.NullString{String: sum.Err.Error(), Valid: true}
	}
	result, err := j.db.ExecContext(ctx, `
		UPDATE encode_sessions
		SET status = $1, ended_at = NOW(), submitted = $2, retired = $3,
			keyframes = $4, bytes_out = $5, last_error = $6
		WHERE id = $7`,
		sum.Status, int64(sum.Submitted), int64(sum.Retired),
		int64(sum.Keyframes), int64(sum.BytesOut), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to update encode session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// GetSession retrieves a session by id
func (j *PostgresJournal) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := j.db.GetContext(ctx, &rec, `SELECT * FROM encode_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encode session: %w", err)
	}
	return &rec, nil
}

// Segments lists a session's segments in order
func (j *PostgresJournal) Segments(ctx context.Context, sessionID string) ([]*SegmentRecord, error) {
	var segs []*SegmentRecord
	err := j.db.SelectContext(ctx, &segs,
		`SELECT * FROM encode_segments WHERE session_id = $1 ORDER BY segment_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	return segs, nil
}

// HealthCheck pings the database
func (j *PostgresJournal) HealthCheck(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *PostgresJournal) Close() error {
	return j.db.Close()
}
