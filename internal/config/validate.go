package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	// Check queue settings
	if c.Queue.SlotCount <= 0 {
		return fmt.Errorf("queue.slot_count must be positive, got %d", c.Queue.SlotCount)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}

	// Check encoder settings
	e := c.Encoder
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("invalid encoder dimensions: %dx%d", e.Width, e.Height)
	}
	if e.MaxWidth != 0 && e.MaxWidth < e.Width || e.MaxHeight != 0 && e.MaxHeight < e.Height {
		return fmt.Errorf("encoder max dimensions %dx%d smaller than %dx%d", e.MaxWidth, e.MaxHeight, e.Width, e.Height)
	}
	if e.FrameRateNum <= 0 || e.FrameRateDen <= 0 {
		return fmt.Errorf("invalid frame rate: %d/%d", e.FrameRateNum, e.FrameRateDen)
	}
	if e.GOPLength <= 0 {
		return fmt.Errorf("encoder.gop_length must be positive")
	}
	if e.NumBFrames < 0 {
		return fmt.Errorf("encoder.num_b_frames must not be negative")
	}
	switch e.ChromaFormat {
	case "yuv420", "yuv444":
	default:
		return fmt.Errorf("unsupported encoder.chroma_format %q", e.ChromaFormat)
	}
	switch e.FieldMode {
	case "", "frame", "field":
	default:
		return fmt.Errorf("unsupported encoder.field_mode %q", e.FieldMode)
	}

	// Check decode settings
	switch strings.ToLower(c.Decode.Layout) {
	case "i420", "yv12", "yuyv", "uyvy", "vuya":
	default:
		return fmt.Errorf("unsupported decode.layout %q", c.Decode.Layout)
	}
	if c.Decode.FrameRate < 0 {
		return fmt.Errorf("decode.frame_rate must not be negative")
	}

	// Check sink settings
	switch c.Sink.Type {
	case "file":
		if c.Sink.FilePath == "" {
			return fmt.Errorf("sink.file_path is required for the file sink")
		}
	case "rtp":
		if c.Sink.RTPAddr == "" {
			return fmt.Errorf("sink.rtp_addr is required for the rtp sink")
		}
	case "object":
		if !c.Storage.MinIO.Enabled {
			return fmt.Errorf("sink type object requires storage.minio.enabled")
		}
	case "multi", "discard":
	default:
		return fmt.Errorf("unknown sink.type %q", c.Sink.Type)
	}

	// Check MinIO settings if enabled
	if c.Storage.MinIO.Enabled {
		if c.Storage.MinIO.Endpoint == "" {
			return fmt.Errorf("storage.minio.endpoint is required when using MinIO")
		}
		if c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.bucket is required when using MinIO")
		}
	}

	// Check PostgreSQL settings
	if c.Storage.Postgres.Enabled {
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required for the session journal")
		}
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required for the session journal")
		}
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the API is enabled")
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	p := c.Storage.Postgres
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.Username, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}
