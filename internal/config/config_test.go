package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikeyg42/framepipe/internal/crypto"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framepipe.yaml")
	body := `
queue:
  slot_count: 8
  capacity: 2
encoder:
  async: true
  gop_length: 12
  retire_timeout: 5s
sink:
  type: rtp
  rtp_addr: 127.0.0.1:5004
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.SlotCount != 8 || cfg.Queue.Capacity != 2 {
		t.Fatalf("queue: %+v", cfg.Queue)
	}
	if !cfg.Encoder.Async || cfg.Encoder.GOPLength != 12 {
		t.Fatalf("encoder: %+v", cfg.Encoder)
	}
	if cfg.Encoder.RetireTimeout != 5*time.Second {
		t.Fatalf("retire_timeout: got %v", cfg.Encoder.RetireTimeout)
	}
	// untouched keys keep their defaults
	if cfg.Encoder.Width != 640 || cfg.Log.Level != "info" {
		t.Fatalf("defaults lost: width=%d level=%q", cfg.Encoder.Width, cfg.Log.Level)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Capacity != 4 {
		t.Fatalf("capacity: got %d", cfg.Queue.Capacity)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero slots", func(c *Config) { c.Queue.SlotCount = 0 }},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"bad dims", func(c *Config) { c.Encoder.Width = 0 }},
		{"max below current", func(c *Config) { c.Encoder.MaxWidth = 320 }},
		{"zero gop", func(c *Config) { c.Encoder.GOPLength = 0 }},
		{"bad chroma", func(c *Config) { c.Encoder.ChromaFormat = "yuv422" }},
		{"bad layout", func(c *Config) { c.Decode.Layout = "rgb24" }},
		{"unknown sink", func(c *Config) { c.Sink.Type = "tape" }},
		{"object sink without minio", func(c *Config) { c.Sink.Type = "object" }},
		{"minio without bucket", func(c *Config) {
			c.Storage.MinIO.Enabled = true
			c.Storage.MinIO.Bucket = ""
		}},
		{"postgres without host", func(c *Config) {
			c.Storage.Postgres.Enabled = true
			c.Storage.Postgres.Host = ""
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Postgres.Password = "pw"
	want := "postgres://framepipe:pw@localhost:5432/framepipe?sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOpenSecrets(t *testing.T) {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := crypto.Seal("minio-secret", key)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.Storage.MinIO.SecretAccessKey = sealed
	cfg.Storage.Postgres.Password = "plain"
	if err := cfg.OpenSecrets(key); err != nil {
		t.Fatalf("OpenSecrets: %v", err)
	}
	if cfg.Storage.MinIO.SecretAccessKey != "minio-secret" {
		t.Fatalf("minio secret: %q", cfg.Storage.MinIO.SecretAccessKey)
	}
	if cfg.Storage.Postgres.Password != "plain" {
		t.Fatalf("postgres password: %q", cfg.Storage.Postgres.Password)
	}

	cfg.Storage.Postgres.Password = sealed
	if err := cfg.OpenSecrets(""); err == nil {
		t.Fatal("sealed value without a key should fail")
	}
}
