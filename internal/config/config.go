package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mikeyg42/framepipe/internal/crypto"
)

// MasterKeyEnv names the environment variable holding the key for sealed
// secrets.
const MasterKeyEnv = "FRAMEPIPE_MASTER_KEY"

// Config holds all application configuration
type Config struct {
	Service ServiceConfig `yaml:"service" json:"service"`
	Queue   QueueConfig   `yaml:"queue" json:"queue"`
	Decode  DecodeConfig  `yaml:"decode" json:"decode"`
	Encoder EncoderConfig `yaml:"encoder" json:"encoder"`
	Sink    SinkConfig    `yaml:"sink" json:"sink"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	API     APIConfig     `yaml:"api" json:"api"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// QueueConfig sizes the frame display queue.
type QueueConfig struct {
	SlotCount int `yaml:"slot_count" json:"slot_count"`
	Capacity  int `yaml:"capacity" json:"capacity"`
}

// DecodeConfig drives the synthetic decode stage.
type DecodeConfig struct {
	Frames       int           `yaml:"frames" json:"frames"`
	FrameRate    int           `yaml:"frame_rate" json:"frame_rate"`
	Layout       string        `yaml:"layout" json:"layout"`
	Interlaced   bool          `yaml:"interlaced" json:"interlaced"`
	SlotWaitStep time.Duration `yaml:"slot_wait_step" json:"slot_wait_step"`
}

type EncoderConfig struct {
	// Profile names a quality ladder rung; when set it overrides geometry,
	// frame rate and bitrate.
	Profile         string        `yaml:"profile" json:"profile"`
	Width           int           `yaml:"width" json:"width"`
	Height          int           `yaml:"height" json:"height"`
	MaxWidth        int           `yaml:"max_width" json:"max_width"`
	MaxHeight       int           `yaml:"max_height" json:"max_height"`
	FrameRateNum    int           `yaml:"frame_rate_num" json:"frame_rate_num"`
	FrameRateDen    int           `yaml:"frame_rate_den" json:"frame_rate_den"`
	Bitrate         int           `yaml:"bitrate" json:"bitrate"`
	VBVBufferSize   int           `yaml:"vbv_buffer_size" json:"vbv_buffer_size"`
	GOPLength       int           `yaml:"gop_length" json:"gop_length"`
	NumBFrames      int           `yaml:"num_b_frames" json:"num_b_frames"`
	ChromaFormat    string        `yaml:"chroma_format" json:"chroma_format"` // yuv420, yuv444
	FieldMode       string        `yaml:"field_mode" json:"field_mode"`       // frame, field
	Async           bool          `yaml:"async" json:"async"`
	DisablePTD      bool          `yaml:"disable_ptd" json:"disable_ptd"`
	OutOfBandSPSPPS bool          `yaml:"out_of_band_sps_pps" json:"out_of_band_sps_pps"`
	SEIUserData     string        `yaml:"sei_user_data" json:"sei_user_data"`
	RetireTimeout   time.Duration `yaml:"retire_timeout" json:"retire_timeout"`
}

type SinkConfig struct {
	Type string `yaml:"type" json:"type"` // file, rtp, object, multi

	FilePath string `yaml:"file_path" json:"file_path"`

	RTPAddr        string `yaml:"rtp_addr" json:"rtp_addr"`
	RTPPayloadType uint8  `yaml:"rtp_payload_type" json:"rtp_payload_type"`
	RTPMTU         uint16 `yaml:"rtp_mtu" json:"rtp_mtu"`

	SegmentBytes int    `yaml:"segment_bytes" json:"segment_bytes"`
	ObjectPrefix string `yaml:"object_prefix" json:"object_prefix"`
}

// StorageConfig configures storage backends
type StorageConfig struct {
	MinIO    MinIOConfig    `yaml:"minio" json:"minio"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

type MinIOConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	StatsInterval  time.Duration `yaml:"stats_interval" json:"stats_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

type LogConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Format      string   `yaml:"format" json:"format"`
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
	Development bool     `yaml:"development" json:"development"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "framepipe",
			ShutdownTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			SlotCount: 20,
			Capacity:  4,
		},
		Decode: DecodeConfig{
			Frames:       300,
			FrameRate:    30,
			Layout:       "i420",
			SlotWaitStep: 10 * time.Millisecond,
		},
		Encoder: EncoderConfig{
			Width:           640,
			Height:          480,
			FrameRateNum:    30,
			FrameRateDen:    1,
			Bitrate:         2_000_000,
			GOPLength:       30,
			NumBFrames:      0,
			ChromaFormat:    "yuv420",
			FieldMode:       "frame",
			OutOfBandSPSPPS: true,
			RetireTimeout:   20 * time.Second,
		},
		Sink: SinkConfig{
			Type:           "file",
			FilePath:       "out.h264",
			RTPPayloadType: 96,
			RTPMTU:         1200,
			SegmentBytes:   4 << 20,
			ObjectPrefix:   "segments/",
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "framepipe",
				Region:         "us-east-1",
				MaxUploads:     4,
				RequestTimeout: 30 * time.Second,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "framepipe",
				Username:        "framepipe",
				SSLMode:         "disable",
				MaxConnections:  10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddr:    "localhost:8088",
			StatsInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenSecrets replaces sealed credentials with their plaintext.
func (c *Config) OpenSecrets(masterKey string) error {
	secrets := []struct {
		name string
		val  *string
	}{
		{"storage.minio.secret_access_key", &c.Storage.MinIO.SecretAccessKey},
		{"storage.postgres.password", &c.Storage.Postgres.Password},
	}
	for _, s := range secrets {
		plain, err := crypto.Open(*s.val, masterKey)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.val = plain
	}
	return nil
}
