package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/framepipe/internal/api"
	"github.com/mikeyg42/framepipe/internal/config"
	"github.com/mikeyg42/framepipe/internal/crypto"
	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/encoder"
	"github.com/mikeyg42/framepipe/internal/framequeue"
	"github.com/mikeyg42/framepipe/internal/hwenc/loopback"
	"github.com/mikeyg42/framepipe/internal/pixconv"
	"github.com/mikeyg42/framepipe/internal/quality"
	"github.com/mikeyg42/framepipe/internal/sink"
	"github.com/mikeyg42/framepipe/internal/storage"
	"github.com/mikeyg42/framepipe/internal/transcode"
)

// Application holds all components
type Application struct {
	config    *config.Config
	log       enclog.Logger
	sessionID string

	store    storage.ObjectStore
	journal  storage.Journal
	out      sink.Sink
	session  *encoder.Session
	pipeline *transcode.Pipeline
	profiles *quality.Manager
	server   *api.Server
	checks   map[string]api.HealthCheck
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	frames := flag.Int("frames", -1, "Number of frames to decode (0 runs until interrupted)")
	output := flag.String("out", "", "Output file for the file sink")
	sinkType := flag.String("sink", "", "Sink type: file, rtp, object, multi, discard")
	layout := flag.String("layout", "", "Source layout: i420, yv12, yuyv, uyvy, vuya")
	profile := flag.String("profile", "", "Encode profile, e.g. 720p@30")
	seal := flag.String("seal", "", "Print the value sealed with $"+config.MasterKeyEnv+" and exit")
	genKey := flag.Bool("gen-key", false, "Print a new master key and exit")
	flag.Parse()

	if *genKey {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}
	if *seal != "" {
		sealed, err := crypto.Seal(*seal, os.Getenv(config.MasterKeyEnv))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to seal value: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(sealed)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *frames >= 0 {
		cfg.Decode.Frames = *frames
	}
	if *output != "" {
		cfg.Sink.FilePath = *output
	}
	if *sinkType != "" {
		cfg.Sink.Type = *sinkType
	}
	if *layout != "" {
		cfg.Decode.Layout = *layout
	}
	if *profile != "" {
		cfg.Encoder.Profile = *profile
	}
	if name := cfg.Encoder.Profile; name != "" {
		p, ok := quality.ByName(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown encode profile %q\n", name)
			os.Exit(1)
		}
		p.Apply(&cfg.Encoder)
	}
	if err := cfg.OpenSecrets(os.Getenv(config.MasterKeyEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open secrets: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, sync, err := enclog.New(enclog.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApplication(cfg, log)
	if err := app.Initialize(ctx); err != nil {
		log.Error("Failed to initialize application", enclog.Error(err))
		app.Cleanup()
		os.Exit(1)
	}
	runErr := app.Run(ctx)
	app.Cleanup()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Pipeline failed", enclog.Error(runErr))
		sync()
		os.Exit(1)
	}
}

func NewApplication(cfg *config.Config, log enclog.Logger) *Application {
	return &Application{
		config:    cfg,
		log:       log,
		sessionID: uuid.NewString(),
		checks:    make(map[string]api.HealthCheck),
	}
}

// Initialize connects storage, builds the sink and opens the encode session.
func (app *Application) Initialize(ctx context.Context) error {
	cfg := app.config

	if m := cfg.Storage.MinIO; m.Enabled {
		store, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Region:          m.Region,
			MaxUploads:      m.MaxUploads,
			RequestTimeout:  m.RequestTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		app.store = store
		app.checks["minio"] = store.HealthCheck
	}

	if p := cfg.Storage.Postgres; p.Enabled {
		journal, err := storage.NewPostgresJournal(ctx, storage.PostgresConfig{
			DSN:             cfg.DatabaseDSN(),
			MaxConnections:  p.MaxConnections,
			MaxIdleConns:    p.MaxIdleConns,
			ConnMaxLifetime: p.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		app.journal = journal
		app.checks["postgres"] = journal.HealthCheck
	} else {
		app.journal = storage.NewMemoryJournal()
	}

	out, err := app.buildSink()
	if err != nil {
		return err
	}
	app.out = out

	app.session = encoder.NewSession(
		loopback.New(),
		pixconv.NewRepacker(),
		app.out,
		encoder.WithID(app.sessionID),
	)
	encCfg := encoder.FromConfig(cfg.Encoder)
	if err := app.session.Initialize(ctx, encCfg); err != nil {
		return fmt.Errorf("failed to initialize encode session: %w", err)
	}

	queue, err := framequeue.New(cfg.Queue.SlotCount, cfg.Queue.Capacity)
	if err != nil {
		return fmt.Errorf("failed to create frame queue: %w", err)
	}
	srcLayout, err := pixconv.ParseLayout(cfg.Decode.Layout)
	if err != nil {
		return err
	}
	app.pipeline, err = transcode.New(transcode.Config{
		Frames:       cfg.Decode.Frames,
		FrameRate:    cfg.Decode.FrameRate,
		Layout:       srcLayout,
		Width:        cfg.Encoder.Width,
		Height:       cfg.Encoder.Height,
		Interlaced:   cfg.Decode.Interlaced,
		SlotWaitStep: cfg.Decode.SlotWaitStep,
	}, queue, app.session)
	if err != nil {
		return err
	}

	if err := app.journal.BeginSession(ctx, &storage.SessionRecord{
		ID:         app.sessionID,
		Mode:       app.session.Stats().Mode,
		Width:      encCfg.Width,
		Height:     encCfg.Height,
		GOPLength:  encCfg.GOPLength,
		NumBFrames: encCfg.NumBFrames,
		Bitrate:    encCfg.Bitrate,
		Sink:       cfg.Sink.Type,
		Tags:       []string{cfg.Service.Name, strings.ToLower(cfg.Decode.Layout)},
	}); err != nil {
		return fmt.Errorf("failed to record encode session: %w", err)
	}

	e := cfg.Encoder
	initial, ok := quality.ByName(e.Profile)
	if !ok {
		initial = quality.Custom(e.Width, e.Height, e.FrameRateNum/e.FrameRateDen)
	}
	app.profiles, err = quality.NewManager(
		quality.Resolution{Width: e.Width, Height: e.Height},
		initial,
		func(rc encoder.ReconfigureConfig) error {
			// profiles only change size, rate and bitrate
			rc.FieldEncoding = encCfg.FieldEncoding
			return app.pipeline.RequestReconfigure(rc)
		},
	)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		app.server = api.NewServer(cfg.API, app.pipeline, app.checks, api.WithProfiles(app.profiles))
	}

	app.log.Info("Application initialized",
		enclog.String("session_id", app.sessionID),
		enclog.String("sink", cfg.Sink.Type),
		enclog.String("layout", cfg.Decode.Layout),
		enclog.Int("frames", cfg.Decode.Frames))
	return nil
}

func (app *Application) buildSink() (sink.Sink, error) {
	cfg := app.config
	fileSink := func() (sink.Sink, error) {
		return sink.NewFileSink(cfg.Sink.FilePath)
	}
	rtpSink := func() (sink.Sink, error) {
		return sink.NewRTPSink(sink.RTPConfig{
			Addr:         cfg.Sink.RTPAddr,
			PayloadType:  cfg.Sink.RTPPayloadType,
			MTU:          cfg.Sink.RTPMTU,
			FrameRateNum: cfg.Encoder.FrameRateNum,
			FrameRateDen: cfg.Encoder.FrameRateDen,
		})
	}
	objectSink := func() (sink.Sink, error) {
		return sink.NewObjectSink(app.store, app.journal, sink.ObjectConfig{
			SessionID:    app.sessionID,
			Prefix:       cfg.Sink.ObjectPrefix,
			SegmentBytes: cfg.Sink.SegmentBytes,
			MaxUploads:   cfg.Storage.MinIO.MaxUploads,
		})
	}

	switch cfg.Sink.Type {
	case "file":
		return fileSink()
	case "rtp":
		return rtpSink()
	case "object":
		return objectSink()
	case "discard":
		return sink.Discard{}, nil
	case "multi":
		var sinks []sink.Sink
		builders := []func() (sink.Sink, error){fileSink}
		if cfg.Sink.RTPAddr != "" {
			builders = append(builders, rtpSink)
		}
		if app.store != nil {
			builders = append(builders, objectSink)
		}
		for _, build := range builders {
			s, err := build()
			if err != nil {
				for _, made := range sinks {
					made.Close()
				}
				return nil, err
			}
			sinks = append(sinks, s)
		}
		return sink.NewMulti(sinks...), nil
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
}

// Run drives the pipeline and the API until the pipeline finishes or ctx
// ends.
func (app *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer stopAPI()

	if app.server != nil {
		g.Go(func() error {
			return app.server.Run(apiCtx)
		})
	}
	g.Go(func() error {
		defer stopAPI()
		return app.pipeline.Run(gctx)
	})
	err := g.Wait()

	st := app.session.Stats()
	endCtx, cancel := context.WithTimeout(context.Background(), app.config.Service.ShutdownTimeout)
	defer cancel()
	if jerr := app.journal.EndSession(endCtx, app.sessionID, storage.SessionSummary{
		Submitted: st.Submitted,
		Retired:   st.Retired,
		Keyframes: st.Keyframes,
		BytesOut:  st.BytesOut,
		Err:       err,
	}); jerr != nil {
		app.log.Warn("Failed to close session record", enclog.Error(jerr))
	}

	app.log.Info("Pipeline stopped",
		enclog.Uint64("submitted", st.Submitted),
		enclog.Uint64("retired", st.Retired),
		enclog.Uint64("bytes_out", st.BytesOut),
		enclog.Uint64("sink_errors", st.SinkErrors))
	return err
}

// Cleanup releases everything Initialize created, in reverse order.
func (app *Application) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Service.ShutdownTimeout)
	defer cancel()

	if app.session != nil {
		if err := app.session.Destroy(ctx); err != nil {
			app.log.Warn("Encode session teardown", enclog.Error(err))
		}
	}
	if app.out != nil {
		if err := app.out.Close(); err != nil {
			app.log.Warn("Sink close", enclog.Error(err))
		}
	}
	if app.journal != nil {
		app.journal.Close()
	}
}
