package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/tracereplay/internal/archive"
	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/cache/rediscache"
	"github.com/roach88/tracereplay/internal/config"
	"github.com/roach88/tracereplay/internal/pii"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/replay"
	"github.com/roach88/tracereplay/internal/steps"
	"github.com/roach88/tracereplay/internal/store"
	"github.com/roach88/tracereplay/internal/store/postgres"
	"github.com/roach88/tracereplay/internal/telemetry"
)

// app holds the services one command invocation works with. Everything is
// constructed once in openApp and released by Close.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	cache    *cache.Cache
	recorder *recording.Service
	registry *steps.Registry
	pipeline *steps.Pipeline
	engine   *replay.Engine

	closers []func() error
	tracer  telemetry.Shutdown
}

// openApp loads configuration and builds the service graph. Diagnostics go
// to diag so that JSON written to stdout stays parseable.
func openApp(ctx context.Context, opts *RootOptions, diag io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.SQLite.Path = opts.Database
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(diag, level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	a.tracer, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled, diag, logger)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	arch, err := a.openArchive(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.recorder = recording.New(a.store,
		recording.WithLogger(logger),
		recording.WithEnabled(cfg.Recording.Enabled),
		recording.WithCaptureConfig(cfg.CaptureConfig()),
		recording.WithScrubber(pii.New()),
		recording.WithArchive(arch),
	)
	a.registry = steps.NewRegistry(a.cache, steps.LogSender{Logger: logger})
	a.pipeline = a.newPipeline(false)
	a.engine = replay.New(a.store, a.registry,
		replay.WithLogger(logger),
		replay.WithMinRate(cfg.Replay.MinRate),
	)
	return a, nil
}

// newPipeline builds the reference pipeline over the app's recorder.
func (a *app) newPipeline(simulateSends bool) *steps.Pipeline {
	return steps.NewPipeline(a.recorder, a.registry,
		steps.WithPipelineLogger(a.logger),
		steps.WithSimulatedSends(simulateSends),
	)
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, a.cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.store = st
	default:
		st, err := store.Open(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		a.store = st
	}
	a.closers = append(a.closers, a.store.Close)
	a.logger.Debug("store opened", "driver", a.cfg.Storage.Driver)
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	opts := []cache.Option{
		cache.WithLogger(a.logger),
		cache.WithMaxSize(a.cfg.Cache.MaxSize),
		cache.WithTTL(a.cfg.Cache.TTL),
	}
	if a.cfg.Cache.Backend == "redis" {
		rc := a.cfg.Cache.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis %s: %w", rc.Addr, err)
		}
		backend := rediscache.NewWithClient(client, rc.Prefix)
		a.closers = append(a.closers, backend.Close)
		opts = append(opts, cache.WithBackend(backend))
	}
	a.cache = cache.New(opts...)
	return nil
}

func (a *app) openArchive(ctx context.Context) (archive.Store, error) {
	s3cfg := a.cfg.Archive.S3
	if s3cfg.Bucket == "" {
		return archive.NoopStore{}, nil
	}
	st, err := archive.NewS3Store(ctx, archive.S3Config{
		Region:    s3cfg.Region,
		Endpoint:  s3cfg.Endpoint,
		AccessKey: s3cfg.AccessKey,
		SecretKey: s3cfg.SecretKey,
		Bucket:    s3cfg.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %s: %w", s3cfg.Bucket, err)
	}
	a.closers = append(a.closers, st.Close)
	return st, nil
}

// Close flushes spans and releases every opened resource, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer(context.Background()))
	}
	return errors.Join(errs...)
}
