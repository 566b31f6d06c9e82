// Package app assembles the packaging pipeline and its optional backends
// from configuration. Both the API server and the prewarm worker build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/abrstream/internal/cache"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/database"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/packaging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/queue"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/rendition"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/source"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/storage"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/transcoder"
)

// App holds the wired pipeline. Optional backends are nil when disabled.
type App struct {
	Config      *config.Config
	Logger      *logging.Logger
	Catalog     *source.Catalog
	Store       *rendition.Store
	FFmpeg      *transcoder.FFmpeg
	Thumbnails  *transcoder.Thumbnails
	Coordinator *packaging.Coordinator

	Cache   *cache.Cache
	DB      *database.DB
	Repo    *database.Repository
	Queue   *queue.Queue
	Storage *storage.Storage

	closers []func()
}

// New connects the enabled backends and builds the coordinator
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.Config
	var err error

	a.Catalog, err = source.NewCatalog(cfg.Packaging.SourceDir, cfg.Packaging.Extensions, source.Policy(cfg.Packaging.CollisionPolicy))
	if err != nil {
		return err
	}

	a.Store, err = rendition.NewStore(cfg.Packaging.OutputDir)
	if err != nil {
		return err
	}

	a.FFmpeg = transcoder.NewFFmpeg(cfg.Encoder.FFmpegPath, cfg.Encoder.FFprobePath, transcoder.Settings{
		VideoCodec:     cfg.Encoder.VideoCodec,
		AudioCodec:     cfg.Encoder.AudioCodec,
		Preset:         cfg.Encoder.Preset,
		AudioBitrate:   cfg.Encoder.AudioBitrate,
		SegmentSeconds: cfg.Packaging.SegmentSeconds,
	})

	a.Thumbnails, err = transcoder.NewThumbnails(cfg.Packaging.ThumbnailDir, a.FFmpeg)
	if err != nil {
		return err
	}

	opts := packaging.Options{
		MaxConcurrentEncodes: cfg.Packaging.MaxConcurrentEncodes,
		EncodeTimeout:        cfg.Packaging.EncodeTimeout,
		Logger:               a.Logger,
	}

	if cfg.Redis.Enabled {
		a.Cache, err = cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { a.Cache.Close() })

		opts.Locker = cache.NewLock(a.Cache, cfg.Packaging.LockTTL, cfg.Packaging.LockPollInterval)
		opts.Sinks = append(opts.Sinks, cache.NewStatusMirror(a.Cache, cfg.Redis.StatusTTL))
		a.Logger.Info("Redis status mirror and packaging lock enabled")
	}

	if cfg.Database.Enabled {
		a.DB, err = database.New(cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.DB.Close)

		a.Repo = database.NewRepository(a.DB, a.Logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = a.Repo.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return err
		}
		opts.Sinks = append(opts.Sinks, a.Repo)
		a.Logger.Info("Packaging history enabled")
	}

	if cfg.Queue.Enabled {
		a.Queue, err = queue.New(cfg.Queue, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { a.Queue.Close() })

		opts.Notifier = a.Queue
		a.Logger.Info("Packaging events and prewarm queue enabled")
	}

	if cfg.Storage.Enabled {
		a.Storage, err = storage.New(cfg.Storage, a.Logger)
		if err != nil {
			return err
		}
		opts.Publisher = a.Storage
		a.Logger.Info("Object storage mirror enabled")
	}

	a.Coordinator, err = packaging.NewCoordinator(a.Store, a.FFmpeg, a.Catalog, cfg.Profiles, opts)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	return nil
}

// Close waits for background work and releases backends in reverse order
func (a *App) Close() {
	if a.Coordinator != nil {
		a.Coordinator.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
