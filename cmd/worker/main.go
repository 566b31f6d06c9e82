package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/abrstream/internal/app"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/queue"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/tracing"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

const depthInterval = 15 * time.Second

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.WithField("service", "worker")

	if !cfg.Queue.Enabled {
		logger.Fatal("The worker consumes prewarm requests and needs queue.enabled")
	}

	closer, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName+"-worker", cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer closer.Close()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize packaging pipeline: %v", err)
	}
	defer a.Close()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Infof("Starting metrics server on %s", metricsServer.Addr())
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	go reportDepth(ctx, a.Queue, logger)

	// "replay-dlq" requeues dead-lettered requests instead of packaging
	if len(os.Args) > 1 && os.Args[1] == "replay-dlq" {
		if err := a.Queue.ConsumeDLQ(ctx, newReplayHandler(ctx, a.Queue, logger)); err != nil {
			logger.Fatalf("Failed to consume dead letter queue: %v", err)
		}
		logger.Info("Replaying dead-lettered prewarm requests, interrupt to stop")
	} else {
		handler := newRequestHandler(a.Coordinator, logger)
		if err := a.Queue.ConsumePackageRequests(ctx, cfg.Queue.Prefetch, handler); err != nil {
			logger.Fatalf("Failed to consume package requests: %v", err)
		}
		logger.Infof("Worker started with %d consumers, waiting for prewarm requests...", cfg.Queue.Prefetch)
	}

	// Wait for shutdown
	<-ctx.Done()

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithErr("Metrics server forced to shutdown", err)
		}
	}

	logger.Info("Worker stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

type packager interface {
	EnsurePackaged(ctx context.Context, id models.VideoID) (*models.Manifest, error)
}

// newRequestHandler packages the requested video. An error sends the
// request to the dead letter queue.
func newRequestHandler(p packager, logger *logging.Logger) queue.RequestHandler {
	return func(ctx context.Context, req *models.PackageRequest) error {
		reqLogger := logger.WithRequestID(req.RequestID).WithVideoID(req.VideoID.String())
		reqLogger.WithField("queued_for", time.Since(req.RequestedAt).String()).Info("Processing prewarm request")

		start := time.Now()
		manifest, err := p.EnsurePackaged(ctx, req.VideoID)
		if err != nil {
			reqLogger.ErrorWithErr("Prewarm request failed", err)
			return err
		}

		reqLogger.WithFields(map[string]interface{}{
			"manifest":    manifest.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Prewarm request completed")
		return nil
	}
}

type requestPublisher interface {
	PublishPackageRequest(ctx context.Context, req *models.PackageRequest) error
}

// newReplayHandler republishes a dead-lettered request as a fresh one
func newReplayHandler(ctx context.Context, q requestPublisher, logger *logging.Logger) func(*models.PackageRequest, string) error {
	return func(req *models.PackageRequest, reason string) error {
		logger.WithRequestID(req.RequestID).
			WithVideoID(req.VideoID.String()).
			WithField("reason", reason).
			Info("Replaying dead-lettered prewarm request")

		replay := *req
		replay.RequestedAt = time.Now()
		return q.PublishPackageRequest(ctx, &replay)
	}
}

type depthSource interface {
	GetQueueDepth() (int, error)
	GetDLQDepth() (int, error)
}

// reportDepth publishes queue backlogs until ctx is done
func reportDepth(ctx context.Context, q depthSource, logger *logging.Logger) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		recordDepth(q, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func recordDepth(q depthSource, logger *logging.Logger) {
	if depth, err := q.GetQueueDepth(); err != nil {
		logger.WarnWithErr("Failed to inspect prewarm queue", err)
	} else {
		metrics.UpdateQueueDepth(queue.PackageQueueName, depth)
	}

	if depth, err := q.GetDLQDepth(); err != nil {
		logger.WarnWithErr("Failed to inspect dead letter queue", err)
	} else {
		metrics.UpdateQueueDepth(queue.DeadLetterQueueName, depth)
	}
}
