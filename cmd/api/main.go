package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/app"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/tracing"
)

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
	logger = logger.WithField("service", "api")

	closer, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName+"-api", cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer closer.Close()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize packaging pipeline: %v", err)
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	api := newAPI(a)
	router := setupRouter(api, cfg.RateLimit)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

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

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.ErrorWithErr("Metrics server forced to shutdown", err)
		}
	}

	logger.Info("Server stopped")
}

// loadConfig reads the config file when present and falls back to defaults
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newAPI(a *app.App) *API {
	api := &API{
		coordinator: a.Coordinator,
		catalog:     a.Catalog,
		store:       a.Store,
		thumbnails:  a.Thumbnails,
		logger:      a.Logger,
	}

	// Optional backends are only assigned when present so nil checks hold
	if a.Cache != nil {
		api.statuses = a.Cache
		api.checks = append(api.checks, healthCheck{name: "redis", check: a.Cache.Ping})
	}
	if a.Repo != nil {
		api.history = a.Repo
		api.checks = append(api.checks, healthCheck{name: "database", check: a.DB.Health})
	}
	if a.Queue != nil {
		api.requests = a.Queue
	}

	return api
}
