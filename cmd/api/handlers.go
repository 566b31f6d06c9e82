package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/database"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/middleware"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/packaging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/rendition"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/source"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

type statusCache interface {
	GetStatus(ctx context.Context, id models.VideoID) (*models.PackagingRecord, error)
}

type historyStore interface {
	GetPackagingRecord(ctx context.Context, id models.VideoID) (*models.PackagingRecord, error)
	ListPackagingRecords(ctx context.Context, status models.PackagingStatus, limit, offset int) ([]*models.PackagingRecord, error)
}

type requestPublisher interface {
	PublishPackageRequest(ctx context.Context, req *models.PackageRequest) error
}

type thumbnailer interface {
	Ensure(ctx context.Context, id models.VideoID, inputPath string) (string, error)
}

// healthCheck is one named dependency check
type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// API serves the catalog, packaging control and HLS files
type API struct {
	coordinator *packaging.Coordinator
	catalog     *source.Catalog
	store       *rendition.Store
	thumbnails  thumbnailer
	statuses    statusCache
	history     historyStore
	requests    requestPublisher
	checks      []healthCheck
	logger      *logging.Logger
}

func setupRouter(api *API, rl config.RateLimitConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing())
	router.Use(middleware.Logger(api.logger))

	// Health check
	router.GET("/health", api.healthCheck)

	// Control endpoints are rate limited per client; segment fetches are not
	limited := router.Group("/")
	if rl.Enabled {
		limited.Use(middleware.RateLimit(middleware.NewRateLimiter(rl.RPS, rl.Burst)))
	}
	{
		limited.GET("/api/videos", api.listVideos)
		limited.GET("/api/videos/:id/status", api.getStatus)
		limited.POST("/api/videos/:id/package", api.packageVideo)
		limited.GET("/api/jobs", api.listJobs)
		limited.GET("/watch/:name", api.watch)
	}

	router.GET("/streams/:id/:file", api.streamFile)
	router.GET("/thumbnails/:id", api.thumbnail)

	return router
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if _, err := os.Stat(api.store.Root()); err != nil {
		checks["renditions"] = err.Error()
		healthy = false
	} else {
		checks["renditions"] = "ok"
	}

	for _, hc := range api.checks {
		if err := hc.check(ctx); err != nil {
			checks[hc.name] = err.Error()
			healthy = false
			continue
		}
		checks[hc.name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": checks})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy", "checks": checks})
}

// List videos endpoint
func (api *API) listVideos(c *gin.Context) {
	sources, err := api.catalog.List()
	if err != nil {
		respondError(c, api.logger, err)
		return
	}

	videos := make([]models.VideoListing, 0, len(sources))
	for _, src := range sources {
		rec := api.status(c.Request.Context(), src.ID)
		videos = append(videos, models.VideoListing{
			Name:         src.Filename,
			ID:           src.ID,
			Status:       rec.Status,
			WatchURL:     "/watch/" + src.ID.String(),
			StreamURL:    streamURL(src.ID),
			ThumbnailURL: "/thumbnails/" + src.ID.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"videos": videos,
		"count":  len(videos),
	})
}

// Packaging status endpoint
func (api *API) getStatus(c *gin.Context) {
	id, ok := api.lookup(c, c.Param("id"))
	if !ok {
		return
	}

	c.JSON(http.StatusOK, api.status(c.Request.Context(), id))
}

// Prewarm endpoint: packages a video ahead of playback
func (api *API) packageVideo(c *gin.Context) {
	id, ok := api.lookup(c, c.Param("id"))
	if !ok {
		return
	}

	if api.store.ManifestExists(id) {
		c.JSON(http.StatusOK, gin.H{"video_id": id, "status": models.PackagingStatusReady})
		return
	}

	if api.requests != nil {
		req := &models.PackageRequest{
			VideoID:     id,
			RequestID:   middleware.GetRequestID(c),
			RequestedAt: time.Now(),
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}

		if err := api.requests.PublishPackageRequest(c.Request.Context(), req); err != nil {
			respondError(c, api.logger, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"video_id": id, "status": "queued", "request_id": req.RequestID})
		return
	}

	if err := api.coordinator.Prewarm(c.Request.Context(), id); err != nil {
		respondError(c, api.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"video_id": id, "status": models.PackagingStatusInProgress})
}

// Packaging history endpoint
func (api *API) listJobs(c *gin.Context) {
	if api.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "packaging history is disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	status := models.PackagingStatus(c.Query("status"))

	jobs, err := api.history.ListPackagingRecords(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, api.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*models.PackagingRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Watch endpoint: packages the video if needed and returns playback info
func (api *API) watch(c *gin.Context) {
	id, ok := api.lookup(c, api.resolveName(c.Param("name")))
	if !ok {
		return
	}

	if _, err := api.coordinator.EnsurePackaged(c.Request.Context(), id); err != nil {
		respondError(c, api.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.PlaybackInfo{
		VideoID:      id,
		StreamURL:    streamURL(id),
		PlaybackType: models.PlaybackTypeHLS,
		MimeType:     models.MimeTypeHLS,
		Renditions:   api.coordinator.Profiles(),
	})
}

// Stream endpoint: serves packaged files, packaging on first request
func (api *API) streamFile(c *gin.Context) {
	id, err := models.ParseVideoID(c.Param("id"))
	if err != nil {
		respondError(c, api.logger, fmt.Errorf("%w: %q", source.ErrInvalidIdentity, c.Param("id")))
		return
	}

	path, err := api.store.FilePath(id, c.Param("file"))
	if err != nil {
		respondError(c, api.logger, err)
		return
	}

	if !fileExists(path) {
		// Only an unpackaged video can still produce the file
		if api.store.ManifestExists(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		if _, err := api.coordinator.EnsurePackaged(c.Request.Context(), id); err != nil {
			respondError(c, api.logger, err)
			return
		}
		if !fileExists(path) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
	}

	c.Header("Content-Type", contentType(path))
	c.Header("Cache-Control", cacheControl(path))
	c.File(path)
}

// Thumbnail endpoint
func (api *API) thumbnail(c *gin.Context) {
	id, ok := api.lookup(c, c.Param("id"))
	if !ok {
		return
	}

	src, err := api.catalog.Lookup(id)
	if err != nil {
		respondError(c, api.logger, err)
		return
	}

	path, err := api.thumbnails.Ensure(c.Request.Context(), id, src.Path)
	if err != nil {
		respondError(c, api.logger, err)
		return
	}

	c.Header("Content-Type", "image/jpeg")
	c.File(path)
}

// lookup validates an identity and checks it resolves to exactly one source
func (api *API) lookup(c *gin.Context, raw string) (models.VideoID, bool) {
	id, err := models.ParseVideoID(raw)
	if err != nil {
		respondError(c, api.logger, fmt.Errorf("%w: %q", source.ErrInvalidIdentity, raw))
		return "", false
	}

	if _, err := api.catalog.Lookup(id); err != nil {
		respondError(c, api.logger, err)
		return "", false
	}

	return id, true
}

// resolveName accepts either an identity or a source file name
func (api *API) resolveName(name string) string {
	if id, err := models.ParseVideoID(name); err == nil && api.catalog.Exists(id) {
		return name
	}
	if id, err := models.VideoIDFromFilename(name); err == nil {
		return id.String()
	}
	return name
}

// status prefers this process's view, then the shared mirror, then history
func (api *API) status(ctx context.Context, id models.VideoID) models.PackagingRecord {
	rec := api.coordinator.Status(id)
	if rec.Status != models.PackagingStatusMissing {
		return rec
	}
	logger := api.logger.WithVideoID(id.String())

	if api.statuses != nil {
		shared, err := api.statuses.GetStatus(ctx, id)
		if err != nil {
			logger.WarnWithErr("Failed to read shared packaging status", err)
		} else if shared != nil {
			return *shared
		}
	}

	if api.history != nil {
		past, err := api.history.GetPackagingRecord(ctx, id)
		switch {
		case err == nil:
			return *past
		case !errors.Is(err, database.ErrRecordNotFound):
			logger.WarnWithErr("Failed to read packaging history", err)
		}
	}

	return rec
}

func streamURL(id models.VideoID) string {
	return "/streams/" + id.String() + "/" + models.ManifestFilename
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".m3u8":
		return models.MimeTypeHLS
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// cacheControl marks packaged files immutable once written
func cacheControl(path string) string {
	if filepath.Ext(path) == ".m3u8" {
		return "no-cache"
	}
	return "public, max-age=31536000, immutable"
}
