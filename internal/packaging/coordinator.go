package packaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/manifest"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/rendition"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/source"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/tracing"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// hookTimeout bounds calls to status sinks and event notifiers
const hookTimeout = 5 * time.Second

// Encoder produces one rendition into the paths named by the job
type Encoder interface {
	EncodeRendition(ctx context.Context, job transcoder.RenditionJob) error
}

// Catalog resolves a video identity to its source file
type Catalog interface {
	Lookup(id models.VideoID) (models.SourceVideo, error)
}

// Locker serializes packaging of one video across processes
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// StatusSink receives every status transition
type StatusSink interface {
	RecordStatus(ctx context.Context, record models.PackagingRecord) error
}

// Notifier announces resolved packaging jobs
type Notifier interface {
	PublishEvent(ctx context.Context, event *models.PackagingEvent) error
}

// Publisher mirrors a packaged video elsewhere
type Publisher interface {
	PublishVideo(ctx context.Context, id models.VideoID, dir string, files []string) error
}

// Options holds optional coordinator settings and collaborators
type Options struct {
	// MaxConcurrentEncodes caps encoder processes across all videos
	MaxConcurrentEncodes int
	// EncodeTimeout bounds one encoder invocation, zero disables it
	EncodeTimeout time.Duration

	Locker    Locker
	Sinks     []StatusSink
	Notifier  Notifier
	Publisher Publisher
	Logger    *logging.Logger
}

// Coordinator packages videos on demand. At most one job runs per video;
// concurrent callers for the same video share that job's result.
type Coordinator struct {
	store    *rendition.Store
	encoder  Encoder
	catalog  Catalog
	profiles []models.QualityProfile
	opts     Options
	logger   *logging.Logger

	sem   *semaphore.Weighted
	group singleflight.Group

	mu     sync.Mutex
	status map[models.VideoID]*models.PackagingRecord

	background sync.WaitGroup
}

// NewCoordinator creates a packaging coordinator
func NewCoordinator(store *rendition.Store, encoder Encoder, catalog Catalog, profiles []models.QualityProfile, opts Options) (*Coordinator, error) {
	if store == nil || encoder == nil || catalog == nil {
		return nil, fmt.Errorf("coordinator requires a rendition store, an encoder and a source catalog")
	}
	if err := models.ValidateProfiles(profiles); err != nil {
		return nil, err
	}
	if opts.MaxConcurrentEncodes <= 0 {
		opts.MaxConcurrentEncodes = len(profiles)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Coordinator{
		store:    store,
		encoder:  encoder,
		catalog:  catalog,
		profiles: append([]models.QualityProfile(nil), profiles...),
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentEncodes)),
		status:   make(map[models.VideoID]*models.PackagingRecord),
	}, nil
}

// Profiles returns the quality profile table
func (c *Coordinator) Profiles() []models.QualityProfile {
	return append([]models.QualityProfile(nil), c.profiles...)
}

// Store returns the rendition store
func (c *Coordinator) Store() *rendition.Store {
	return c.store
}

// EnsurePackaged returns the master manifest of a video, packaging it first
// if needed. When ctx ends the caller stops waiting but the job keeps
// running for other waiters and for the cache.
func (c *Coordinator) EnsurePackaged(ctx context.Context, id models.VideoID) (*models.Manifest, error) {
	span, ctx := tracing.StartSpan(ctx, "packaging.ensure")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "video_id", id.String())

	if _, err := models.ParseVideoID(string(id)); err != nil {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidIdentity, id)
	}

	src, err := c.catalog.Lookup(id)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	if m, ok := c.cached(id); ok {
		metrics.RecordCacheAccess("manifest", true)
		tracing.SetTag(span, "cache_hit", true)
		return m, nil
	}
	metrics.RecordCacheAccess("manifest", false)

	jobCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(id), func() (interface{}, error) {
		return c.run(jobCtx, id, src)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordCoalescedWaiter()
		}
		if res.Err != nil {
			tracing.LogError(span, res.Err)
			return nil, res.Err
		}
		return res.Val.(*models.Manifest), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prewarm validates the video and packages it in the background
func (c *Coordinator) Prewarm(ctx context.Context, id models.VideoID) error {
	if _, err := c.catalog.Lookup(id); err != nil {
		return err
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if _, err := c.EnsurePackaged(context.WithoutCancel(ctx), id); err != nil {
			c.logger.WithVideoID(id.String()).ErrorWithErr("Background packaging failed", err)
		}
	}()

	return nil
}

// Wait blocks until background work started by the coordinator finishes
func (c *Coordinator) Wait() {
	c.background.Wait()
}

// Status returns the packaging status of a video
func (c *Coordinator) Status(id models.VideoID) models.PackagingRecord {
	c.mu.Lock()
	rec, ok := c.status[id]
	var snapshot models.PackagingRecord
	if ok {
		snapshot = *rec
	}
	c.mu.Unlock()

	if ok {
		return snapshot
	}

	status := models.PackagingStatusMissing
	if c.store.ManifestExists(id) {
		status = models.PackagingStatusReady
	}
	return models.PackagingRecord{VideoID: id, Status: status}
}

// Statuses lists every status record known to this process, sorted by video
func (c *Coordinator) Statuses() []models.PackagingRecord {
	c.mu.Lock()
	records := make([]models.PackagingRecord, 0, len(c.status))
	for _, rec := range c.status {
		records = append(records, *rec)
	}
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].VideoID < records[j].VideoID
	})
	return records
}

// cached returns the committed manifest if there is one
func (c *Coordinator) cached(id models.VideoID) (*models.Manifest, bool) {
	if !c.store.ManifestExists(id) {
		return nil, false
	}
	m, err := c.store.ReadManifest(id)
	if err != nil {
		return nil, false
	}
	return m, true
}

// run executes one packaging job. Only one run per video is active in this
// process; the optional Locker extends that across processes.
func (c *Coordinator) run(ctx context.Context, id models.VideoID, src models.SourceVideo) (*models.Manifest, error) {
	// A job that just finished may have been forgotten by the time we got here
	if m, ok := c.cached(id); ok {
		return m, nil
	}

	if c.opts.Locker != nil {
		release, err := c.opts.Locker.Acquire(ctx, string(id))
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s for packaging: %w", id, err)
		}
		defer release()

		// Another process may have packaged the video while we waited
		if m, ok := c.cached(id); ok {
			return m, nil
		}
	}

	jobID := uuid.New().String()
	logger := c.logger.WithVideoID(id.String()).WithJobID(jobID)
	start := time.Now()

	c.updateStatus(ctx, id, func(rec *models.PackagingRecord) {
		now := time.Now()
		rec.JobID = jobID
		rec.Status = models.PackagingStatusInProgress
		rec.Attempts++
		rec.FailedStep = ""
		rec.ErrorMsg = ""
		rec.StartedAt = &now
		rec.CompletedAt = nil
	})

	metrics.PackagingJobsInProgress.Inc()
	defer metrics.PackagingJobsInProgress.Dec()

	var (
		g         errgroup.Group
		encodedMu sync.Mutex
		encoded   []string
	)

	for _, p := range c.profiles {
		if c.store.RenditionExists(id, p) {
			metrics.RecordRenditionReused(p.Name)
			continue
		}
		g.Go(func() error {
			if err := c.encode(ctx, logger, id, src, p); err != nil {
				return err
			}
			encodedMu.Lock()
			encoded = append(encoded, p.Name)
			encodedMu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	sort.Strings(encoded)

	if err != nil {
		var encErr *EncodeError
		step := "encode"
		if errors.As(err, &encErr) {
			step = "encode:" + encErr.Profile
		}
		c.fail(ctx, logger, id, jobID, step, err, encoded, start)
		return nil, err
	}

	m, err := c.commitManifest(id)
	if err != nil {
		c.fail(ctx, logger, id, jobID, "manifest", err, encoded, start)
		return nil, err
	}

	c.updateStatus(ctx, id, func(rec *models.PackagingRecord) {
		now := time.Now()
		rec.Status = models.PackagingStatusReady
		rec.CompletedAt = &now
	})

	duration := time.Since(start)
	metrics.RecordPackagingJob("ready", duration.Seconds())
	logger.LogPackagingEvent(id.String(), jobID, models.EventPackagingReady, string(models.PackagingStatusReady), map[string]interface{}{
		"encoded":     encoded,
		"duration_ms": duration.Milliseconds(),
	})

	c.notify(ctx, logger, &models.PackagingEvent{
		Event:      models.EventPackagingReady,
		VideoID:    id,
		JobID:      jobID,
		Status:     models.PackagingStatusReady,
		Profiles:   c.profileNames(),
		Encoded:    encoded,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	})

	c.publish(ctx, logger, id)

	return m, nil
}

// encode produces and commits one rendition
func (c *Coordinator) encode(ctx context.Context, logger *logging.Logger, id models.VideoID, src models.SourceVideo, p models.QualityProfile) error {
	span, ctx := tracing.StartSpan(ctx, "packaging.encode")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "profile", p.Name)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return &EncodeError{Profile: p.Name, Err: err}
	}
	defer c.sem.Release(1)

	st, err := c.store.StageRendition(id, p)
	if err != nil {
		return &EncodeError{Profile: p.Name, Err: err}
	}

	encodeCtx := ctx
	if c.opts.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, c.opts.EncodeTimeout)
		defer cancel()
	}

	metrics.EncodesInFlight.Inc()
	start := time.Now()
	err = c.encoder.EncodeRendition(encodeCtx, transcoder.RenditionJob{
		InputPath:      src.Path,
		Profile:        p,
		PlaylistPath:   st.PlaylistPath(),
		SegmentPattern: st.SegmentPattern(),
	})
	duration := time.Since(start)
	metrics.EncodesInFlight.Dec()

	logger.LogEncode(id.String(), p.Name, duration, err)

	if err != nil {
		if discardErr := c.store.Discard(st); discardErr != nil {
			logger.WarnWithErr("Failed to discard staging directory", discardErr)
		}
		metrics.RecordEncode(p.Name, "failed", duration.Seconds())
		tracing.LogError(span, err)
		return &EncodeError{Profile: p.Name, Diagnostic: diagnostic(err), Err: err}
	}

	if err := c.store.CommitRendition(st); err != nil {
		// Someone else committed the same rendition; theirs is as good as ours
		if errors.Is(err, rendition.ErrAlreadyExists) && c.store.RenditionExists(id, p) {
			metrics.RecordEncode(p.Name, "success", duration.Seconds())
			return nil
		}
		metrics.RecordEncode(p.Name, "failed", duration.Seconds())
		tracing.LogError(span, err)
		return &EncodeError{Profile: p.Name, Err: fmt.Errorf("commit: %w", err)}
	}

	metrics.RecordEncode(p.Name, "success", duration.Seconds())
	return nil
}

// commitManifest builds and writes the master manifest
func (c *Coordinator) commitManifest(id models.VideoID) (*models.Manifest, error) {
	data, err := manifest.Build(id, c.profiles)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestWrite, err)
	}

	m, err := c.store.WriteManifest(id, data)
	if err == nil {
		return m, nil
	}

	if errors.Is(err, rendition.ErrAlreadyExists) {
		if existing, readErr := c.store.ReadManifest(id); readErr == nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrManifestWrite, err)
}

func (c *Coordinator) fail(ctx context.Context, logger *logging.Logger, id models.VideoID, jobID, step string, err error, encoded []string, start time.Time) {
	c.updateStatus(ctx, id, func(rec *models.PackagingRecord) {
		now := time.Now()
		rec.Status = models.PackagingStatusFailed
		rec.FailedStep = step
		rec.ErrorMsg = err.Error()
		rec.CompletedAt = &now
	})

	duration := time.Since(start)
	metrics.RecordPackagingJob("failed", duration.Seconds())
	metrics.RecordError("packaging", step)
	logger.WithError(err).LogPackagingEvent(id.String(), jobID, models.EventPackagingFailed, string(models.PackagingStatusFailed), map[string]interface{}{
		"failed_step": step,
		"encoded":     encoded,
	})

	c.notify(ctx, logger, &models.PackagingEvent{
		Event:      models.EventPackagingFailed,
		VideoID:    id,
		JobID:      jobID,
		Status:     models.PackagingStatusFailed,
		Profiles:   c.profileNames(),
		Encoded:    encoded,
		Error:      err.Error(),
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	})
}

// updateStatus applies mutate to the status record and fans the result out to sinks
func (c *Coordinator) updateStatus(ctx context.Context, id models.VideoID, mutate func(rec *models.PackagingRecord)) {
	c.mu.Lock()
	rec, ok := c.status[id]
	if !ok {
		rec = &models.PackagingRecord{VideoID: id, Status: models.PackagingStatusMissing}
		c.status[id] = rec
	}
	mutate(rec)
	rec.UpdatedAt = time.Now()
	snapshot := *rec
	c.mu.Unlock()

	for _, sink := range c.opts.Sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		if err := sink.RecordStatus(sinkCtx, snapshot); err != nil {
			c.logger.WithVideoID(id.String()).WarnWithErr("Failed to record packaging status", err)
			metrics.RecordError("status_sink", "record_failed")
		}
		cancel()
	}
}

func (c *Coordinator) notify(ctx context.Context, logger *logging.Logger, event *models.PackagingEvent) {
	if c.opts.Notifier == nil {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	if err := c.opts.Notifier.PublishEvent(notifyCtx, event); err != nil {
		logger.WarnWithErr("Failed to publish packaging event", err)
		metrics.RecordError("notifier", "publish_failed")
	}
}

// publish mirrors the committed video in the background. The local cache
// stays authoritative, so mirror failures are only logged.
func (c *Coordinator) publish(ctx context.Context, logger *logging.Logger, id models.VideoID) {
	if c.opts.Publisher == nil {
		return
	}

	files, err := c.store.Files(id)
	if err != nil {
		logger.WarnWithErr("Failed to list packaged files for mirroring", err)
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := c.opts.Publisher.PublishVideo(ctx, id, c.store.VideoDir(id), files); err != nil {
			logger.WarnWithErr("Failed to mirror packaged video", err)
			metrics.RecordError("publisher", "mirror_failed")
		}
	}()
}

func (c *Coordinator) profileNames() []string {
	names := make([]string, len(c.profiles))
	for i, p := range c.profiles {
		names[i] = p.Name
	}
	return names
}
