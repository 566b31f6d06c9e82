package packaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/rendition"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/source"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// fakeEncoder writes a two-segment rendition the way ffmpeg would
type fakeEncoder struct {
	mu       sync.Mutex
	calls    map[string]int
	failing  map[string]bool
	gate     chan struct{}
	entered  chan string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	onEncode func(job transcoder.RenditionJob)
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		calls:   make(map[string]int),
		failing: make(map[string]bool),
		entered: make(chan string, 64),
	}
}

func (f *fakeEncoder) EncodeRendition(ctx context.Context, job transcoder.RenditionJob) error {
	f.mu.Lock()
	f.calls[job.Profile.Name]++
	fail := f.failing[job.Profile.Name]
	gate := f.gate
	hook := f.onEncode
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.entered <- job.Profile.Name

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if hook != nil {
		hook(job)
	}

	if fail {
		return &transcoder.CommandError{Tool: "ffmpeg", Err: errors.New("exit status 1"), Stderr: "Conversion failed!"}
	}

	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n"
	for i := 0; i < 2; i++ {
		segment := fmt.Sprintf(job.SegmentPattern, i)
		if err := os.WriteFile(segment, []byte(job.Profile.Name), 0644); err != nil {
			return err
		}
		playlist += "#EXTINF:10.000000,\n" + filepath.Base(segment) + "\n"
	}
	playlist += "#EXT-X-ENDLIST\n"
	return os.WriteFile(job.PlaylistPath, []byte(playlist), 0644)
}

func (f *fakeEncoder) setFailing(profile string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[profile] = fail
}

func (f *fakeEncoder) callsFor(profile string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[profile]
}

func (f *fakeEncoder) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fixture struct {
	coordinator *Coordinator
	store       *rendition.Store
	encoder     *fakeEncoder
	sourceDir   string
}

func newFixture(t *testing.T, opts Options, videos ...string) *fixture {
	t.Helper()

	root := t.TempDir()
	sourceDir := filepath.Join(root, "videos")
	require.NoError(t, os.MkdirAll(sourceDir, 0755))
	for _, v := range videos {
		require.NoError(t, os.WriteFile(filepath.Join(sourceDir, v), []byte("source"), 0644))
	}

	catalog, err := source.NewCatalog(sourceDir, []string{".mp4", ".mkv", ".mov", ".avi"}, source.PolicyReject)
	require.NoError(t, err)

	store, err := rendition.NewStore(filepath.Join(root, "temp"))
	require.NoError(t, err)

	encoder := newFakeEncoder()
	coordinator, err := NewCoordinator(store, encoder, catalog, models.DefaultProfiles(), opts)
	require.NoError(t, err)

	return &fixture{coordinator: coordinator, store: store, encoder: encoder, sourceDir: sourceDir}
}

func TestNewCoordinatorValidation(t *testing.T) {
	store, err := rendition.NewStore(t.TempDir())
	require.NoError(t, err)
	catalog, err := source.NewCatalog(t.TempDir(), []string{".mp4"}, source.PolicyReject)
	require.NoError(t, err)

	_, err = NewCoordinator(nil, newFakeEncoder(), catalog, models.DefaultProfiles(), Options{})
	assert.Error(t, err)

	_, err = NewCoordinator(store, newFakeEncoder(), catalog, nil, Options{})
	assert.Error(t, err)

	c, err := NewCoordinator(store, newFakeEncoder(), catalog, models.DefaultProfiles(), Options{})
	require.NoError(t, err)
	assert.Len(t, c.Profiles(), 3)
}

func TestEnsurePackagedThreeProfileScenario(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	f.encoder.gate = make(chan struct{})

	type result struct {
		m   *models.Manifest
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		m, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
		first <- result{m, err}
	}()

	// Wait until the first job is encoding before issuing the second call
	<-f.encoder.entered
	go func() {
		m, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
		second <- result{m, err}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.PackagingStatusInProgress, f.coordinator.Status("demo").Status)
	close(f.encoder.gate)

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)

	assert.Equal(t, 3, f.encoder.totalCalls())
	for _, p := range models.DefaultProfiles() {
		assert.Equal(t, 1, f.encoder.callsFor(p.Name), "profile %s", p.Name)
	}
	assert.Equal(t, r1.m.Data, r2.m.Data)

	text := string(r1.m.Data)
	assert.Equal(t, 3, strings.Count(text, "#EXT-X-STREAM-INF"))
	i360 := strings.Index(text, "BANDWIDTH=800000")
	i480 := strings.Index(text, "BANDWIDTH=1400000")
	i720 := strings.Index(text, "BANDWIDTH=2800000")
	assert.True(t, i360 >= 0 && i360 < i480 && i480 < i720, "stream entries out of bitrate order:\n%s", text)

	status := f.coordinator.Status("demo")
	assert.Equal(t, models.PackagingStatusReady, status.Status)
	assert.Equal(t, 1, status.Attempts)
	assert.NotNil(t, status.CompletedAt)
}

func TestEnsurePackagedSingleFlight(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	f.encoder.gate = make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	manifests := make([][]byte, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
			errs[i] = err
			if m != nil {
				manifests[i] = m.Data
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(f.encoder.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, manifests[0], manifests[i])
	}
	for _, p := range models.DefaultProfiles() {
		assert.Equal(t, 1, f.encoder.callsFor(p.Name), "profile %s encoded more than once", p.Name)
	}
}

func TestEnsurePackagedIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	ctx := context.Background()

	first, err := f.coordinator.EnsurePackaged(ctx, "demo")
	require.NoError(t, err)
	calls := f.encoder.totalCalls()
	assert.Equal(t, 3, calls)

	second, err := f.coordinator.EnsurePackaged(ctx, "demo")
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, calls, f.encoder.totalCalls(), "cache hit must not invoke the encoder")
}

func TestEnsurePackagedFailureScenario(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	f.encoder.setFailing("480p", true)
	ctx := context.Background()

	_, err := f.coordinator.EnsurePackaged(ctx, "demo")
	require.Error(t, err)

	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr), "got %v", err)
	assert.Equal(t, "480p", encErr.Profile)
	assert.Equal(t, "Conversion failed!", encErr.Diagnostic)

	assert.False(t, f.store.ManifestExists("demo"), "no manifest after a failed job")
	assert.True(t, f.store.RenditionExists("demo", models.Profile360p))
	assert.True(t, f.store.RenditionExists("demo", models.Profile720p))
	assert.False(t, f.store.RenditionExists("demo", models.Profile480p))

	status := f.coordinator.Status("demo")
	assert.Equal(t, models.PackagingStatusFailed, status.Status)
	assert.Equal(t, "encode:480p", status.FailedStep)
	assert.Contains(t, status.ErrorMsg, "480p")

	// Retry only redoes the missing profile
	f.encoder.setFailing("480p", false)
	m, err := f.coordinator.EnsurePackaged(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, f.store.ManifestExists("demo"))
	assert.NotEmpty(t, m.Data)

	assert.Equal(t, 1, f.encoder.callsFor("360p"))
	assert.Equal(t, 2, f.encoder.callsFor("480p"))
	assert.Equal(t, 1, f.encoder.callsFor("720p"))

	status = f.coordinator.Status("demo")
	assert.Equal(t, models.PackagingStatusReady, status.Status)
	assert.Equal(t, 2, status.Attempts)
	assert.Empty(t, status.ErrorMsg)
}

func TestEnsurePackagedSourceErrors(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4", "clip.mp4", "clip.mkv")
	ctx := context.Background()

	_, err := f.coordinator.EnsurePackaged(ctx, "missing")
	assert.True(t, errors.Is(err, source.ErrSourceNotFound))

	_, err = f.coordinator.EnsurePackaged(ctx, "../demo")
	assert.True(t, errors.Is(err, source.ErrInvalidIdentity))

	_, err = f.coordinator.EnsurePackaged(ctx, "clip")
	assert.True(t, errors.Is(err, source.ErrAmbiguousSource))

	assert.Equal(t, 0, f.encoder.totalCalls())
	assert.Equal(t, models.PackagingStatusMissing, f.coordinator.Status("missing").Status)
}

func TestEnsurePackagedEncodeTimeout(t *testing.T) {
	f := newFixture(t, Options{EncodeTimeout: 50 * time.Millisecond}, "demo.mp4")
	// Never released, so every encode runs into the timeout
	f.encoder.gate = make(chan struct{})

	_, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
	require.Error(t, err)

	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, f.store.ManifestExists("demo"))
	assert.Equal(t, models.PackagingStatusFailed, f.coordinator.Status("demo").Status)
}

func TestEnsurePackagedCallerCancellation(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	f.encoder.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.EnsurePackaged(ctx, "demo")
		done <- err
	}()

	<-f.encoder.entered
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	// The job outlives the caller and still commits
	close(f.encoder.gate)
	assert.Eventually(t, func() bool {
		return f.store.ManifestExists("demo")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncoderConcurrencyCap(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrentEncodes: 1}, "a.mp4", "b.mp4")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []models.VideoID{"a", "b"} {
		wg.Add(1)
		go func(id models.VideoID) {
			defer wg.Done()
			_, err := f.coordinator.EnsurePackaged(ctx, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 6, f.encoder.totalCalls())
	assert.Equal(t, int32(1), f.encoder.maxSeen.Load())
}

func TestManifestCommittedElsewhereIsReused(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")

	var once sync.Once
	f.encoder.onEncode = func(job transcoder.RenditionJob) {
		once.Do(func() {
			_, err := f.store.WriteManifest("demo", []byte("#EXTM3U\n#EXT-X-VERSION:3\n"))
			assert.NoError(t, err)
		})
	}

	m, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n", string(m.Data))
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []models.PackagingStatus
}

func (s *recordingSink) RecordStatus(ctx context.Context, record models.PackagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, record.Status)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*models.PackagingEvent
}

func (n *recordingNotifier) PublishEvent(ctx context.Context, event *models.PackagingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	files map[models.VideoID][]string
}

func (p *recordingPublisher) PublishVideo(ctx context.Context, id models.VideoID, dir string, files []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[id] = files
	return nil
}

type countingLocker struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (l *countingLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.acquired.Add(1)
	return func() { l.released.Add(1) }, nil
}

func TestHooks(t *testing.T) {
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{files: make(map[models.VideoID][]string)}
	locker := &countingLocker{}

	f := newFixture(t, Options{
		Sinks:     []StatusSink{sink},
		Notifier:  notifier,
		Publisher: publisher,
		Locker:    locker,
	}, "demo.mp4")

	_, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
	require.NoError(t, err)
	f.coordinator.Wait()

	assert.Equal(t, []models.PackagingStatus{models.PackagingStatusInProgress, models.PackagingStatusReady}, sink.statuses)

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, models.EventPackagingReady, event.Event)
	assert.Equal(t, []string{"360p", "480p", "720p"}, event.Encoded)
	assert.Equal(t, []string{"360p", "480p", "720p"}, event.Profiles)

	files := publisher.files["demo"]
	assert.Contains(t, files, models.ManifestFilename)
	assert.Contains(t, files, "720p_001.ts")
	assert.Len(t, files, 10)

	assert.Equal(t, int32(1), locker.acquired.Load())
	assert.Equal(t, int32(1), locker.released.Load())
}

func TestFailureEvent(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, Options{Notifier: notifier}, "demo.mp4")
	f.encoder.setFailing("720p", true)

	_, err := f.coordinator.EnsurePackaged(context.Background(), "demo")
	require.Error(t, err)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.EventPackagingFailed, notifier.events[0].Event)
	assert.Equal(t, []string{"360p", "480p"}, notifier.events[0].Encoded)
	assert.Contains(t, notifier.events[0].Error, "720p")
}

func TestPrewarm(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")
	ctx := context.Background()

	assert.True(t, errors.Is(f.coordinator.Prewarm(ctx, "missing"), source.ErrSourceNotFound))

	require.NoError(t, f.coordinator.Prewarm(ctx, "demo"))
	f.coordinator.Wait()

	assert.True(t, f.store.ManifestExists("demo"))
	assert.Equal(t, models.PackagingStatusReady, f.coordinator.Status("demo").Status)
}

func TestStatuses(t *testing.T) {
	f := newFixture(t, Options{}, "b.mp4", "a.mp4")
	ctx := context.Background()

	_, err := f.coordinator.EnsurePackaged(ctx, "b")
	require.NoError(t, err)
	_, err = f.coordinator.EnsurePackaged(ctx, "a")
	require.NoError(t, err)

	records := f.coordinator.Statuses()
	require.Len(t, records, 2)
	assert.Equal(t, models.VideoID("a"), records[0].VideoID)
	assert.Equal(t, models.VideoID("b"), records[1].VideoID)
}

func TestStatusFromDisk(t *testing.T) {
	f := newFixture(t, Options{}, "demo.mp4")

	_, err := f.store.WriteManifest("demo", []byte("#EXTM3U\n"))
	require.NoError(t, err)

	assert.Equal(t, models.PackagingStatusReady, f.coordinator.Status("demo").Status)
}
