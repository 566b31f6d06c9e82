package abr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
)

// DefaultMaxPlaylistSize bounds manifest downloads
const DefaultMaxPlaylistSize = 4 << 20

// ErrPlaylistTooLarge is returned when a playlist exceeds MaxPlaylistSize
var ErrPlaylistTooLarge = errors.New("playlist too large")

// Segment is one media segment of a level, placed on the presentation timeline
type Segment struct {
	Level    Level
	Sequence int
	URI      string
	Start    time.Duration
	Duration time.Duration
}

// End returns the presentation time at which the segment finishes
func (s Segment) End() time.Duration {
	return s.Start + s.Duration
}

// SegmentHandler consumes downloaded segments in playback order
type SegmentHandler func(seg Segment, data []byte) error

// SessionOptions configures network behaviour of a Session
type SessionOptions struct {
	Client            *http.Client
	MaxSegmentRetries int
	RetryDelay        time.Duration
	MaxPlaylistSize   int64
	Logger            *logging.Logger
}

type mediaPlaylist struct {
	url      *url.URL
	segments []Segment
}

// Session plays one master manifest: it loads playlists, downloads segments
// in order and lets the controller pick the level for each one.
type Session struct {
	masterURL *url.URL
	ctrl      *Controller
	client    *http.Client
	opts      SessionOptions
	logger    *logging.Logger

	mu        sync.Mutex
	position  time.Duration
	playlists map[int]*mediaPlaylist
}

// NewSession creates a session for the master manifest at masterURL
func NewSession(masterURL string, ctrl *Controller, opts SessionOptions) (*Session, error) {
	u, err := url.Parse(masterURL)
	if err != nil {
		return nil, fmt.Errorf("invalid master URL: %w", err)
	}
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxSegmentRetries < 0 {
		opts.MaxSegmentRetries = 0
	}
	if opts.MaxPlaylistSize <= 0 {
		opts.MaxPlaylistSize = DefaultMaxPlaylistSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Session{
		masterURL: u,
		ctrl:      ctrl,
		client:    opts.Client,
		opts:      opts,
		logger:    opts.Logger.WithField("master", masterURL),
		playlists: make(map[int]*mediaPlaylist),
	}, nil
}

// Controller returns the controller driving level selection
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// Position returns how much of the presentation has been delivered
func (s *Session) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Load fetches and parses the master manifest. Failures are terminal.
func (s *Session) Load(ctx context.Context) error {
	data, err := s.fetch(ctx, s.masterURL, s.opts.MaxPlaylistSize)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrManifestLoad, err)
		s.ctrl.ManifestFailed(err)
		return err
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrManifestParse, err)
		s.ctrl.ManifestFailed(err)
		return err
	}

	var levels []Level
	switch pl := pl.(type) {
	case *playlist.Multivariant:
		for _, v := range pl.Variants {
			w, h := parseResolution(v.Resolution)
			levels = append(levels, Level{
				Name:      variantName(v.URI),
				Bandwidth: int64(v.Bandwidth),
				Width:     w,
				Height:    h,
				URI:       v.URI,
			})
		}

	case *playlist.Media:
		// a bare media playlist plays as its only level
		levels = []Level{{Name: variantName(s.masterURL.Path), URI: s.masterURL.String()}}
		s.mu.Lock()
		s.playlists[0] = newMediaPlaylist(s.masterURL, levels[0], pl)
		s.mu.Unlock()

	default:
		err = fmt.Errorf("%w: unsupported playlist type %T", ErrManifestParse, pl)
		s.ctrl.ManifestFailed(err)
		return err
	}

	level, err := s.ctrl.ManifestLoaded(levels)
	if err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"levels":  len(levels),
		"initial": level.String(),
	}).Info("Master manifest loaded")
	return nil
}

// Run downloads segments until the presentation ends, the controller
// errors or ctx is cancelled. Level changes take effect at the next
// segment, which is the one covering the current position.
func (s *Session) Run(ctx context.Context, handle SegmentHandler) error {
	if s.ctrl.State() == StateLoading {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.ctrl.State() {
		case StateEnded:
			return nil
		case StateErrored:
			return s.ctrl.Err()
		}

		level, ok := s.ctrl.CurrentLevel()
		if !ok {
			return ErrNotLoaded
		}

		media, err := s.media(ctx, level)
		if err != nil {
			return err
		}

		seg, ok := media.segmentAt(s.Position())
		if !ok {
			s.ctrl.End()
			s.logger.Info("Playback ended")
			return nil
		}

		data, elapsed, err := s.loadSegment(ctx, media.url, seg)
		if err != nil {
			return err
		}

		if handle != nil {
			if err := handle(seg, data); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.position = seg.End()
		s.mu.Unlock()

		s.ctrl.SegmentLoaded(int64(len(data)), elapsed)
	}
}

// media returns the parsed playlist for a level, fetching it on first use
func (s *Session) media(ctx context.Context, level Level) (*mediaPlaylist, error) {
	s.mu.Lock()
	mp, ok := s.playlists[level.Index]
	s.mu.Unlock()
	if ok {
		return mp, nil
	}

	ref, err := url.Parse(level.URI)
	if err != nil {
		return nil, s.segmentFailure(fmt.Errorf("invalid playlist URI %q: %w", level.URI, err))
	}
	u := s.masterURL.ResolveReference(ref)

	var pl playlist.Playlist
	err = s.retry(ctx, func() error {
		data, err := s.fetch(ctx, u, s.opts.MaxPlaylistSize)
		if err != nil {
			return err
		}
		pl, err = playlist.Unmarshal(data)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.segmentFailure(fmt.Errorf("playlist %s: %w", level, err))
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, s.segmentFailure(fmt.Errorf("playlist %s is not a media playlist", level))
	}

	mp = newMediaPlaylist(u, level, media)
	s.mu.Lock()
	s.playlists[level.Index] = mp
	s.mu.Unlock()
	return mp, nil
}

func (s *Session) loadSegment(ctx context.Context, base *url.URL, seg Segment) ([]byte, time.Duration, error) {
	ref, err := url.Parse(seg.URI)
	if err != nil {
		return nil, 0, s.segmentFailure(fmt.Errorf("invalid segment URI %q: %w", seg.URI, err))
	}
	u := base.ResolveReference(ref)

	var data []byte
	var elapsed time.Duration
	err = s.retry(ctx, func() error {
		start := time.Now()
		d, err := s.fetch(ctx, u, 0)
		if err != nil {
			return err
		}
		data, elapsed = d, time.Since(start)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, s.segmentFailure(fmt.Errorf("%s: %w", seg.URI, err))
	}
	return data, elapsed, nil
}

// retry runs fn once plus MaxSegmentRetries more times, pausing between attempts
func (s *Session) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.opts.MaxSegmentRetries; attempt++ {
		if attempt > 0 {
			s.logger.WithField("attempt", attempt).WarnWithErr("Retrying load", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.RetryDelay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (s *Session) segmentFailure(err error) error {
	err = fmt.Errorf("%w: %v", ErrSegmentLoad, err)
	s.ctrl.Fail(err)
	return err
}

func (s *Session) fetch(ctx context.Context, u *url.URL, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: unexpected status %d", u.Path, resp.StatusCode)
	}

	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is over %d bytes", ErrPlaylistTooLarge, u.Path, limit)
	}
	return data, nil
}

func newMediaPlaylist(u *url.URL, level Level, pl *playlist.Media) *mediaPlaylist {
	mp := &mediaPlaylist{url: u}
	var start time.Duration
	for i, seg := range pl.Segments {
		mp.segments = append(mp.segments, Segment{
			Level:    level,
			Sequence: pl.MediaSequence + i,
			URI:      seg.URI,
			Start:    start,
			Duration: seg.Duration,
		})
		start += seg.Duration
	}
	return mp
}

// positionTolerance absorbs rounding between renditions whose segment
// durations differ by a few milliseconds
const positionTolerance = 50 * time.Millisecond

// segmentAt returns the segment covering position
func (m *mediaPlaylist) segmentAt(position time.Duration) (Segment, bool) {
	for _, seg := range m.segments {
		if seg.End() > position+positionTolerance {
			return seg, true
		}
	}
	return Segment{}, false
}

// variantName derives a level name from its playlist file, e.g. 720p.m3u8 -> 720p
func variantName(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		uri = uri[i+1:]
	}
	return strings.TrimSuffix(uri, ".m3u8")
}

func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}
