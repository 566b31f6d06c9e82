package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
	"golang.org/x/sync/singleflight"
)

// DefaultThumbnailOffset is where thumbnails are taken from when the video is long enough
const DefaultThumbnailOffset = 1.0

// thumbnailTimeout bounds one shared extraction
const thumbnailTimeout = time.Minute

// ThumbnailExtractor is the subset of FFmpeg the thumbnail cache needs
type ThumbnailExtractor interface {
	ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error)
	ExtractThumbnail(ctx context.Context, inputPath, outputPath string, timeSeconds float64) error
}

// Thumbnails lazily extracts and caches one JPEG per video
type Thumbnails struct {
	dir       string
	extractor ThumbnailExtractor
	group     singleflight.Group
}

// NewThumbnails creates a thumbnail cache in dir
func NewThumbnails(dir string, extractor ThumbnailExtractor) (*Thumbnails, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	return &Thumbnails{dir: dir, extractor: extractor}, nil
}

// Path returns where the thumbnail of a video is cached
func (t *Thumbnails) Path(id models.VideoID) string {
	return filepath.Join(t.dir, string(id)+".jpg")
}

// Ensure returns the cached thumbnail path, extracting it on first use.
// Concurrent callers share one extraction, which outlives any single
// caller's ctx; a caller that gives up only stops waiting for it.
func (t *Thumbnails) Ensure(ctx context.Context, id models.VideoID, inputPath string) (string, error) {
	path := t.Path(id)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	extractCtx := context.WithoutCancel(ctx)
	ch := t.group.DoChan(string(id), func() (interface{}, error) {
		if _, err := os.Stat(path); err == nil {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(extractCtx, thumbnailTimeout)
		defer cancel()

		offset := DefaultThumbnailOffset
		if meta, err := t.extractor.ProbeVideo(ctx, inputPath); err == nil {
			if d := meta.Duration().Seconds(); d > 0 && d <= offset {
				offset = d / 2
			}
		}

		tmp := filepath.Join(t.dir, "."+string(id)+"-"+uuid.New().String()+".jpg")
		defer os.Remove(tmp)

		if err := t.extractor.ExtractThumbnail(ctx, inputPath, tmp, offset); err != nil {
			return nil, err
		}
		if err := os.Rename(tmp, path); err != nil {
			return nil, fmt.Errorf("failed to store thumbnail: %w", err)
		}
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return path, nil
	}
}
