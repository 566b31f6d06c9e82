package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
	"golang.org/x/sync/errgroup"
)

// MaxConcurrentUploads bounds parallel object uploads per video
const MaxConcurrentUploads = 4

// Storage mirrors packaged videos into object storage
type Storage struct {
	client     *minio.Client
	bucketName string
	prefix     string
	logger     *logging.Logger
}

// New creates a new storage client
func New(cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
		prefix:     cfg.Prefix,
		logger:     logger,
	}, nil
}

// ObjectKey returns the key a packaged file is mirrored under
func (s *Storage) ObjectKey(id models.VideoID, name string) string {
	return objectKey(s.prefix, id, name)
}

func objectKey(prefix string, id models.VideoID, name string) string {
	return path.Join(prefix, id.String(), name)
}

// PublishVideo uploads a committed package. Segments and media playlists
// go first and the master manifest last, so a reader of the bucket never
// sees a manifest that points at missing renditions.
func (s *Storage) PublishVideo(ctx context.Context, id models.VideoID, dir string, files []string) error {
	manifestLast := orderForPublish(files)

	var rest []string
	var master string
	for _, name := range manifestLast {
		if name == models.ManifestFilename {
			master = name
			continue
		}
		rest = append(rest, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentUploads)
	for _, name := range rest {
		g.Go(func() error {
			return s.UploadFile(gctx, s.ObjectKey(id, name), filepath.Join(dir, name))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if master != "" {
		if err := s.UploadFile(ctx, s.ObjectKey(id, master), filepath.Join(dir, master)); err != nil {
			return err
		}
	}

	s.logger.WithVideoID(id.String()).
		WithField("objects", len(files)).
		Info("Package mirrored to object storage")
	return nil
}

// UploadFile uploads a file from the local filesystem. Objects already
// present with the same size are skipped; packaged files never change.
func (s *Storage) UploadFile(ctx context.Context, objectName, filePath string) error {
	start := time.Now()

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if existing, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err == nil && existing.Size == info.Size() {
		metrics.RecordStorageOperation("upload_skip", "success", time.Since(start).Seconds(), 0)
		return nil
	}

	_, err = s.client.FPutObject(ctx, s.bucketName, objectName, filePath, minio.PutObjectOptions{
		ContentType:  getContentType(filePath),
		CacheControl: cacheControl(filePath),
	})

	duration := time.Since(start)
	s.logger.LogStorageOperation("upload", s.bucketName, objectName, info.Size(), duration, err)
	if err != nil {
		metrics.RecordStorageOperation("upload", "error", duration.Seconds(), 0)
		return fmt.Errorf("failed to upload file: %w", err)
	}

	metrics.RecordStorageOperation("upload", "success", duration.Seconds(), info.Size())
	return nil
}

// orderForPublish sorts files so the master manifest comes last
func orderForPublish(files []string) []string {
	out := make([]string, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i]) < rank(out[j])
	})
	return out
}

func rank(name string) int {
	switch {
	case name == models.ManifestFilename:
		return 2
	case filepath.Ext(name) == ".m3u8":
		return 1
	default:
		return 0
	}
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	ext := filepath.Ext(filePath)
	switch ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// cacheControl lets CDNs keep packaged files indefinitely; they are write-once
func cacheControl(filePath string) string {
	if filepath.Ext(filePath) == ".m3u8" {
		return "public, max-age=60"
	}
	return "public, max-age=31536000, immutable"
}
