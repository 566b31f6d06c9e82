package rendition

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

var (
	// ErrAlreadyExists is returned when a write-once artifact is already committed
	ErrAlreadyExists = errors.New("artifact already exists")
	// ErrNotFound is returned when an artifact has not been committed
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for file names that cannot be served from a video directory
	ErrInvalidName = errors.New("invalid file name")
)

const (
	stagingPrefix  = ".staging-"
	manifestPrefix = ".manifest-"
)

// Store is the on-disk rendition cache: one directory per video holding
// per-profile playlists, their segments and the master manifest.
//
// Artifacts are write-once. Callers serialize writers per video; the store
// itself takes no locks.
type Store struct {
	root string
}

// Staging is a private directory an encoder writes one rendition into
type Staging struct {
	VideoID models.VideoID
	Profile models.QualityProfile
	Dir     string
}

// PlaylistPath is where the encoder must write the rendition playlist
func (s *Staging) PlaylistPath() string {
	return filepath.Join(s.Dir, s.Profile.PlaylistName())
}

// SegmentPattern is the printf-style segment path handed to the encoder
func (s *Staging) SegmentPattern() string {
	return filepath.Join(s.Dir, s.Profile.SegmentPattern())
}

// NewStore creates a store rooted at root, creating the directory if needed
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("rendition root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rendition root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the packaging root directory
func (s *Store) Root() string {
	return s.root
}

// VideoDir returns the directory holding every artifact of a video
func (s *Store) VideoDir(id models.VideoID) string {
	return filepath.Join(s.root, string(id))
}

// ManifestPath returns the master manifest path of a video
func (s *Store) ManifestPath(id models.VideoID) string {
	return filepath.Join(s.VideoDir(id), models.ManifestFilename)
}

// PlaylistPath returns the committed playlist path of one rendition
func (s *Store) PlaylistPath(id models.VideoID, profile models.QualityProfile) string {
	return filepath.Join(s.VideoDir(id), profile.PlaylistName())
}

// RenditionExists reports whether a rendition has been committed
func (s *Store) RenditionExists(id models.VideoID, profile models.QualityProfile) bool {
	return fileExists(s.PlaylistPath(id, profile))
}

// ManifestExists reports whether the master manifest has been committed
func (s *Store) ManifestExists(id models.VideoID) bool {
	return fileExists(s.ManifestPath(id))
}

// ReadManifest loads a committed master manifest
func (s *Store) ReadManifest(id models.VideoID) (*models.Manifest, error) {
	path := s.ManifestPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest for %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return &models.Manifest{VideoID: id, Path: path, Data: data}, nil
}

// StageRendition creates a private staging directory for one encode
func (s *Store) StageRendition(id models.VideoID, profile models.QualityProfile) (*Staging, error) {
	videoDir := s.VideoDir(id)
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create video directory: %w", err)
	}

	dir := filepath.Join(videoDir, stagingPrefix+profile.Name+"-"+uuid.New().String())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Staging{VideoID: id, Profile: profile, Dir: dir}, nil
}

// CommitRendition links a finished encode into place. Segments are linked
// first and the playlist last, so a visible playlist always refers to
// segments that are already present. Links never replace an existing file:
// a segment that is already present means another commit got there first,
// and the segments linked so far are removed before ErrAlreadyExists is
// returned.
func (s *Store) CommitRendition(st *Staging) error {
	defer os.RemoveAll(st.Dir)

	if s.RenditionExists(st.VideoID, st.Profile) {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, st.VideoID, st.Profile.Name)
	}

	staged := st.PlaylistPath()
	if !fileExists(staged) {
		return fmt.Errorf("encoder produced no playlist for %s/%s", st.VideoID, st.Profile.Name)
	}

	entries, err := os.ReadDir(st.Dir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}

	videoDir := s.VideoDir(st.VideoID)
	var linked []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == st.Profile.PlaylistName() {
			continue
		}
		dst := filepath.Join(videoDir, name)
		if err := os.Link(filepath.Join(st.Dir, name), dst); err != nil {
			unlinkAll(linked)
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%w: segment %s of %s/%s", ErrAlreadyExists, name, st.VideoID, st.Profile.Name)
			}
			return fmt.Errorf("failed to link segment %s: %w", name, err)
		}
		linked = append(linked, dst)
	}

	if err := os.Link(staged, s.PlaylistPath(st.VideoID, st.Profile)); err != nil {
		unlinkAll(linked)
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, st.VideoID, st.Profile.Name)
		}
		return fmt.Errorf("failed to commit playlist: %w", err)
	}

	return nil
}

func unlinkAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// Discard removes a staging directory after a failed encode
func (s *Store) Discard(st *Staging) error {
	if err := os.RemoveAll(st.Dir); err != nil {
		return fmt.Errorf("failed to discard staging directory: %w", err)
	}
	return nil
}

// WriteManifest atomically commits the master manifest. It fails with
// ErrAlreadyExists if a manifest is already present.
func (s *Store) WriteManifest(id models.VideoID, data []byte) (*models.Manifest, error) {
	videoDir := s.VideoDir(id)
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create video directory: %w", err)
	}

	tmp, err := os.CreateTemp(videoDir, manifestPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return nil, fmt.Errorf("failed to chmod manifest: %w", err)
	}

	path := s.ManifestPath(id)
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: manifest for %s", ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("failed to commit manifest: %w", err)
	}

	return &models.Manifest{VideoID: id, Path: path, Data: data}, nil
}

// FilePath resolves a servable file inside a video directory
func (s *Store) FilePath(id models.VideoID, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.VideoDir(id), name), nil
}

// Files lists the committed files of a video, sorted by name
func (s *Store) Files(id models.VideoID) ([]string, error) {
	entries, err := os.ReadDir(s.VideoDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to list video directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
