package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

var (
	// ErrSourceNotFound means no source file carries the requested identity
	ErrSourceNotFound = errors.New("source video not found")
	// ErrAmbiguousSource means several source files share one identity under the reject policy
	ErrAmbiguousSource = errors.New("ambiguous source video")
	// ErrInvalidIdentity is returned for identities that cannot name a video
	ErrInvalidIdentity = models.ErrInvalidVideoID
)

// Policy decides what happens when two source files share a base name
type Policy string

// Collision policies
const (
	PolicyReject Policy = "reject"
	PolicyPrefer Policy = "prefer"
)

// Catalog lists source videos from a directory
type Catalog struct {
	dir        string
	extensions []string
	policy     Policy
}

// NewCatalog creates a catalog over dir accepting the given extensions.
// Extension order is the preference order used by PolicyPrefer.
func NewCatalog(dir string, extensions []string, policy Policy) (*Catalog, error) {
	if dir == "" {
		return nil, fmt.Errorf("source directory is required")
	}
	if len(extensions) == 0 {
		return nil, fmt.Errorf("at least one source extension is required")
	}

	switch policy {
	case PolicyReject, PolicyPrefer:
	case "":
		policy = PolicyReject
	default:
		return nil, fmt.Errorf("unknown collision policy %q", policy)
	}

	exts := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[i] = ext
	}

	return &Catalog{dir: dir, extensions: exts, policy: policy}, nil
}

// Dir returns the source directory
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns every source file with an accepted extension, sorted by file name.
// Files whose stem is not a valid identity are skipped.
func (c *Catalog) List() ([]models.SourceVideo, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	videos := make([]models.SourceVideo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || c.rank(entry.Name()) < 0 {
			continue
		}

		id, err := models.VideoIDFromFilename(entry.Name())
		if err != nil {
			continue
		}

		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}

		videos = append(videos, models.SourceVideo{
			ID:       id,
			Filename: entry.Name(),
			Path:     filepath.Join(c.dir, entry.Name()),
			Size:     size,
		})
	}

	sort.Slice(videos, func(i, j int) bool {
		return videos[i].Filename < videos[j].Filename
	})

	return videos, nil
}

// Lookup resolves an identity to exactly one source file
func (c *Catalog) Lookup(id models.VideoID) (models.SourceVideo, error) {
	if _, err := models.ParseVideoID(string(id)); err != nil {
		return models.SourceVideo{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}

	videos, err := c.List()
	if err != nil {
		return models.SourceVideo{}, err
	}

	var matches []models.SourceVideo
	for _, v := range videos {
		if v.ID == id {
			matches = append(matches, v)
		}
	}

	switch {
	case len(matches) == 0:
		return models.SourceVideo{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	case len(matches) == 1:
		return matches[0], nil
	case c.policy == PolicyReject:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Filename
		}
		return models.SourceVideo{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguousSource, id, strings.Join(names, ", "))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return c.rank(matches[i].Filename) < c.rank(matches[j].Filename)
	})
	return matches[0], nil
}

// Exists reports whether id resolves to a source file
func (c *Catalog) Exists(id models.VideoID) bool {
	_, err := c.Lookup(id)
	return err == nil
}

// rank is the position of the file's extension in the accepted list, or -1
func (c *Catalog) rank(filename string) int {
	ext := strings.ToLower(filepath.Ext(filename))
	for i, accepted := range c.extensions {
		if ext == accepted {
			return i
		}
	}
	return -1
}
