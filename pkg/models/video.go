package models

import (
	"errors"
	"path/filepath"
	"strings"
)

// ManifestStem is the base name of the master manifest inside a video's directory
const ManifestStem = "master"

// ManifestFilename is the fixed master manifest file name
const ManifestFilename = ManifestStem + ".m3u8"

// ErrInvalidVideoID is returned for identities that cannot name a cache directory
var ErrInvalidVideoID = errors.New("invalid video identity")

// VideoID identifies a source video independent of its container extension.
// Two sources sharing a base name map to the same VideoID.
type VideoID string

// ParseVideoID validates a raw identity taken from a URL or a file name stem
func ParseVideoID(raw string) (VideoID, error) {
	if raw == "" || raw == "." || raw == ".." {
		return "", ErrInvalidVideoID
	}
	if strings.HasPrefix(raw, ".") {
		return "", ErrInvalidVideoID
	}
	if strings.ContainsAny(raw, `/\`) || strings.ContainsRune(raw, 0) {
		return "", ErrInvalidVideoID
	}
	return VideoID(raw), nil
}

// VideoIDFromFilename derives the identity of a source file from its base name
func VideoIDFromFilename(filename string) (VideoID, error) {
	base := filepath.Base(filename)
	return ParseVideoID(strings.TrimSuffix(base, filepath.Ext(base)))
}

// String implements fmt.Stringer
func (id VideoID) String() string {
	return string(id)
}

// SourceVideo is a source file known to the catalog
type SourceVideo struct {
	ID       VideoID `json:"id"`
	Filename string  `json:"name"`
	Path     string  `json:"-"`
	Size     int64   `json:"size"`
}

// VideoListing is one entry of the public video listing
type VideoListing struct {
	Name         string          `json:"name"`
	ID           VideoID         `json:"id"`
	Status       PackagingStatus `json:"status"`
	WatchURL     string          `json:"watchUrl"`
	StreamURL    string          `json:"streamUrl"`
	ThumbnailURL string          `json:"thumbnailUrl"`
}

// PlaybackInfo is everything a player needs to start an adaptive session
type PlaybackInfo struct {
	VideoID      VideoID          `json:"video_id"`
	StreamURL    string           `json:"stream_url"`
	PlaybackType string           `json:"playback_type"`
	MimeType     string           `json:"mime_type"`
	Renditions   []QualityProfile `json:"renditions"`
}

// Playback type and MIME constants
const (
	PlaybackTypeHLS = "hls"
	MimeTypeHLS     = "application/vnd.apple.mpegurl"
)
