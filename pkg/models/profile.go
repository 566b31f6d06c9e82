package models

import (
	"fmt"
	"strings"
)

// QualityProfile describes one target rendition of the ABR ladder
type QualityProfile struct {
	Name      string `json:"name" mapstructure:"name"`
	Width     int    `json:"width" mapstructure:"width"`
	Height    int    `json:"height" mapstructure:"height"`
	Bandwidth int64  `json:"bandwidth" mapstructure:"bandwidth"`
}

// Resolution returns the WIDTHxHEIGHT form used by ffmpeg and HLS
func (p QualityProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// PlaylistName is the per-quality playlist file name
func (p QualityProfile) PlaylistName() string {
	return p.Name + ".m3u8"
}

// SegmentPattern is the ffmpeg segment filename template for this profile
func (p QualityProfile) SegmentPattern() string {
	return p.Name + "_%03d.ts"
}

// Standard ladder served when no profiles are configured
var (
	Profile360p = QualityProfile{
		Name:      "360p",
		Width:     640,
		Height:    360,
		Bandwidth: 800000, // 800 kbps
	}

	Profile480p = QualityProfile{
		Name:      "480p",
		Width:     854,
		Height:    480,
		Bandwidth: 1400000, // 1.4 Mbps
	}

	Profile720p = QualityProfile{
		Name:      "720p",
		Width:     1280,
		Height:    720,
		Bandwidth: 2800000, // 2.8 Mbps
	}
)

// DefaultProfiles returns the standard ladder in display order
func DefaultProfiles() []QualityProfile {
	return []QualityProfile{
		Profile360p,
		Profile480p,
		Profile720p,
	}
}

// ValidateProfiles checks that a profile table is usable for packaging.
// Names become file stems on disk, so they are restricted to a safe alphabet.
func ValidateProfiles(profiles []QualityProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("no quality profiles configured")
	}

	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		if p.Name == "" {
			return fmt.Errorf("profile %d: name is required", i)
		}
		if !isSafeName(p.Name) {
			return fmt.Errorf("profile %q: name may only contain letters, digits, '-' and '_'", p.Name)
		}
		if strings.EqualFold(p.Name, ManifestStem) {
			return fmt.Errorf("profile %q: name is reserved for the master manifest", p.Name)
		}
		// lookups ignore case, so names differing only in case collide
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("profile %q: duplicate name", p.Name)
		}
		seen[key] = true

		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("profile %q: invalid resolution %dx%d", p.Name, p.Width, p.Height)
		}
		if p.Bandwidth <= 0 {
			return fmt.Errorf("profile %q: bandwidth must be positive", p.Name)
		}
	}

	return nil
}

// FindProfile returns the profile with the given name
func FindProfile(profiles []QualityProfile, name string) (QualityProfile, bool) {
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return QualityProfile{}, false
}

func isSafeName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
