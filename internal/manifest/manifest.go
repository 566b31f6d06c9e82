package manifest

import (
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// Codecs advertised for every rendition: H.264 baseline 3.0 video with AAC-LC audio
const Codecs = "avc1.42e01e,mp4a.40.2"

// Version is the HLS protocol version written to master manifests
const Version = 3

// Build renders the master manifest for a video. One stream entry is
// written per profile, in the order given, each pointing at the
// rendition playlist next to the manifest. Output depends only on the
// profiles, so equal inputs give byte-identical manifests.
func Build(id models.VideoID, profiles []models.QualityProfile) ([]byte, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no renditions to reference in manifest for %s", id)
	}

	var content strings.Builder

	content.WriteString("#EXTM3U\n")
	content.WriteString(fmt.Sprintf("#EXT-X-VERSION:%d\n", Version))

	for _, p := range profiles {
		if p.Bandwidth <= 0 || p.Width <= 0 || p.Height <= 0 {
			return nil, fmt.Errorf("profile %q has no bandwidth or resolution", p.Name)
		}
		content.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"%s\",RESOLUTION=%s\n",
			p.Bandwidth, Codecs, p.Resolution()))
		content.WriteString(p.PlaylistName() + "\n")
	}

	return []byte(content.String()), nil
}
