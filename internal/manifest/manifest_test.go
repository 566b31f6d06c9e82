package manifest

import (
	"strings"
	"testing"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

func TestBuild(t *testing.T) {
	data, err := Build("demo", models.DefaultProfiles())
	require.NoError(t, err)

	expected := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS=\"avc1.42e01e,mp4a.40.2\",RESOLUTION=640x360\n" +
		"360p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1400000,CODECS=\"avc1.42e01e,mp4a.40.2\",RESOLUTION=854x480\n" +
		"480p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,CODECS=\"avc1.42e01e,mp4a.40.2\",RESOLUTION=1280x720\n" +
		"720p.m3u8\n"

	assert.Equal(t, expected, string(data))
}

func TestBuildIsDeterministic(t *testing.T) {
	first, err := Build("demo", models.DefaultProfiles())
	require.NoError(t, err)
	second, err := Build("demo", models.DefaultProfiles())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildKeepsProfileOrder(t *testing.T) {
	profiles := []models.QualityProfile{models.Profile720p, models.Profile360p}

	data, err := Build("demo", profiles)
	require.NoError(t, err)

	text := string(data)
	assert.Less(t, strings.Index(text, "720p.m3u8"), strings.Index(text, "360p.m3u8"))
	assert.Equal(t, 2, strings.Count(text, "#EXT-X-STREAM-INF"))
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	_, err := Build("demo", nil)
	assert.Error(t, err)

	_, err = Build("demo", []models.QualityProfile{{Name: "bad"}})
	assert.Error(t, err)
}

func TestBuildParsesAsMultivariant(t *testing.T) {
	data, err := Build("demo", models.DefaultProfiles())
	require.NoError(t, err)

	pl, err := playlist.Unmarshal(data)
	require.NoError(t, err)

	mv, ok := pl.(*playlist.Multivariant)
	require.True(t, ok, "expected a multivariant playlist, got %T", pl)
	require.Len(t, mv.Variants, 3)

	assert.Equal(t, "360p.m3u8", mv.Variants[0].URI)
	assert.EqualValues(t, 800000, mv.Variants[0].Bandwidth)
	assert.Equal(t, "1280x720", mv.Variants[2].Resolution)
}
