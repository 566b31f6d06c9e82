package transcoder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

// RenditionJob describes one single-profile HLS encode
type RenditionJob struct {
	InputPath      string
	Profile        models.QualityProfile
	PlaylistPath   string
	SegmentPattern string
}

// minVideoBitrate keeps tiny profiles from producing a negative video budget
const minVideoBitrate = 64000

// RenditionArgs builds the ffmpeg arguments for one rendition. The profile
// bandwidth covers audio and video, so the video budget is what is left
// after the audio bitrate.
func (f *FFmpeg) RenditionArgs(job RenditionJob) []string {
	s := f.settings

	videoBitrate := job.Profile.Bandwidth - int64(s.AudioBitrate)
	if videoBitrate < minVideoBitrate {
		videoBitrate = minVideoBitrate
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", job.InputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", s.VideoCodec,
	}

	// Baseline 3.0 matches the codecs advertised in the master manifest
	if s.VideoCodec == "libx264" {
		args = append(args, "-profile:v", "baseline", "-level", "3.0")
	}

	args = append(args,
		"-preset", s.Preset,
		"-s", job.Profile.Resolution(),
		"-b:v", strconv.FormatInt(videoBitrate, 10),
		"-maxrate", strconv.FormatInt(videoBitrate, 10),
		"-bufsize", strconv.FormatInt(videoBitrate*2, 10),
		// Keyframes on segment boundaries keep renditions switchable
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", s.SegmentSeconds),
		"-sc_threshold", "0",
		"-c:a", s.AudioCodec,
		"-b:a", strconv.Itoa(s.AudioBitrate),
		"-ac", "2",
		"-f", "hls",
		"-start_number", "0",
		"-hls_time", strconv.Itoa(s.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", job.SegmentPattern,
		job.PlaylistPath,
	)

	return args
}

// EncodeRendition runs ffmpeg for one rendition. The caller bounds the run
// through ctx; a failure carries the tail of ffmpeg's stderr.
func (f *FFmpeg) EncodeRendition(ctx context.Context, job RenditionJob) error {
	if job.InputPath == "" || job.PlaylistPath == "" || job.SegmentPattern == "" {
		return fmt.Errorf("rendition job for %q is missing paths", job.Profile.Name)
	}

	if _, err := f.run(ctx, f.ffmpegPath, f.RenditionArgs(job)); err != nil {
		return err
	}

	return nil
}
