package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// diagnosticLimit bounds how much encoder stderr is kept in errors
const diagnosticLimit = 2048

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	settings    Settings
}

// Settings holds encoder parameters shared by every rendition
type Settings struct {
	VideoCodec     string
	AudioCodec     string
	Preset         string
	AudioBitrate   int
	SegmentSeconds int
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string, settings Settings) *FFmpeg {
	if settings.VideoCodec == "" {
		settings.VideoCodec = "libx264"
	}
	if settings.AudioCodec == "" {
		settings.AudioCodec = "aac"
	}
	if settings.Preset == "" {
		settings.Preset = "veryfast"
	}
	if settings.AudioBitrate <= 0 {
		settings.AudioBitrate = 128000
	}
	if settings.SegmentSeconds <= 0 {
		settings.SegmentSeconds = 10
	}

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		settings:    settings,
	}
}

// CommandError is returned when an external tool exits unsuccessfully
type CommandError struct {
	Tool   string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v, stderr: %s", e.Tool, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the tail of the tool's stderr
func (e *CommandError) Diagnostic() string {
	return e.Stderr
}

// VideoMetadata holds video metadata extracted from ffprobe
type VideoMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitRate      string `json:"bit_rate"`
	FrameRate    string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Duration parses the container duration, zero when unknown
func (m *VideoMetadata) Duration() time.Duration {
	seconds, err := strconv.ParseFloat(m.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// ProbeVideo extracts metadata from a video file
func (f *FFmpeg) ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	stdout, err := f.run(ctx, f.ffprobePath, args)
	if err != nil {
		return nil, err
	}

	var metadata VideoMetadata
	if err := json.Unmarshal(stdout, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return &metadata, nil
}

// ExtractThumbnail extracts a thumbnail from a video at a specific time
func (f *FFmpeg) ExtractThumbnail(ctx context.Context, inputPath, outputPath string, timeSeconds float64) error {
	args := []string{
		"-ss", fmt.Sprintf("%.2f", timeSeconds),
		"-i", inputPath,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	}

	if _, err := f.run(ctx, f.ffmpegPath, args); err != nil {
		return fmt.Errorf("failed to extract thumbnail: %w", err)
	}

	return nil
}

// run executes a tool and returns its stdout, wrapping failures in CommandError
func (f *FFmpeg) run(ctx context.Context, tool string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, &CommandError{
			Tool:   tool,
			Err:    err,
			Stderr: tail(stderr.String(), diagnosticLimit),
		}
	}

	return stdout.Bytes(), nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
