// Package media turns uploaded clips into the still frames a vision model
// can look at.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRate = "2"

	MinFrames = 1
	MaxFrames = 64
	MinWidth  = 256
	MaxWidth  = 1920

	// FrameMediaType is the MIME type of every Frame produced by Sampler.
	FrameMediaType = "image/jpeg"

	framePattern = "f_%03d.jpg"
)

var (
	// ErrExtraction is returned when ffmpeg fails to produce frames.
	ErrExtraction = errors.New("frame extraction failed")
	// ErrNoFrames is returned when ffmpeg succeeds but writes no images.
	// It matches ErrExtraction with errors.Is.
	ErrNoFrames = fmt.Errorf("%w: no frames extracted", ErrExtraction)
	// ErrInvalidRate is returned for a sampling rate that is not a positive number.
	ErrInvalidRate = errors.New("invalid sampling rate")
)

// SampleConfig controls one sampling pass.
type SampleConfig struct {
	// Rate is frames per second as ffmpeg's fps filter accepts it ("2", "0.5").
	Rate      string
	MaxFrames int
	Width     int
}

// Normalized applies the default rate and clamps MaxFrames into [1, 64] and
// Width into [256, 1920]. A requested width below 256 is raised to 256 rather
// than rejected, and a zero or negative width means 256.
func (c SampleConfig) Normalized() SampleConfig {
	if strings.TrimSpace(c.Rate) == "" {
		c.Rate = DefaultRate
	}
	c.Rate = strings.TrimSpace(c.Rate)
	c.MaxFrames = clamp(c.MaxFrames, MinFrames, MaxFrames)
	c.Width = clamp(c.Width, MinWidth, MaxWidth)
	return c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Frame is one JPEG still. Index is its position in timestamp order.
type Frame struct {
	Index int
	Data  []byte
}

// Sampler extracts frames with the ffmpeg CLI.
type Sampler struct {
	ffmpegPath string
	tempDir    string
}

// NewSampler creates a Sampler. An empty ffmpegPath means "ffmpeg" on PATH;
// an empty tempDir means os.TempDir().
func NewSampler(ffmpegPath, tempDir string) *Sampler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Sampler{ffmpegPath: ffmpegPath, tempDir: tempDir}
}

// Sample extracts up to cfg.MaxFrames frames from videoPath at cfg.Rate,
// scaled to at most cfg.Width pixels wide. Frames are never upscaled and keep
// their aspect ratio. Scratch files are removed before Sample returns.
func (s *Sampler) Sample(ctx context.Context, videoPath string, cfg SampleConfig) ([]Frame, error) {
	cfg = cfg.Normalized()
	if r, err := strconv.ParseFloat(cfg.Rate, 64); err != nil || r <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRate, cfg.Rate)
	}

	dir, err := os.MkdirTemp(s.tempDir, "frames_*")
	if err != nil {
		return nil, fmt.Errorf("%w: create frame dir: %v", ErrExtraction, err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%s,scale='min(%d,iw)':-2", cfg.Rate, cfg.Width),
		"-frames:v", strconv.Itoa(cfg.MaxFrames),
		filepath.Join(dir, framePattern),
	}
	if err := s.runFFmpeg(ctx, args); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	return readFrames(dir)
}

func readFrames(dir string) ([]Frame, error) {
	names, err := filepath.Glob(filepath.Join(dir, "f_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("%w: list frames: %v", ErrExtraction, err)
	}
	if len(names) == 0 {
		return nil, ErrNoFrames
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(name) // #nosec G304 - name comes from our own scratch dir
		if err != nil {
			return nil, fmt.Errorf("%w: read frame: %v", ErrExtraction, err)
		}
		frames = append(frames, Frame{Index: i, Data: data})
	}
	return frames, nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (s *Sampler) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	cmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
