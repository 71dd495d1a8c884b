package media_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
}

// skipIfNoShell skips tests that rely on a fake ffmpeg script.
func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}
}

// createTestVideo renders a synthetic clip with ffmpeg's lavfi test source.
func createTestVideo(t *testing.T, path string, width, height int, seconds float64) {
	t.Helper()
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("testsrc=size=%dx%d:rate=10:duration=%.1f", width, height, seconds),
		"-c:v", "mpeg4",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
}

// fakeFFmpeg writes an executable script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be removed")
}

func TestSampleConfig_Normalized(t *testing.T) {
	cases := []struct {
		name string
		in   media.SampleConfig
		want media.SampleConfig
	}{
		{"defaults", media.SampleConfig{}, media.SampleConfig{Rate: "2", MaxFrames: 1, Width: 256}},
		{"in range", media.SampleConfig{Rate: "4", MaxFrames: 16, Width: 896}, media.SampleConfig{Rate: "4", MaxFrames: 16, Width: 896}},
		{"too large", media.SampleConfig{Rate: "1", MaxFrames: 500, Width: 4000}, media.SampleConfig{Rate: "1", MaxFrames: 64, Width: 1920}},
		{"negative", media.SampleConfig{Rate: " 3 ", MaxFrames: -2, Width: -1}, media.SampleConfig{Rate: "3", MaxFrames: 1, Width: 256}},
		{"narrow width raised", media.SampleConfig{Rate: "2", MaxFrames: 8, Width: 100}, media.SampleConfig{Rate: "2", MaxFrames: 8, Width: 256}},
		{"bounds kept", media.SampleConfig{Rate: "2", MaxFrames: 64, Width: 256}, media.SampleConfig{Rate: "2", MaxFrames: 64, Width: 256}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.in.Normalized())
		})
	}
}

func TestErrNoFrames_IsExtraction(t *testing.T) {
	assert.ErrorIs(t, media.ErrNoFrames, media.ErrExtraction)
}

func TestSample_InvalidRate(t *testing.T) {
	s := media.NewSampler("ffmpeg", t.TempDir())

	_, err := s.Sample(context.Background(), "clip.mp4", media.SampleConfig{Rate: "fast", MaxFrames: 8, Width: 640})
	assert.ErrorIs(t, err, media.ErrInvalidRate)
}

func TestSample_FFmpegFailure(t *testing.T) {
	skipIfNoShell(t)
	scratch := t.TempDir()
	bin := fakeFFmpeg(t, `echo "moov atom not found" >&2; exit 1`)
	s := media.NewSampler(bin, scratch)

	_, err := s.Sample(context.Background(), "broken.mp4", media.SampleConfig{MaxFrames: 8, Width: 640})
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrExtraction)
	assert.False(t, errors.Is(err, media.ErrNoFrames))

	var ffErr *media.FFmpegError
	require.True(t, errors.As(err, &ffErr))
	assert.Equal(t, "moov atom not found", ffErr.Stderr)
	assert.Contains(t, ffErr.Args, "broken.mp4")
	assertEmptyDir(t, scratch)
}

func TestSample_NoFrames(t *testing.T) {
	skipIfNoShell(t)
	scratch := t.TempDir()
	s := media.NewSampler(fakeFFmpeg(t, "exit 0"), scratch)

	frames, err := s.Sample(context.Background(), "silent.mp4", media.SampleConfig{MaxFrames: 8, Width: 640})
	assert.ErrorIs(t, err, media.ErrNoFrames)
	assert.Nil(t, frames)
	assertEmptyDir(t, scratch)
}

func TestSample_PassesClampedArguments(t *testing.T) {
	skipIfNoShell(t)
	scratch := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")
	// Record the arguments, then emit one frame at the requested output pattern.
	body := fmt.Sprintf(`printf '%%s\n' "$@" > %q
for last; do :; done
printf 'jpeg' > "$(dirname "$last")/f_001.jpg"`, argsFile)
	s := media.NewSampler(fakeFFmpeg(t, body), scratch)

	frames, err := s.Sample(context.Background(), "clip.mp4", media.SampleConfig{Rate: "4", MaxFrames: 100, Width: 5000})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("jpeg"), frames[0].Data)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := string(raw)
	assert.Contains(t, args, "fps=4,scale='min(1920,iw)':-2")
	assert.Contains(t, args, "-frames:v\n64\n")
	assertEmptyDir(t, scratch)
}

func TestSample_CancelledContext(t *testing.T) {
	skipIfNoShell(t)
	scratch := t.TempDir()
	s := media.NewSampler(fakeFFmpeg(t, "exec sleep 5"), scratch)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Sample(ctx, "clip.mp4", media.SampleConfig{MaxFrames: 8, Width: 640})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
	assertEmptyDir(t, scratch)
}

func TestSample_RealVideo(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	createTestVideo(t, video, 320, 240, 3)

	scratch := t.TempDir()
	s := media.NewSampler("", scratch)

	frames, err := s.Sample(context.Background(), video, media.SampleConfig{Rate: "2", MaxFrames: 4, Width: 640})
	require.NoError(t, err)
	require.Len(t, frames, 4)

	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.True(t, bytes.HasPrefix(f.Data, []byte{0xFF, 0xD8}), "frame %d is not a JPEG", i)

		// 320px source is never upscaled to 640.
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data))
		require.NoError(t, err)
		assert.Equal(t, 320, cfg.Width)
		assert.Equal(t, 240, cfg.Height)
	}
	assertEmptyDir(t, scratch)
}

func TestSample_RealVideoDownscales(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	video := filepath.Join(dir, "wide.mp4")
	createTestVideo(t, video, 640, 360, 1)

	s := media.NewSampler("ffmpeg", t.TempDir())

	frames, err := s.Sample(context.Background(), video, media.SampleConfig{Rate: "2", MaxFrames: 8, Width: 256})
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frames[0].Data))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 144, cfg.Height)
}

func TestSample_MissingInput(t *testing.T) {
	skipIfNoFFmpeg(t)
	s := media.NewSampler("ffmpeg", t.TempDir())

	_, err := s.Sample(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), media.SampleConfig{MaxFrames: 8, Width: 640})
	assert.ErrorIs(t, err, media.ErrExtraction)

	var ffErr *media.FFmpegError
	assert.True(t, errors.As(err, &ffErr))
}
