package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// FrameExtractor pulls one representative still image out of a video.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, video []byte) ([]byte, error)
}

// FFmpeg extracts frames by shelling out to an ffmpeg binary.
type FFmpeg struct {
	Path string
}

// ExtractFrame writes video to a temp file and asks ffmpeg's thumbnail
// filter for a single PNG frame on stdout.
func (f FFmpeg) ExtractFrame(ctx context.Context, video []byte) ([]byte, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	tmp, err := os.CreateTemp("", "channelfeed-video-*")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(video); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", tmp.Name(),
		"-vf", "thumbnail", "-frames:v", "1",
		"-f", "image2", "-c:v", "png", "pipe:1")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg: no frame produced")
	}
	return stdout.Bytes(), nil
}
