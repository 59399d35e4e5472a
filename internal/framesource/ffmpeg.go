package framesource

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FFmpeg grabs single frames from a V4L2 camera by shelling out to ffmpeg.
// One process per capture keeps the device free between ticks, which is
// plenty for a two-second cadence.
type FFmpeg struct {
	device string
	binary string

	mu       sync.Mutex
	path     string
	acquired bool
	seq      uint64
}

func NewFFmpeg(device string) *FFmpeg {
	return &FFmpeg{device: device, binary: "ffmpeg"}
}

func (f *FFmpeg) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := exec.LookPath(f.binary)
	if err != nil {
		return errors.Wrap(err, "ffmpeg not found")
	}
	if _, err := os.Stat(f.device); err != nil {
		return errors.Wrapf(err, "camera device %s", f.device)
	}

	f.mu.Lock()
	f.path = path
	f.acquired = true
	f.mu.Unlock()
	return nil
}

func (f *FFmpeg) Capture(ctx context.Context) (Frame, error) {
	f.mu.Lock()
	if !f.acquired {
		f.mu.Unlock()
		return Frame{}, ErrNotReady
	}
	path := f.path
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path,
		"-loglevel", "error",
		"-f", "v4l2",
		"-i", f.device,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Frame{}, errors.Wrapf(ErrNotReady, "ffmpeg: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return Frame{}, errors.Wrapf(ErrNotReady, "decode camera frame: %v", err)
	}
	return Frame{Image: img, Seq: seq, CapturedAt: time.Now()}, nil
}

func (f *FFmpeg) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = false
	return nil
}
