// Package framesource provides the video frames the capture loop samples.
//
// A Source must be acquired before it yields frames. Capture returns
// ErrNotReady (possibly wrapped) whenever no usable frame is available right
// now: not acquired yet, already released, or a transient device hiccup.
// Callers treat ErrNotReady as a skipped tick. Release is idempotent.
package framesource

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"fatigue-monitor/go-client/internal/config"
)

var ErrNotReady = errors.New("frame source not ready")

type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

type Source interface {
	Acquire(ctx context.Context) error
	Capture(ctx context.Context) (Frame, error)
	Release() error
}

// FromConfig builds the source selected by FRAME_SOURCE.
func FromConfig(cfg *config.Config) (Source, error) {
	switch cfg.FrameSource {
	case config.SourcePattern:
		return NewPattern(cfg.FrameWidth, cfg.FrameHeight, cfg.WarmupFrames), nil
	case config.SourceDir:
		return NewDirectory(cfg.FrameDir), nil
	case config.SourceFFmpeg:
		return NewFFmpeg(cfg.CameraDevice), nil
	default:
		return nil, errors.Errorf("unknown frame source %q", cfg.FrameSource)
	}
}
