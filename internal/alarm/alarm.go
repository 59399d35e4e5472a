// Package alarm plays the audible cue raised on a drowsiness alert.
package alarm

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"fatigue-monitor/go-client/internal/config"
)

var ErrDeviceUnavailable = errors.New("audio device unavailable")

type Player interface {
	Play(ctx context.Context) error
}

// Command plays a sound file through an external player such as aplay,
// paplay or afplay.
type Command struct {
	Player string
	Sound  string
}

func (c Command) Play(ctx context.Context) error {
	path, err := exec.LookPath(c.Player)
	if err != nil {
		return errors.Wrapf(ErrDeviceUnavailable, "player %q: %v", c.Player, err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, c.Sound)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s: %s", c.Player, c.Sound, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// Bell rings the terminal bell. Used when no sound file is configured.
type Bell struct {
	mu  sync.Mutex
	Out io.Writer
}

func (b *Bell) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Out == nil {
		return ErrDeviceUnavailable
	}
	_, err := b.Out.Write([]byte{'\a'})
	return err
}

type Nop struct{}

func (Nop) Play(context.Context) error { return nil }

func FromConfig(cfg *config.Config, out io.Writer) Player {
	if cfg.AlarmSound == "" {
		return &Bell{Out: out}
	}
	return Command{Player: cfg.AlarmPlayer, Sound: cfg.AlarmSound}
}
