package framesource

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Pattern is a synthetic camera: a gradient with a moving bar and the capture
// time stamped in the corner. The first warmup captures return an empty
// image, the same way a real camera reports 0x0 until its stream starts.
type Pattern struct {
	width  int
	height int
	warmup int

	mu       sync.Mutex
	acquired bool
	seq      uint64
	now      func() time.Time
}

func NewPattern(width, height, warmup int) *Pattern {
	if warmup < 0 {
		warmup = 0
	}
	return &Pattern{
		width:  width,
		height: height,
		warmup: warmup,
		now:    time.Now,
	}
}

func (p *Pattern) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = true
	p.seq = 0
	return nil
}

func (p *Pattern) Capture(ctx context.Context) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.acquired {
		return Frame{}, ErrNotReady
	}
	p.seq++
	now := p.now()

	if p.seq <= uint64(p.warmup) {
		return Frame{Image: image.NewRGBA(image.Rect(0, 0, 0, 0)), Seq: p.seq, CapturedAt: now}, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	bar := 0
	if p.width > 0 {
		bar = int(p.seq*16) % p.width
	}
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / max(p.width, 1)),
				G: uint8(y * 255 / max(p.height, 1)),
				B: 96,
				A: 255,
			}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, 14),
	}
	d.DrawString(now.Format("15:04:05.000"))

	return Frame{Image: img, Seq: p.seq, CapturedAt: now}, nil
}

func (p *Pattern) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = false
	return nil
}
