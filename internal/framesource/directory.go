package framesource

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Directory replays the still images of a directory in name order, looping
// forever. Useful for demos and for feeding recorded footage to an analyzer.
type Directory struct {
	dir string

	mu    sync.Mutex
	files []string
	next  int
	seq   uint64
}

func NewDirectory(dir string) *Directory {
	return &Directory{dir: dir}
}

func (d *Directory) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return errors.Wrapf(err, "read frame dir %s", d.dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(d.dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return errors.Errorf("no jpeg or png frames in %s", d.dir)
	}
	sort.Strings(files)

	d.mu.Lock()
	d.files = files
	d.next = 0
	d.seq = 0
	d.mu.Unlock()
	return nil
}

func (d *Directory) Capture(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	if len(d.files) == 0 {
		d.mu.Unlock()
		return Frame{}, ErrNotReady
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return Frame{}, errors.Wrapf(ErrNotReady, "open %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return Frame{}, errors.Wrapf(ErrNotReady, "decode %s: %v", path, err)
	}
	return Frame{Image: img, Seq: seq, CapturedAt: time.Now()}, nil
}

func (d *Directory) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = nil
	return nil
}
