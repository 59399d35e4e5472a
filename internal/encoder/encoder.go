package encoder

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"

	"fatigue-monitor/go-client/internal/framesource"
	"fatigue-monitor/go-client/internal/models"
)

// ErrEncodingUnavailable means the frame cannot be encoded yet, usually a
// camera that still reports 0x0 while warming up. Callers skip the tick.
var ErrEncodingUnavailable = errors.New("encoding unavailable")

const DefaultQuality = 80

// Encoder turns raw frames into JPEG payloads. Safe for concurrent use.
type Encoder struct {
	quality int
}

func New(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{quality: quality}
}

func (e *Encoder) Encode(frame framesource.Frame, driverID int) (models.FramePayload, error) {
	if frame.Image == nil {
		return models.FramePayload{}, errors.Wrap(ErrEncodingUnavailable, "nil image")
	}
	b := frame.Image.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return models.FramePayload{}, errors.Wrapf(ErrEncodingUnavailable, "frame is %dx%d", b.Dx(), b.Dy())
	}

	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy() / 4)
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		return models.FramePayload{}, errors.Wrap(err, "jpeg encode")
	}

	return models.FramePayload{
		Bytes:    buf.Bytes(),
		MIMEType: models.MIMETypeJPEG,
		DriverID: driverID,
	}, nil
}

// Dimensions is a small helper for logging.
func Dimensions(img image.Image) (int, int) {
	if img == nil {
		return 0, 0
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}
