package preprocess

import (
	"encoding/binary"
	"fmt"
	"image"
	"runtime"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

const (
	DefaultClipLimit    = 2.0
	DefaultTileGridSize = 8
)

// Preprocessor turns a RawImage into the (1, 512, 512, 1) model input.
// It holds only immutable options and may be shared between goroutines.
type Preprocessor struct {
	ClipLimit    float64
	TileGridSize int
}

func New(clipLimit float64, tileGridSize int) *Preprocessor {
	if clipLimit <= 0 {
		clipLimit = DefaultClipLimit
	}
	if tileGridSize <= 0 {
		tileGridSize = DefaultTileGridSize
	}
	return &Preprocessor{
		ClipLimit:    clipLimit,
		TileGridSize: tileGridSize,
	}
}

// Preprocess converts to gray, stretches to 512x512, applies CLAHE and
// scales by the maximum sample value of the source bit depth.
func (p *Preprocessor) Preprocess(raw xray.RawImage) (xray.Tensor, error) {
	if err := raw.Validate(); err != nil {
		return xray.Tensor{}, err
	}

	src, err := toMat(raw)
	if err != nil {
		return xray.Tensor{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if raw.Channels == 3 {
		gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)
	} else {
		src.CopyTo(&gray)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Pt(xray.TargetSize, xray.TargetSize), 0, 0, gocv.InterpolationArea)

	clahe := gocv.NewCLAHEWithParams(p.ClipLimit, image.Pt(p.TileGridSize, p.TileGridSize))
	defer clahe.Close()

	equalized := gocv.NewMat()
	defer equalized.Close()
	clahe.Apply(resized, &equalized)

	samples := samplesFromBytes(equalized.ToBytes(), raw.BitDepth)
	if len(samples) != xray.TargetSize*xray.TargetSize {
		return xray.Tensor{}, fmt.Errorf("%w: equalized image has %d samples", xray.ErrShapeMismatch, len(samples))
	}

	divisor := raw.BitDepth.MaxValue()
	data := make([]float32, len(samples))
	for i, v := range samples {
		f := float32(v) / divisor
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		data[i] = f
	}

	return xray.Tensor{
		Shape: []int64{1, xray.TargetSize, xray.TargetSize, 1},
		Data:  data,
	}, nil
}

// Grayscale converts an RGB image with the OpenCV luminance weights.
// Single-channel images are returned unchanged.
func Grayscale(raw xray.RawImage) (xray.RawImage, error) {
	if err := raw.Validate(); err != nil {
		return xray.RawImage{}, err
	}
	if raw.Channels == 1 {
		return raw, nil
	}

	src, err := toMat(raw)
	if err != nil {
		return xray.RawImage{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)

	return fromMat(gray, raw.BitDepth), nil
}

// Resize stretches raw to width x height with area interpolation.
func Resize(raw xray.RawImage, width, height int) (xray.RawImage, error) {
	if err := raw.Validate(); err != nil {
		return xray.RawImage{}, err
	}
	if width <= 0 || height <= 0 {
		return xray.RawImage{}, fmt.Errorf("%w: target %dx%d", xray.ErrEmptyImage, width, height)
	}

	src, err := toMat(raw)
	if err != nil {
		return xray.RawImage{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationArea)

	return fromMat(dst, raw.BitDepth), nil
}

func toMat(raw xray.RawImage) (gocv.Mat, error) {
	var mt gocv.MatType
	var buf []byte

	switch raw.BitDepth {
	case xray.BitDepth8:
		mt = gocv.MatTypeCV8UC1
		if raw.Channels == 3 {
			mt = gocv.MatTypeCV8UC3
		}
		buf = make([]byte, len(raw.Pix))
		for i, v := range raw.Pix {
			buf[i] = uint8(v)
		}
	case xray.BitDepth16:
		mt = gocv.MatTypeCV16UC1
		if raw.Channels == 3 {
			mt = gocv.MatTypeCV16UC3
		}
		buf = make([]byte, 2*len(raw.Pix))
		for i, v := range raw.Pix {
			binary.NativeEndian.PutUint16(buf[2*i:], v)
		}
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported bit depth %d", raw.BitDepth)
	}

	view, err := gocv.NewMatFromBytes(raw.Height, raw.Width, mt, buf)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to create mat: %w", err)
	}
	defer view.Close()

	// The view borrows buf; clone so the mat owns its pixels.
	mat := view.Clone()
	runtime.KeepAlive(buf)
	return mat, nil
}

func fromMat(m gocv.Mat, depth xray.BitDepth) xray.RawImage {
	return xray.RawImage{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Channels: m.Channels(),
		BitDepth: depth,
		Pix:      samplesFromBytes(m.ToBytes(), depth),
	}
}

func samplesFromBytes(b []byte, depth xray.BitDepth) []uint16 {
	if depth == xray.BitDepth16 {
		out := make([]uint16, len(b)/2)
		for i := range out {
			out[i] = binary.NativeEndian.Uint16(b[2*i:])
		}
		return out
	}
	out := make([]uint16, len(b))
	for i, v := range b {
		out[i] = uint16(v)
	}
	return out
}
