package xray

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var (
	ErrUnsupportedChannelCount = errors.New("unsupported channel count")
	ErrEmptyImage              = errors.New("empty image")
	ErrLayerNotFound           = errors.New("layer not found")
	ErrShapeMismatch           = errors.New("shape mismatch")
)

// TargetSize is the fixed spatial size of the model input.
const TargetSize = 512

// BitDepth records the sample depth of the source image.
type BitDepth int

const (
	BitDepth8  BitDepth = 8
	BitDepth16 BitDepth = 16
)

// MaxValue returns the largest representable sample for the depth.
func (d BitDepth) MaxValue() float32 {
	switch d {
	case BitDepth8:
		return 255
	case BitDepth16:
		return 65535
	}
	return 0
}

func (d BitDepth) Valid() bool {
	return d == BitDepth8 || d == BitDepth16
}

// RawImage holds pixel samples in row-major order with interleaved channels.
type RawImage struct {
	Width    int
	Height   int
	Channels int
	BitDepth BitDepth
	Pix      []uint16
}

func (r RawImage) Validate() error {
	if r.Width <= 0 || r.Height <= 0 || len(r.Pix) == 0 {
		return fmt.Errorf("%w: %dx%d", ErrEmptyImage, r.Width, r.Height)
	}
	if r.Channels != 1 && r.Channels != 3 {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, r.Channels)
	}
	if !r.BitDepth.Valid() {
		return fmt.Errorf("unsupported bit depth %d", r.BitDepth)
	}
	if want := r.Width * r.Height * r.Channels; len(r.Pix) != want {
		return fmt.Errorf("%w: pixel buffer has %d samples, expected %d", ErrShapeMismatch, len(r.Pix), want)
	}
	if r.BitDepth == BitDepth8 {
		for _, v := range r.Pix {
			if v > 255 {
				return fmt.Errorf("sample %d exceeds 8-bit range", v)
			}
		}
	}
	return nil
}

// At returns the sample of channel c at (x, y).
func (r RawImage) At(x, y, c int) uint16 {
	return r.Pix[(y*r.Width+x)*r.Channels+c]
}

// ToRGBA renders the image as 8-bit RGBA, replicating gray samples and
// scaling 16-bit samples down.
func (r RawImage) ToRGBA() (*image.RGBA, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			var c color.RGBA
			if r.Channels == 1 {
				v := r.sample8(x, y, 0)
				c = color.RGBA{R: v, G: v, B: v, A: 255}
			} else {
				c = color.RGBA{R: r.sample8(x, y, 0), G: r.sample8(x, y, 1), B: r.sample8(x, y, 2), A: 255}
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out, nil
}

func (r RawImage) sample8(x, y, c int) uint8 {
	v := r.At(x, y, c)
	if r.BitDepth == BitDepth16 {
		return uint8((uint32(v)*255 + 32767) / 65535)
	}
	return uint8(v)
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Size returns the number of elements implied by the shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// SameShape reports whether t has exactly the given shape.
func (t Tensor) SameShape(shape []int64) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// FeatureMap is a convolutional layer output (or its gradient) in HWC order.
type FeatureMap struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

type (
	ActivationMap = FeatureMap
	GradientMap   = FeatureMap
)

func (f FeatureMap) At(y, x, c int) float32 {
	return f.Data[(y*f.Width+x)*f.Channels+c]
}

// ImportanceMap is a Grad-CAM map with values in [0,1].
type ImportanceMap struct {
	Height int
	Width  int
	Data   []float64
}

func (m ImportanceMap) At(y, x int) float64 {
	return m.Data[y*m.Width+x]
}

type PredictionResult struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
	ClassIndex  int     `json:"class_index"`
}
