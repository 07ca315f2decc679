package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"strings"

	"github.com/nfnt/resize"
	"gocv.io/x/gocv"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

const DefaultAlpha = 0.4

var colormaps = map[string]gocv.ColormapTypes{
	"jet":     gocv.ColormapJet,
	"hot":     gocv.ColormapHot,
	"bone":    gocv.ColormapBone,
	"rainbow": gocv.ColormapRainbow,
	"ocean":   gocv.ColormapOcean,
}

// ParseColormap maps a config name onto an OpenCV colormap.
func ParseColormap(name string) (gocv.ColormapTypes, error) {
	if name == "" {
		return gocv.ColormapJet, nil
	}
	cm, ok := colormaps[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown colormap %q", name)
	}
	return cm, nil
}

// Compositor blends a colorized importance map over the original image.
type Compositor struct {
	Alpha    float64
	Colormap gocv.ColormapTypes
}

func New(alpha float64, colormap string) (*Compositor, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("overlay alpha %v outside [0,1]", alpha)
	}
	cm, err := ParseColormap(colormap)
	if err != nil {
		return nil, err
	}
	return &Compositor{Alpha: alpha, Colormap: cm}, nil
}

// Default uses DefaultAlpha and the jet colormap.
func Default() *Compositor {
	return &Compositor{Alpha: DefaultAlpha, Colormap: gocv.ColormapJet}
}

// Overlay returns an RGB image the size of original.
func (c *Compositor) Overlay(original xray.RawImage, importance xray.ImportanceMap) (*image.RGBA, error) {
	base, err := original.ToRGBA()
	if err != nil {
		return nil, err
	}

	up, err := Upsample(importance, original.Width, original.Height)
	if err != nil {
		return nil, err
	}

	heat, err := Colorize(up, c.Colormap)
	if err != nil {
		return nil, err
	}

	return Blend(base, heat, c.Alpha)
}

// Upsample resamples the map to width x height with bilinear interpolation.
func Upsample(m xray.ImportanceMap, width, height int) (xray.ImportanceMap, error) {
	if err := validate(m); err != nil {
		return xray.ImportanceMap{}, err
	}
	if width <= 0 || height <= 0 {
		return xray.ImportanceMap{}, fmt.Errorf("%w: target %dx%d", xray.ErrEmptyImage, width, height)
	}

	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(clamp01(m.At(y, x)) * 65535))})
		}
	}

	resized := resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	b := resized.Bounds()

	out := xray.ImportanceMap{Height: height, Width: width, Data: make([]float64, width*height)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Data[y*width+x] = float64(g.Y) / 65535
		}
	}
	return out, nil
}

// Colorize quantizes the map to 8 bits and applies an OpenCV colormap.
func Colorize(m xray.ImportanceMap, colormap gocv.ColormapTypes) (*image.RGBA, error) {
	if err := validate(m); err != nil {
		return nil, err
	}

	levels := make([]byte, len(m.Data))
	for i, v := range m.Data {
		levels[i] = uint8(255 * clamp01(v))
	}

	view, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, levels)
	if err != nil {
		return nil, fmt.Errorf("failed to create mat: %w", err)
	}
	defer view.Close()

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(view, &colored, colormap)
	runtime.KeepAlive(levels)

	bgr := colored.ToBytes()
	if len(bgr) != 3*m.Width*m.Height {
		return nil, fmt.Errorf("%w: colormap produced %d bytes", xray.ErrShapeMismatch, len(bgr))
	}

	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i := 0; i < m.Width*m.Height; i++ {
		out.Pix[4*i] = bgr[3*i+2]
		out.Pix[4*i+1] = bgr[3*i+1]
		out.Pix[4*i+2] = bgr[3*i]
		out.Pix[4*i+3] = 255
	}
	return out, nil
}

// Blend computes (1-alpha)*base + alpha*heat per channel, rounded and
// clipped to 0..255.
func Blend(base, heat *image.RGBA, alpha float64) (*image.RGBA, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("overlay alpha %v outside [0,1]", alpha)
	}
	bb, hb := base.Bounds(), heat.Bounds()
	if bb.Empty() || hb.Empty() {
		return nil, fmt.Errorf("%w: blend inputs %v and %v", xray.ErrEmptyImage, bb, hb)
	}
	if bb.Dx() != hb.Dx() || bb.Dy() != hb.Dy() {
		return nil, fmt.Errorf("%w: base %v, heatmap %v", xray.ErrShapeMismatch, bb, hb)
	}

	out := image.NewRGBA(image.Rect(0, 0, bb.Dx(), bb.Dy()))
	for y := 0; y < bb.Dy(); y++ {
		for x := 0; x < bb.Dx(); x++ {
			o := base.RGBAAt(bb.Min.X+x, bb.Min.Y+y)
			h := heat.RGBAAt(hb.Min.X+x, hb.Min.Y+y)
			out.SetRGBA(x, y, color.RGBA{
				R: mix(o.R, h.R, alpha),
				G: mix(o.G, h.G, alpha),
				B: mix(o.B, h.B, alpha),
				A: 255,
			})
		}
	}
	return out, nil
}

func mix(o, h uint8, alpha float64) uint8 {
	v := math.Round((1-alpha)*float64(o) + alpha*float64(h))
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validate(m xray.ImportanceMap) error {
	if m.Height <= 0 || m.Width <= 0 || len(m.Data) == 0 {
		return fmt.Errorf("%w: importance map %dx%d", xray.ErrEmptyImage, m.Width, m.Height)
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("%w: importance map has %d values, expected %d", xray.ErrShapeMismatch, len(m.Data), m.Width*m.Height)
	}
	return nil
}
