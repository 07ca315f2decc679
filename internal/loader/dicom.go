package loader

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// dicomFrame is the subset of a DICOM dataset needed to build a RawImage.
type dicomFrame struct {
	Rows            int
	Cols            int
	SamplesPerPixel int
	BitsAllocated   int
	// Data holds one slice of samples per pixel, row-major.
	Data [][]int

	HasWindow    bool
	WindowCenter float64
	WindowWidth  float64
}

func readDICOM(r io.Reader, size int64) (xray.RawImage, error) {
	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return xray.RawImage{}, fmt.Errorf("failed to parse DICOM: %w", err)
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return xray.RawImage{}, fmt.Errorf("DICOM has no pixel data: %w", err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return xray.RawImage{}, fmt.Errorf("%w: DICOM pixel data has no frames", xray.ErrEmptyImage)
	}

	// Multi-frame volumes: only the first slice is used.
	fr := info.Frames[0]
	if fr.Encapsulated {
		img, err := fr.GetImage()
		if err != nil {
			return xray.RawImage{}, fmt.Errorf("failed to decode encapsulated frame: %w", err)
		}
		return FromImage(img)
	}

	df := dicomFrame{
		Rows:            fr.NativeData.Rows,
		Cols:            fr.NativeData.Cols,
		BitsAllocated:   fr.NativeData.BitsPerSample,
		SamplesPerPixel: firstInt(ds, tag.SamplesPerPixel, 1),
		Data:            fr.NativeData.Data,
	}
	if bits := firstInt(ds, tag.BitsAllocated, 0); bits > 0 {
		df.BitsAllocated = bits
	}

	center, okC := firstFloat(ds, tag.WindowCenter)
	width, okW := firstFloat(ds, tag.WindowWidth)
	if okC && okW {
		df.HasWindow = true
		df.WindowCenter = center
		df.WindowWidth = width
	}

	return df.toRaw()
}

func (d dicomFrame) toRaw() (xray.RawImage, error) {
	if d.Rows <= 0 || d.Cols <= 0 || len(d.Data) == 0 {
		return xray.RawImage{}, fmt.Errorf("%w: DICOM frame %dx%d", xray.ErrEmptyImage, d.Cols, d.Rows)
	}
	if len(d.Data) != d.Rows*d.Cols {
		return xray.RawImage{}, fmt.Errorf("%w: DICOM frame has %d pixels, expected %d",
			xray.ErrShapeMismatch, len(d.Data), d.Rows*d.Cols)
	}

	channels := 1
	if d.SamplesPerPixel == 3 {
		channels = 3
	}

	depth := xray.BitDepth8
	if !d.HasWindow && d.BitsAllocated > 8 {
		depth = xray.BitDepth16
	}

	raw := newRaw(d.Cols, d.Rows, channels, depth)
	for i, px := range d.Data {
		if len(px) < channels {
			return xray.RawImage{}, fmt.Errorf("%w: pixel %d has %d samples", xray.ErrUnsupportedChannelCount, i, len(px))
		}
		for c := 0; c < channels; c++ {
			raw.Pix[i*channels+c] = d.sample(px[c])
		}
	}
	return raw, nil
}

func (d dicomFrame) sample(v int) uint16 {
	if d.HasWindow {
		return windowSample(float64(v), d.WindowCenter, d.WindowWidth)
	}
	if v < 0 {
		return 0
	}
	if d.BitsAllocated > 8 {
		if v > math.MaxUint16 {
			return math.MaxUint16
		}
		return uint16(v)
	}
	if v > 255 {
		return 255
	}
	return uint16(v)
}

// windowSample maps v through a center/width window onto 0..255.
func windowSample(v, center, width float64) uint16 {
	if width == 0 {
		width = 1
	}
	lo := center - width/2
	hi := center + width/2
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	out := (v - lo) / (hi - lo + 1e-8) * 255
	return uint16(out)
}

func firstInt(ds dicom.Dataset, t tag.Tag, def int) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return def
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return n
			}
		}
	}
	return def
}

func firstFloat(ds dicom.Dataset, t tag.Tag) (float64, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return 0, false
		}
		// Multi-valued strings may arrive backslash-joined.
		s := strings.TrimSpace(strings.Split(v[0], `\`)[0])
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case []int:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	}
	return 0, false
}
