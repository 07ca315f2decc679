package loader

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// IsDICOM reports whether name looks like a DICOM file.
func IsDICOM(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".dcm", ".dicom":
		return true
	}
	return false
}

// Load reads a medical image from disk. DICOM is selected by extension,
// everything else goes through the registered raster decoders.
func Load(path string) (xray.RawImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return xray.RawImage{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	if IsDICOM(path) {
		info, err := f.Stat()
		if err != nil {
			return xray.RawImage{}, fmt.Errorf("failed to stat image: %w", err)
		}
		return readDICOM(bufio.NewReader(f), info.Size())
	}
	return readRaster(f)
}

// Decode reads an image from r, using name only to pick the decoder.
func Decode(r io.Reader, name string) (xray.RawImage, error) {
	if IsDICOM(name) {
		data, err := io.ReadAll(r)
		if err != nil {
			return xray.RawImage{}, fmt.Errorf("failed to read DICOM: %w", err)
		}
		return readDICOM(bytes.NewReader(data), int64(len(data)))
	}
	return readRaster(r)
}

func readRaster(r io.Reader) (xray.RawImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return xray.RawImage{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return FromImage(img)
}

// FromImage converts a decoded image. Gray images keep one channel. Gray16,
// RGBA64 and NRGBA64 sources keep 16-bit samples; everything else becomes
// 8-bit RGB.
func FromImage(img image.Image) (xray.RawImage, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return xray.RawImage{}, fmt.Errorf("%w: %dx%d", xray.ErrEmptyImage, w, h)
	}

	switch src := img.(type) {
	case *image.Gray:
		raw := newRaw(w, h, 1, xray.BitDepth8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				raw.Pix[y*w+x] = uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return raw, nil
	case *image.Gray16:
		raw := newRaw(w, h, 1, xray.BitDepth16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				raw.Pix[y*w+x] = src.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return raw, nil
	case *image.RGBA64, *image.NRGBA64:
		wide := image.NewRGBA64(image.Rect(0, 0, w, h))
		draw.Draw(wide, wide.Bounds(), img, b.Min, draw.Src)

		raw := newRaw(w, h, 3, xray.BitDepth16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := wide.RGBA64At(x, y)
				i := (y*w + x) * 3
				raw.Pix[i] = c.R
				raw.Pix[i+1] = c.G
				raw.Pix[i+2] = c.B
			}
		}
		return raw, nil
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	raw := newRaw(w, h, 3, xray.BitDepth8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := rgba.RGBAAt(x, y)
			i := (y*w + x) * 3
			raw.Pix[i] = uint16(c.R)
			raw.Pix[i+1] = uint16(c.G)
			raw.Pix[i+2] = uint16(c.B)
		}
	}
	return raw, nil
}

func newRaw(w, h, channels int, depth xray.BitDepth) xray.RawImage {
	return xray.RawImage{
		Width:    w,
		Height:   h,
		Channels: channels,
		BitDepth: depth,
		Pix:      make([]uint16, w*h*channels),
	}
}
