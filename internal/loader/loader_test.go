package loader

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestLoadRGBPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 20), B: 200, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "chest.png")
	writePNG(t, path, img)

	raw, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if raw.Width != 4 || raw.Height != 3 || raw.Channels != 3 || raw.BitDepth != xray.BitDepth8 {
		t.Fatalf("unexpected image header: %+v", raw)
	}
	if got := raw.At(3, 2, 0); got != 30 {
		t.Fatalf("expected R=30 at (3,2), got %d", got)
	}
	if got := raw.At(3, 2, 1); got != 40 {
		t.Fatalf("expected G=40 at (3,2), got %d", got)
	}
	if got := raw.At(0, 0, 2); got != 200 {
		t.Fatalf("expected B=200, got %d", got)
	}
}

func TestLoadGrayKeepsBitDepth(t *testing.T) {
	dir := t.TempDir()

	g8 := image.NewGray(image.Rect(0, 0, 2, 2))
	g8.SetGray(1, 1, color.Gray{Y: 77})
	writePNG(t, filepath.Join(dir, "g8.png"), g8)

	g16 := image.NewGray16(image.Rect(0, 0, 2, 2))
	g16.SetGray16(1, 0, color.Gray16{Y: 40000})
	writePNG(t, filepath.Join(dir, "g16.png"), g16)

	raw8, err := Load(filepath.Join(dir, "g8.png"))
	if err != nil {
		t.Fatalf("Load g8: %v", err)
	}
	if raw8.Channels != 1 || raw8.BitDepth != xray.BitDepth8 || raw8.At(1, 1, 0) != 77 {
		t.Fatalf("unexpected 8-bit gray: %+v", raw8)
	}

	raw16, err := Load(filepath.Join(dir, "g16.png"))
	if err != nil {
		t.Fatalf("Load g16: %v", err)
	}
	if raw16.Channels != 1 || raw16.BitDepth != xray.BitDepth16 || raw16.At(1, 0, 0) != 40000 {
		t.Fatalf("unexpected 16-bit gray: %+v", raw16)
	}
}

func TestLoadRGB16KeepsBitDepth(t *testing.T) {
	src := image.NewRGBA64(image.Rect(0, 0, 2, 1))
	src.SetRGBA64(0, 0, color.RGBA64{R: 0x1234, G: 0x8000, B: 0xfffe, A: 0xffff})
	src.SetRGBA64(1, 0, color.RGBA64{R: 1, G: 2, B: 3, A: 0xffff})

	path := filepath.Join(t.TempDir(), "rgb16.png")
	writePNG(t, path, src)

	raw, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if raw.Channels != 3 || raw.BitDepth != xray.BitDepth16 {
		t.Fatalf("expected 16-bit RGB, got %d channels depth %d", raw.Channels, raw.BitDepth)
	}
	want := []uint16{0x1234, 0x8000, 0xfffe, 1, 2, 3}
	for i, w := range want {
		if raw.Pix[i] != w {
			t.Errorf("sample %d = %#x, want %#x", i, raw.Pix[i], w)
		}
	}

	n := image.NewNRGBA64(image.Rect(0, 0, 1, 1))
	n.SetNRGBA64(0, 0, color.NRGBA64{R: 500, G: 600, B: 700, A: 0xffff})
	rawN, err := FromImage(n)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	if rawN.BitDepth != xray.BitDepth16 || rawN.Pix[0] != 500 || rawN.Pix[2] != 700 {
		t.Fatalf("unexpected NRGBA64 conversion: %+v", rawN)
	}
}

func TestDecodeTIFF(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	img.SetGray(2, 2, color.Gray{Y: 9})
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatalf("tiff encode: %v", err)
	}
	raw, err := Decode(&buf, "scan.tif")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if raw.Width != 3 || raw.At(2, 2, 0) != 9 {
		t.Fatalf("unexpected tiff decode: %+v", raw)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("not an image")), "x.png"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIsDICOM(t *testing.T) {
	cases := map[string]bool{
		"a.dcm":   true,
		"A.DCM":   true,
		"b.dicom": true,
		"c.png":   false,
		"dcm":     false,
	}
	for name, want := range cases {
		if got := IsDICOM(name); got != want {
			t.Errorf("IsDICOM(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDICOMFrameWindowing(t *testing.T) {
	df := dicomFrame{
		Rows:            1,
		Cols:            3,
		SamplesPerPixel: 1,
		BitsAllocated:   16,
		Data:            [][]int{{-100}, {40}, {5000}},
		HasWindow:       true,
		WindowCenter:    40,
		WindowWidth:     400,
	}
	raw, err := df.toRaw()
	if err != nil {
		t.Fatalf("toRaw: %v", err)
	}
	if raw.BitDepth != xray.BitDepth8 {
		t.Fatalf("windowed frame should be 8-bit, got %d", raw.BitDepth)
	}
	// lo = -160, hi = 240
	if raw.Pix[0] != 38 {
		t.Errorf("expected 38 for -100, got %d", raw.Pix[0])
	}
	if raw.Pix[1] != 127 {
		t.Errorf("expected 127 at the window center, got %d", raw.Pix[1])
	}
	if raw.Pix[2] != 254 {
		t.Errorf("expected 254 above the window, got %d", raw.Pix[2])
	}
}

func TestDICOMFrameSixteenBit(t *testing.T) {
	df := dicomFrame{
		Rows:            2,
		Cols:            1,
		SamplesPerPixel: 1,
		BitsAllocated:   16,
		Data:            [][]int{{-5}, {4095}},
	}
	raw, err := df.toRaw()
	if err != nil {
		t.Fatalf("toRaw: %v", err)
	}
	if raw.BitDepth != xray.BitDepth16 {
		t.Fatalf("expected 16-bit, got %d", raw.BitDepth)
	}
	if raw.Pix[0] != 0 || raw.Pix[1] != 4095 {
		t.Fatalf("unexpected samples %v", raw.Pix)
	}
}

func TestDICOMFrameRGBAndErrors(t *testing.T) {
	df := dicomFrame{
		Rows:            1,
		Cols:            1,
		SamplesPerPixel: 3,
		BitsAllocated:   8,
		Data:            [][]int{{10, 20, 300}},
	}
	raw, err := df.toRaw()
	if err != nil {
		t.Fatalf("toRaw: %v", err)
	}
	if raw.Channels != 3 || raw.Pix[2] != 255 {
		t.Fatalf("unexpected rgb frame: %+v", raw)
	}

	empty := dicomFrame{Rows: 0, Cols: 0}
	if _, err := empty.toRaw(); !errors.Is(err, xray.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}

	short := dicomFrame{Rows: 2, Cols: 2, SamplesPerPixel: 1, Data: [][]int{{1}}}
	if _, err := short.toRaw(); !errors.Is(err, xray.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestWindowSampleZeroWidth(t *testing.T) {
	// Width 0 is treated as 1.
	if got := windowSample(100, 100, 0); got != 127 {
		t.Fatalf("expected 127, got %d", got)
	}
}
