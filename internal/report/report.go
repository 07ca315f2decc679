package report

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const stampLayout = "20060102-150405"

// Paths lists the files written by SaveOutputs.
type Paths struct {
	Heatmap string
	Result  string
}

// SafeID strips everything but letters, digits, '_' and '-' from a patient id.
func SafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SaveOutputs writes the overlay PNG and a one-line result file into dir.
func SaveOutputs(dir, label string, prob float32, overlay image.Image, patientID string, now time.Time) (Paths, error) {
	if overlay == nil {
		return Paths{}, fmt.Errorf("no overlay to save")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create report dir: %w", err)
	}

	prefix := ""
	if id := SafeID(patientID); id != "" {
		prefix = id + "_"
	}
	stamp := now.Format(stampLayout)

	paths := Paths{
		Heatmap: filepath.Join(dir, prefix+"heatmap_"+stamp+".png"),
		Result:  filepath.Join(dir, prefix+"result_"+stamp+".txt"),
	}

	f, err := os.Create(paths.Heatmap)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to create heatmap: %w", err)
	}
	if err := png.Encode(f, overlay); err != nil {
		f.Close()
		return Paths{}, fmt.Errorf("failed to encode heatmap: %w", err)
	}
	if err := f.Close(); err != nil {
		return Paths{}, err
	}

	line := fmt.Sprintf("class=%s, probability=%.4f\n", label, prob)
	if err := os.WriteFile(paths.Result, []byte(line), 0o644); err != nil {
		return Paths{}, fmt.Errorf("failed to write result: %w", err)
	}
	return paths, nil
}
