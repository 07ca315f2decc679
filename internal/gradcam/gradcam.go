package gradcam

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// Weights returns the global-average-pooled gradient of every channel.
func Weights(grad xray.GradientMap) ([]float64, error) {
	if err := validate(grad); err != nil {
		return nil, err
	}
	pixels := grad.Height * grad.Width
	weights := make([]float64, grad.Channels)
	column := make([]float64, pixels)
	for c := 0; c < grad.Channels; c++ {
		for i := 0; i < pixels; i++ {
			column[i] = float64(grad.Data[i*grad.Channels+c])
		}
		weights[c] = stat.Mean(column, nil)
	}
	return weights, nil
}

// Compute builds the class activation map: channel activations weighted by
// their pooled gradients, summed, floored at zero and scaled by the maximum.
// A map with no positive value is returned as all zeros.
func Compute(act xray.ActivationMap, grad xray.GradientMap) (xray.ImportanceMap, error) {
	if err := validate(act); err != nil {
		return xray.ImportanceMap{}, err
	}
	if act.Height != grad.Height || act.Width != grad.Width || act.Channels != grad.Channels {
		return xray.ImportanceMap{}, fmt.Errorf("%w: activation %dx%dx%d, gradient %dx%dx%d",
			xray.ErrShapeMismatch, act.Height, act.Width, act.Channels, grad.Height, grad.Width, grad.Channels)
	}

	weights, err := Weights(grad)
	if err != nil {
		return xray.ImportanceMap{}, err
	}

	pixels := act.Height * act.Width
	a := mat.NewDense(pixels, act.Channels, toFloat64(act.Data))
	w := mat.NewVecDense(act.Channels, weights)

	var cam mat.VecDense
	cam.MulVec(a, w)

	data := make([]float64, pixels)
	for i := range data {
		if v := cam.AtVec(i); v > 0 {
			data[i] = v
		}
	}

	if peak := floats.Max(data); peak > 0 {
		for i := range data {
			data[i] /= peak
		}
	}

	return xray.ImportanceMap{
		Height: act.Height,
		Width:  act.Width,
		Data:   data,
	}, nil
}

func validate(f xray.FeatureMap) error {
	if f.Height <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: feature map %dx%dx%d", xray.ErrEmptyImage, f.Height, f.Width, f.Channels)
	}
	if want := f.Height * f.Width * f.Channels; len(f.Data) != want {
		return fmt.Errorf("%w: feature map has %d values, expected %d", xray.ErrShapeMismatch, len(f.Data), want)
	}
	return nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
