package pipeline

import (
	"fmt"
	"image"

	"github.com/Brownie44l1/pneumonia-api/internal/gradcam"
	"github.com/Brownie44l1/pneumonia-api/internal/loader"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/overlay"
	"github.com/Brownie44l1/pneumonia-api/internal/preprocess"
	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// Pipeline runs classification and Grad-CAM end to end for one image.
type Pipeline struct {
	Adapter      model.Adapter
	Preprocessor *preprocess.Preprocessor
	Compositor   *overlay.Compositor
	Labels       []string
	LayerName    string
}

type Result struct {
	Prediction    xray.PredictionResult
	Probabilities []float32
	Importance    xray.ImportanceMap
	Overlay       *image.RGBA
}

// New fills in default labels, layer, preprocessing and overlay settings.
func New(adapter model.Adapter) *Pipeline {
	return &Pipeline{
		Adapter:      adapter,
		Preprocessor: preprocess.New(preprocess.DefaultClipLimit, preprocess.DefaultTileGridSize),
		Compositor:   overlay.Default(),
		Labels:       model.DefaultClasses,
		LayerName:    model.DefaultLayer,
	}
}

func (p *Pipeline) Run(raw xray.RawImage) (*Result, error) {
	return p.RunWithLayer(raw, "")
}

// RunWithLayer uses layer for Grad-CAM instead of the configured one when
// layer is non-empty.
func (p *Pipeline) RunWithLayer(raw xray.RawImage, layer string) (*Result, error) {
	if p.Adapter == nil {
		return nil, fmt.Errorf("pipeline has no model adapter")
	}
	if layer == "" {
		layer = p.layer()
	}

	tensor, err := p.preprocessor().Preprocess(raw)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	probs, err := p.Adapter.Predict(tensor)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(probs) == 0 {
		return nil, fmt.Errorf("predict: %w: model returned no probabilities", xray.ErrShapeMismatch)
	}
	prediction := model.Classify(probs, p.labels())

	act, grad, err := p.Adapter.ActivationsAndGradients(tensor, prediction.ClassIndex, layer)
	if err != nil {
		return nil, fmt.Errorf("gradients for %q: %w", layer, err)
	}

	importance, err := gradcam.Compute(act, grad)
	if err != nil {
		return nil, fmt.Errorf("grad-cam: %w", err)
	}

	out, err := p.compositor().Overlay(raw, importance)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}

	return &Result{
		Prediction:    prediction,
		Probabilities: probs,
		Importance:    importance,
		Overlay:       out,
	}, nil
}

// RunFile loads path with the image loader and runs the pipeline on it.
func (p *Pipeline) RunFile(path, layer string) (xray.RawImage, *Result, error) {
	raw, err := loader.Load(path)
	if err != nil {
		return xray.RawImage{}, nil, err
	}
	res, err := p.RunWithLayer(raw, layer)
	return raw, res, err
}

func (p *Pipeline) layer() string {
	if p.LayerName == "" {
		return model.DefaultLayer
	}
	return p.LayerName
}

func (p *Pipeline) labels() []string {
	if len(p.Labels) == 0 {
		return model.DefaultClasses
	}
	return p.Labels
}

func (p *Pipeline) preprocessor() *preprocess.Preprocessor {
	if p.Preprocessor == nil {
		return preprocess.New(0, 0)
	}
	return p.Preprocessor
}

func (p *Pipeline) compositor() *overlay.Compositor {
	if p.Compositor == nil {
		return overlay.Default()
	}
	return p.Compositor
}
