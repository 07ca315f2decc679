package model

import "github.com/Brownie44l1/pneumonia-api/internal/xray"

// DefaultLayer is the final convolutional layer of the pneumonia network.
const DefaultLayer = "conv10_thisone"

// DefaultClasses follows the output order of the trained model.
var DefaultClasses = []string{"bacterial", "normal", "viral"}

// Adapter is the boundary to a trained classifier. Predict returns one
// probability per class; ActivationsAndGradients returns the named layer's
// output and the gradient of the target class score with respect to it.
type Adapter interface {
	Predict(tensor xray.Tensor) ([]float32, error)
	ActivationsAndGradients(tensor xray.Tensor, classIndex int, layer string) (xray.ActivationMap, xray.GradientMap, error)
}

type LayerOutputs struct {
	Activation string  `json:"activation_output"`
	Gradient   string  `json:"gradient_output"`
	Shape      []int64 `json:"shape"`
}

type Metadata struct {
	InputName        string                  `json:"input_name"`
	OutputName       string                  `json:"output_name"`
	InputShape       []int64                 `json:"input_shape"`
	OutputShape      []int64                 `json:"output_shape"`
	Classes          []string                `json:"classes"`
	ImageSize        int                     `json:"image_size"`
	OutputActivation string                  `json:"output_activation"`
	LastConvLayer    string                  `json:"last_conv_layer"`
	ExplainModel     string                  `json:"explain_model"`
	ClassMaskInput   string                  `json:"class_mask_input"`
	Layers           map[string]LayerOutputs `json:"layers"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	ClassIndex  int                `json:"class_index"`
	Predictions map[string]float32 `json:"predictions"`
}

// ImagePredictionResponse adds the Grad-CAM overlay to a prediction.
type ImagePredictionResponse struct {
	PredictionResponse
	RequestID string `json:"request_id"`
	Layer     string `json:"layer"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Heatmap   string `json:"heatmap_png,omitempty"`
}
