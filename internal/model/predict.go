package model

import (
	"math"
	"strconv"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// Softmax turns logits into probabilities.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxVal))
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// Classify picks the most probable class. Ties go to the lower index.
func Classify(probs []float32, classes []string) xray.PredictionResult {
	if len(probs) == 0 {
		return xray.PredictionResult{ClassIndex: -1}
	}
	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return xray.PredictionResult{
		Label:       Label(maxIdx, classes),
		Probability: maxVal,
		ClassIndex:  maxIdx,
	}
}

// Label names a class index, falling back to the index itself.
func Label(idx int, classes []string) string {
	if idx >= 0 && idx < len(classes) {
		return classes[idx]
	}
	return strconv.Itoa(idx)
}

func NewPredictionResponse(probs []float32, classes []string) *PredictionResponse {
	result := Classify(probs, classes)
	predictions := make(map[string]float32, len(probs))
	for i, val := range probs {
		predictions[Label(i, classes)] = val
	}
	return &PredictionResponse{
		Class:       result.Label,
		Confidence:  result.Probability,
		ClassIndex:  result.ClassIndex,
		Predictions: predictions,
	}
}
