package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Brownie44l1/pneumonia-api/internal/history"
	"github.com/Brownie44l1/pneumonia-api/internal/loader"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/pipeline"
	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

const maxUploadBytes = 32 << 20

type Handler struct {
	pipeline   *pipeline.Pipeline
	inputShape []int64
	history    *history.Store
}

// NewHandler serves predictions through p. inputShape is the model input
// shape used to validate raw tensor requests. store may be nil.
func NewHandler(p *pipeline.Pipeline, inputShape []int64, store *history.Store) *Handler {
	return &Handler{
		pipeline:   p,
		inputShape: inputShape,
		history:    store,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	tensor := xray.Tensor{Shape: h.inputShape, Data: req.Image}
	if expectedSize := tensor.Size(); len(req.Image) != expectedSize {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	probs, err := h.pipeline.Adapter.Predict(tensor)
	if err != nil {
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, model.NewPredictionResponse(probs, h.labels()))
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	patientID := r.FormValue("patient_id")
	layer := r.FormValue("layer")

	log.Printf("[%s] Received file: %s, size: %d bytes", requestID, header.Filename, header.Size)

	raw, err := loader.Decode(file, header.Filename)
	if err != nil {
		log.Printf("[%s] Decode error: %v", requestID, err)
		http.Error(w, "Invalid image. Supported: JPEG, PNG, TIFF, BMP, DICOM", http.StatusBadRequest)
		return
	}

	log.Printf("[%s] Image dimensions: %dx%d, channels: %d, depth: %d",
		requestID, raw.Width, raw.Height, raw.Channels, raw.BitDepth)

	res, err := h.pipeline.RunWithLayer(raw, layer)
	if err != nil {
		log.Printf("[%s] Pipeline error: %v", requestID, err)
		status := statusFor(err)
		msg := "Prediction failed"
		if status == http.StatusBadRequest {
			msg = err.Error()
		}
		http.Error(w, msg, status)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Overlay); err != nil {
		log.Printf("[%s] Overlay encode error: %v", requestID, err)
		http.Error(w, "Failed to encode heatmap", http.StatusInternalServerError)
		return
	}

	if layer == "" {
		layer = h.pipeline.LayerName
	}

	if h.history != nil {
		_, err := h.history.Append(history.Record{
			PatientID:   patientID,
			Label:       res.Prediction.Label,
			Probability: res.Prediction.Probability,
			Layer:       layer,
			Source:      header.Filename,
		})
		if err != nil {
			log.Printf("[%s] History error: %v", requestID, err)
		}
	}

	log.Printf("[%s] Prediction: %s (%.4f)", requestID, res.Prediction.Label, res.Prediction.Probability)

	resp := model.ImagePredictionResponse{
		PredictionResponse: *model.NewPredictionResponse(res.Probabilities, h.labels()),
		RequestID:          requestID,
		Layer:              layer,
		Width:              res.Overlay.Bounds().Dx(),
		Height:             res.Overlay.Bounds().Dy(),
		Heatmap:            base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := h.history.List(limit)
	if err != nil {
		log.Printf("History error: %v", err)
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) HistoryCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := h.history.ExportCSV(&buf); err != nil {
		log.Printf("History export error: %v", err)
		http.Error(w, "Failed to export history", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="historial.csv"`)
	w.Write(buf.Bytes())
}

func (h *Handler) labels() []string {
	if len(h.pipeline.Labels) == 0 {
		return model.DefaultClasses
	}
	return h.pipeline.Labels
}

// statusFor maps input problems to 400 and everything else to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, xray.ErrEmptyImage),
		errors.Is(err, xray.ErrUnsupportedChannelCount),
		errors.Is(err, xray.ErrLayerNotFound):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
