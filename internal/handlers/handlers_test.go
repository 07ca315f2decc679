package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/pneumonia-api/internal/history"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/pipeline"
	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

type fakeAdapter struct {
	probs []float32
	err   error
}

func (f *fakeAdapter) Predict(tensor xray.Tensor) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.probs, nil
}

func (f *fakeAdapter) ActivationsAndGradients(tensor xray.Tensor, classIndex int, layer string) (xray.ActivationMap, xray.GradientMap, error) {
	if layer != model.DefaultLayer {
		return xray.ActivationMap{}, xray.GradientMap{}, fmt.Errorf("%w: %s", xray.ErrLayerNotFound, layer)
	}
	m := xray.FeatureMap{Height: 2, Width: 2, Channels: 1, Data: []float32{0, 1, 2, 3}}
	g := xray.FeatureMap{Height: 2, Width: 2, Channels: 1, Data: []float32{1, 1, 1, 1}}
	return m, g, nil
}

func newTestHandler(t *testing.T, adapter model.Adapter, withHistory bool) *Handler {
	t.Helper()
	var store *history.Store
	if withHistory {
		s, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		store = s
	}
	return NewHandler(pipeline.New(adapter), []int64{1, 2, 2, 1}, store)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		fw, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{}, false)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestPredictRawTensor(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{probs: []float32{0.2, 0.3, 0.5}}, false)

	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"ok", http.MethodPost, `{"image":[0,0.1,0.2,0.3]}`, http.StatusOK},
		{"wrong size", http.MethodPost, `{"image":[0,0.1]}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{"image":`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Predict(rec, httptest.NewRequest(tc.method, "/predict", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			if tc.want != http.StatusOK {
				return
			}
			var resp model.PredictionResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Class != "viral" || resp.ClassIndex != 2 || len(resp.Predictions) != 3 {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}
}

func TestPredictFromImage(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{probs: []float32{0.7, 0.2, 0.1}}, true)

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "chest.png", pngBytes(t, 24, 16), map[string]string{"patient_id": "P-9"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.ImagePredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Class != "bacterial" || resp.Layer != model.DefaultLayer {
		t.Fatalf("unexpected response %+v", resp.PredictionResponse)
	}
	if resp.RequestID == "" || rec.Header().Get("X-Request-ID") != resp.RequestID {
		t.Fatalf("request id mismatch: %q vs %q", resp.RequestID, rec.Header().Get("X-Request-ID"))
	}
	if resp.Width != 24 || resp.Height != 16 {
		t.Fatalf("overlay size %dx%d", resp.Width, resp.Height)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Heatmap)
	if err != nil {
		t.Fatalf("heatmap is not base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("heatmap is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 24 || img.Bounds().Dy() != 16 {
		t.Fatalf("decoded heatmap bounds %v", img.Bounds())
	}

	hist := httptest.NewRecorder()
	h.History(hist, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil))
	if hist.Code != http.StatusOK {
		t.Fatalf("history status = %d", hist.Code)
	}
	var recs []history.Record
	if err := json.Unmarshal(hist.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].PatientID != "P-9" || recs[0].Label != "bacterial" || recs[0].Source != "chest.png" {
		t.Fatalf("unexpected history %+v", recs)
	}

	csvRec := httptest.NewRecorder()
	h.HistoryCSV(csvRec, httptest.NewRequest(http.MethodGet, "/history.csv", nil))
	if csvRec.Body.String() != "P-9;bacterial;70.00%\n" {
		t.Fatalf("csv = %q", csvRec.Body.String())
	}
}

func TestPredictFromImageErrors(t *testing.T) {
	cases := []struct {
		name    string
		adapter *fakeAdapter
		file    []byte
		fields  map[string]string
		want    int
	}{
		{"missing file", &fakeAdapter{probs: []float32{1, 0, 0}}, nil, nil, http.StatusBadRequest},
		{"garbage bytes", &fakeAdapter{probs: []float32{1, 0, 0}}, []byte("not an image"), nil, http.StatusBadRequest},
		{"unknown layer", &fakeAdapter{probs: []float32{1, 0, 0}}, nil, map[string]string{"layer": "conv_missing"}, http.StatusBadRequest},
		{"model failure", &fakeAdapter{err: errors.New("session run failed")}, nil, nil, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, tc.adapter, false)
			file := tc.file
			if file == nil && tc.name != "missing file" {
				file = pngBytes(t, 8, 8)
			}
			rec := httptest.NewRecorder()
			h.PredictFromImage(rec, uploadRequest(t, "x.png", file, tc.fields))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestPredictFromImageHidesInternalErrors(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{err: errors.New("explain inference failed: onnx status 6")}, false)
	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "x.png", pngBytes(t, 8, 8), nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "Prediction failed" {
		t.Fatalf("body = %q, want generic message", body)
	}

	h = newTestHandler(t, &fakeAdapter{probs: []float32{1, 0, 0}}, false)
	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "x.png", pngBytes(t, 8, 8), map[string]string{"layer": "conv_missing"}))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "conv_missing") {
		t.Fatalf("input errors should keep their detail, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHistoryDisabled(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{}, false)
	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHistoryBadLimit(t *testing.T) {
	h := newTestHandler(t, &fakeAdapter{}, true)
	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", xray.ErrEmptyImage), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", xray.ErrUnsupportedChannelCount), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", xray.ErrLayerNotFound), http.StatusBadRequest},
		{xray.ErrShapeMismatch, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
