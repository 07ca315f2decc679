package model

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/pneumonia-api/internal/xray"
)

// Options tune how the ONNX runtime and the explain graph are located.
type Options struct {
	// ExplainPath overrides metadata.explain_model.
	ExplainPath string
	// SharedLibrary overrides ONNXRUNTIME_SHARED_LIBRARY_PATH and the probe list.
	SharedLibrary string
}

type explainSession struct {
	session    *ort.AdvancedSession
	activation *ort.Tensor[float32]
	gradient   *ort.Tensor[float32]
	shape      []int64
}

// Server runs the classifier and its explain graph through onnxruntime.
// Session use is serialized with a mutex, so one Server may be shared by
// concurrent callers. The caller owns the handle and must Close it.
type Server struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	explainInput *ort.Tensor[float32]
	classMask    *ort.Tensor[float32]
	explain      map[string]*explainSession

	// ownsEnv is set when this Server initialized the onnxruntime environment.
	ownsEnv bool

	mu sync.Mutex
}

var _ Adapter = (*Server)(nil)

// onnxruntime keeps one environment per process.
var (
	envInitialized     = ort.IsInitialized
	destroyEnvironment = ort.DestroyEnvironment
)

func NewServer(modelPath, metadataPath string, opts Options) (*Server, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	ownsEnv := false
	if !envInitialized() {
		libPath := opts.SharedLibrary
		if libPath == "" {
			libPath = resolveSharedLibraryPath(filepath.Dir(modelPath))
		}
		if libPath == "" {
			return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}

	s := &Server{
		Metadata: metadata,
		explain:  make(map[string]*explainSession),
		ownsEnv:  ownsEnv,
	}

	s.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.Value{s.inputTensor}, []ort.Value{s.outputTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	explainPath := opts.ExplainPath
	if explainPath == "" && metadata.ExplainModel != "" {
		explainPath = metadata.ExplainModel
		if !filepath.IsAbs(explainPath) {
			explainPath = filepath.Join(filepath.Dir(metadataPath), explainPath)
		}
	}
	if explainPath == "" {
		log.Printf("No explain model configured; Grad-CAM disabled")
		return s, nil
	}

	if err := s.loadExplain(explainPath); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) loadExplain(path string) error {
	var err error
	s.explainInput, err = ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.InputShape...))
	if err != nil {
		return fmt.Errorf("failed to create explain input tensor: %w", err)
	}
	s.classMask, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(s.Metadata.Classes))))
	if err != nil {
		return fmt.Errorf("failed to create class mask tensor: %w", err)
	}

	for name, layer := range s.Metadata.Layers {
		es := &explainSession{shape: layer.Shape}
		s.explain[name] = es

		es.activation, err = ort.NewEmptyTensor[float32](ort.NewShape(layer.Shape...))
		if err != nil {
			return fmt.Errorf("failed to create activation tensor for %s: %w", name, err)
		}
		es.gradient, err = ort.NewEmptyTensor[float32](ort.NewShape(layer.Shape...))
		if err != nil {
			return fmt.Errorf("failed to create gradient tensor for %s: %w", name, err)
		}

		es.session, err = ort.NewAdvancedSession(path,
			[]string{s.Metadata.InputName, s.Metadata.ClassMaskInput},
			[]string{layer.Activation, layer.Gradient},
			[]ort.Value{s.explainInput, s.classMask},
			[]ort.Value{es.activation, es.gradient},
			nil)
		if err != nil {
			return fmt.Errorf("failed to create explain session for %s: %w", name, err)
		}
		log.Printf("Grad-CAM layer ready: %s %v", name, layer.Shape)
	}
	return nil
}

func (s *Server) checkInput(tensor xray.Tensor) error {
	if !tensor.SameShape(s.Metadata.InputShape) {
		return fmt.Errorf("%w: got %v, model expects %v", xray.ErrShapeMismatch, tensor.Shape, s.Metadata.InputShape)
	}
	if len(tensor.Data) != tensor.Size() {
		return fmt.Errorf("%w: %d values for shape %v", xray.ErrShapeMismatch, len(tensor.Data), tensor.Shape)
	}
	return nil
}

// Predict returns the class probabilities for one preprocessed tensor.
func (s *Server) Predict(tensor xray.Tensor) ([]float32, error) {
	if err := s.checkInput(tensor); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("model session not initialized")
	}

	copy(s.inputTensor.GetData(), tensor.Data)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	raw := s.outputTensor.GetData()
	n := len(s.Metadata.Classes)
	if len(raw) < n {
		n = len(raw)
	}
	probs := make([]float32, n)
	copy(probs, raw[:n])

	if strings.EqualFold(s.Metadata.OutputActivation, "softmax") {
		probs = Softmax(probs)
	}
	return probs, nil
}

// ActivationsAndGradients runs the explain graph for one layer with a
// one-hot mask selecting classIndex.
func (s *Server) ActivationsAndGradients(tensor xray.Tensor, classIndex int, layer string) (xray.ActivationMap, xray.GradientMap, error) {
	if err := s.checkInput(tensor); err != nil {
		return xray.FeatureMap{}, xray.FeatureMap{}, err
	}
	if _, ok := s.Metadata.Layers[layer]; !ok {
		return xray.FeatureMap{}, xray.FeatureMap{}, fmt.Errorf("%w: %q; available layers: %v",
			xray.ErrLayerNotFound, layer, s.LayerNames())
	}
	if classIndex < 0 || classIndex >= len(s.Metadata.Classes) {
		return xray.FeatureMap{}, xray.FeatureMap{}, fmt.Errorf("class index %d out of range [0,%d)", classIndex, len(s.Metadata.Classes))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.explain[layer]
	if !ok || es.session == nil {
		return xray.FeatureMap{}, xray.FeatureMap{}, fmt.Errorf("%w: %q has no explain session", xray.ErrLayerNotFound, layer)
	}

	copy(s.explainInput.GetData(), tensor.Data)
	mask := s.classMask.GetData()
	for i := range mask {
		mask[i] = 0
	}
	mask[classIndex] = 1

	if err := es.session.Run(); err != nil {
		return xray.FeatureMap{}, xray.FeatureMap{}, fmt.Errorf("explain inference failed: %w", err)
	}

	act := featureMap(es.shape, es.activation.GetData())
	grad := featureMap(es.shape, es.gradient.GetData())
	return act, grad, nil
}

// LayerNames lists the layers available for Grad-CAM, sorted.
func (s *Server) LayerNames() []string {
	names := make([]string, 0, len(s.Metadata.Layers))
	for name := range s.Metadata.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, es := range s.explain {
		if es.session != nil {
			es.session.Destroy()
		}
		if es.activation != nil {
			es.activation.Destroy()
		}
		if es.gradient != nil {
			es.gradient.Destroy()
		}
	}
	s.explain = nil
	if s.explainInput != nil {
		s.explainInput.Destroy()
		s.explainInput = nil
	}
	if s.classMask != nil {
		s.classMask.Destroy()
		s.classMask = nil
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.ownsEnv && envInitialized() {
		if err := destroyEnvironment(); err != nil {
			log.Printf("Failed to destroy ONNX environment: %v", err)
		}
		s.ownsEnv = false
	}
}

// featureMap copies an NHWC layer output with batch size one.
func featureMap(shape []int64, data []float32) xray.FeatureMap {
	f := xray.FeatureMap{
		Height:   int(shape[1]),
		Width:    int(shape[2]),
		Channels: int(shape[3]),
		Data:     make([]float32, len(data)),
	}
	copy(f.Data, data)
	return f
}

// LoadMetadata reads the model description, fills defaults and validates it.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	applyMetadataDefaults(&metadata)
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func applyMetadataDefaults(m *Metadata) {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), DefaultClasses...)
	}
	if m.ImageSize == 0 {
		m.ImageSize = xray.TargetSize
	}
	if len(m.InputShape) == 0 {
		m.InputShape = []int64{1, int64(m.ImageSize), int64(m.ImageSize), 1}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	if m.LastConvLayer == "" {
		m.LastConvLayer = DefaultLayer
	}
	if m.ClassMaskInput == "" {
		m.ClassMaskInput = "class_mask"
	}
}

// GradCAMLayer returns override when set, otherwise the layer the model
// declares, otherwise DefaultLayer.
func (m Metadata) GradCAMLayer(override string) string {
	if override != "" {
		return override
	}
	if m.LastConvLayer != "" {
		return m.LastConvLayer
	}
	return DefaultLayer
}

func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[3] != 1 {
		return fmt.Errorf("%w: input_shape must be (1, H, W, 1), got %v", xray.ErrShapeMismatch, m.InputShape)
	}
	for _, d := range m.InputShape {
		if d <= 0 {
			return fmt.Errorf("%w: input_shape has non-positive dimension %v", xray.ErrShapeMismatch, m.InputShape)
		}
	}
	var outputs int64 = 1
	for _, d := range m.OutputShape {
		outputs *= d
	}
	if outputs < int64(len(m.Classes)) {
		return fmt.Errorf("%w: output_shape %v smaller than %d classes", xray.ErrShapeMismatch, m.OutputShape, len(m.Classes))
	}
	for name, layer := range m.Layers {
		if layer.Activation == "" || layer.Gradient == "" {
			return fmt.Errorf("layer %s: activation_output and gradient_output are required", name)
		}
		if len(layer.Shape) != 4 || layer.Shape[0] != 1 {
			return fmt.Errorf("%w: layer %s shape must be (1, H, W, C), got %v", xray.ErrShapeMismatch, name, layer.Shape)
		}
		for _, d := range layer.Shape {
			if d <= 0 {
				return fmt.Errorf("%w: layer %s has non-positive dimension %v", xray.ErrShapeMismatch, name, layer.Shape)
			}
		}
	}
	return nil
}

// resolveSharedLibraryPath locates the onnxruntime shared library. The
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable wins.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/usr/local/lib",
		"/usr/lib",
		"/opt/homebrew/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
