package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/pneumonia-api/internal/config"
	"github.com/Brownie44l1/pneumonia-api/internal/handlers"
	"github.com/Brownie44l1/pneumonia-api/internal/history"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/overlay"
	"github.com/Brownie44l1/pneumonia-api/internal/pipeline"
	"github.com/Brownie44l1/pneumonia-api/internal/preprocess"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// projectRoot returns the working directory, or the repo root when run from cmd/server.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "server" {
		wd = filepath.Join(wd, "../..")
	}
	return wd
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func main() {
	root := projectRoot()

	configPath := flag.String("config", filepath.Join(root, "config.yaml"), "path to YAML config")
	addr := flag.String("addr", "", "listen address, overrides config and PORT")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	modelPath := resolve(root, cfg.Model.Path)
	metadataPath := resolve(root, cfg.Model.Metadata)

	log.Printf("Loading model from: %s", modelPath)

	modelServer, err := model.NewServer(modelPath, metadataPath, model.Options{
		ExplainPath:   resolve(root, cfg.Model.ExplainPath),
		SharedLibrary: cfg.Model.SharedLibrary,
	})
	if err != nil {
		log.Fatalf("Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	compositor, err := overlay.New(cfg.Overlay.Alpha, cfg.Overlay.Colormap)
	if err != nil {
		log.Fatalf("Invalid overlay settings: %v", err)
	}

	p := &pipeline.Pipeline{
		Adapter:      modelServer,
		Preprocessor: preprocess.New(cfg.Preprocess.ClipLimit, cfg.Preprocess.TileGridSize),
		Compositor:   compositor,
		Labels:       modelServer.Metadata.Classes,
		LayerName:    modelServer.Metadata.GradCAMLayer(cfg.Model.LastConv),
	}

	var store *history.Store
	if !cfg.History.Disabled {
		dbPath := resolve(root, cfg.History.DBPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			log.Fatalf("Failed to create history dir: %v", err)
		}
		store, err = history.NewStore(dbPath)
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()
		log.Printf("History database: %s", dbPath)
	}

	handler := handlers.NewHandler(p, modelServer.Metadata.InputShape, store)

	http.HandleFunc("/health", enableCORS(handler.Health))
	http.HandleFunc("/predict", enableCORS(handler.Predict))
	http.HandleFunc("/predict/image", enableCORS(handler.PredictFromImage))
	http.HandleFunc("/history", enableCORS(handler.History))
	http.HandleFunc("/history.csv", enableCORS(handler.HistoryCSV))

	log.Printf("Server starting on %s", cfg.Server.Addr)
	log.Printf("Classes: %v", modelServer.Metadata.Classes)
	log.Printf("Grad-CAM layer: %s (available: %v)", p.LayerName, modelServer.LayerNames())
	log.Println("Endpoints:")
	log.Println("  GET  /health        - Health check")
	log.Println("  POST /predict       - Raw tensor prediction")
	log.Println("  POST /predict/image - Predict with Grad-CAM from image upload")
	log.Println("  GET  /history       - Recent predictions")
	log.Println("  GET  /history.csv   - Prediction history as CSV")

	if err := http.ListenAndServe(cfg.Server.Addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
