package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Brownie44l1/pneumonia-api/internal/config"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/overlay"
	"github.com/Brownie44l1/pneumonia-api/internal/pipeline"
	"github.com/Brownie44l1/pneumonia-api/internal/preprocess"
	"github.com/Brownie44l1/pneumonia-api/internal/report"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	input := flag.String("input", "", "X-ray image (jpg, png, tiff, bmp, dcm)")
	lastConv := flag.String("last-conv", "", "convolutional layer for Grad-CAM")
	outdir := flag.String("outdir", "", "directory for the heatmap and result files")
	patientID := flag.String("patient-id", "", "patient id used as file name prefix")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: pneumonia -input <image> [-last-conv name] [-outdir dir] [-patient-id id]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *outdir == "" {
		*outdir = cfg.Reports.Dir
	}
	override := *lastConv
	if override == "" {
		override = cfg.Model.LastConv
	}

	modelServer, err := model.NewServer(cfg.Model.Path, cfg.Model.Metadata, model.Options{
		ExplainPath:   cfg.Model.ExplainPath,
		SharedLibrary: cfg.Model.SharedLibrary,
	})
	if err != nil {
		log.Fatalf("Failed to initialize model: %v", err)
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
		LayerName:    modelServer.Metadata.GradCAMLayer(override),
	}

	_, res, err := p.RunFile(*input, "")
	if err != nil {
		log.Fatalf("Prediction failed: %v", err)
	}

	paths, err := report.SaveOutputs(*outdir, res.Prediction.Label, res.Prediction.Probability, res.Overlay, *patientID, time.Now())
	if err != nil {
		log.Fatalf("Failed to save outputs: %v", err)
	}

	fmt.Printf("class=%s probability=%.4f\n", res.Prediction.Label, res.Prediction.Probability)
	fmt.Printf("heatmap: %s\n", paths.Heatmap)
	fmt.Printf("result:  %s\n", paths.Result)
}
