package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the classifier service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Reports    ReportsConfig    `yaml:"reports"`
	History    HistoryConfig    `yaml:"history"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP listen address, e.g. ":8080"
}

type ModelConfig struct {
	Path          string `yaml:"path"`           // ONNX classifier
	Metadata      string `yaml:"metadata"`       // JSON metadata next to the model
	ExplainPath   string `yaml:"explain_path"`   // overrides metadata explain_model
	LastConv      string `yaml:"last_conv"`      // Grad-CAM layer, empty uses the model metadata
	SharedLibrary string `yaml:"shared_library"` // onnxruntime library, auto-detected when empty
}

type PreprocessConfig struct {
	ClipLimit    float64 `yaml:"clip_limit"`
	TileGridSize int     `yaml:"tile_grid_size"`
}

type OverlayConfig struct {
	Alpha    float64 `yaml:"alpha"`    // 0 means the default
	Colormap string  `yaml:"colormap"` // jet | hot | bone | rainbow | ocean
}

type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

type HistoryConfig struct {
	DBPath   string `yaml:"db_path"`
	Disabled bool   `yaml:"disabled"`
}

const (
	defaultAddr      = ":8080"
	defaultModel     = "models/pneumonia.onnx"
	defaultMetadata  = "models/model_metadata.json"
	defaultClipLimit = 2.0
	defaultTileGrid  = 8
	defaultAlpha     = 0.4
	defaultColormap  = "jet"
	defaultReports   = "reports"
	defaultHistoryDB = "reports/history.db"
)

// Load reads configuration from a YAML file. A missing file yields defaults.
// PORT in the environment overrides the listen port.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}

	if cfg.Model.Path == "" {
		cfg.Model.Path = defaultModel
	}
	if cfg.Model.Metadata == "" {
		cfg.Model.Metadata = defaultMetadata
	}

	if cfg.Preprocess.ClipLimit == 0 {
		cfg.Preprocess.ClipLimit = defaultClipLimit
	}
	if cfg.Preprocess.TileGridSize == 0 {
		cfg.Preprocess.TileGridSize = defaultTileGrid
	}

	if cfg.Overlay.Alpha == 0 {
		cfg.Overlay.Alpha = defaultAlpha
	}
	if cfg.Overlay.Colormap == "" {
		cfg.Overlay.Colormap = defaultColormap
	}

	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = defaultReports
	}

	if cfg.History.DBPath == "" {
		cfg.History.DBPath = defaultHistoryDB
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	port := strings.TrimSpace(getenv("PORT"))
	if port == "" {
		return
	}
	host := ""
	if i := strings.LastIndex(cfg.Server.Addr, ":"); i >= 0 {
		host = cfg.Server.Addr[:i]
	}
	cfg.Server.Addr = host + ":" + port
}
