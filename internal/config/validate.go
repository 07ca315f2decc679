package config

import (
	"errors"
	"fmt"
	"strings"
)

var colormaps = map[string]bool{"jet": true, "hot": true, "bone": true, "rainbow": true, "ocean": true}

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if strings.TrimSpace(cfg.Model.Path) == "" {
		return errors.New("model.path must be set")
	}
	if strings.TrimSpace(cfg.Model.Metadata) == "" {
		return errors.New("model.metadata must be set")
	}

	if cfg.Preprocess.ClipLimit <= 0 {
		return fmt.Errorf("preprocess.clip_limit must be positive, got %v", cfg.Preprocess.ClipLimit)
	}
	if cfg.Preprocess.TileGridSize <= 0 {
		return fmt.Errorf("preprocess.tile_grid_size must be positive, got %d", cfg.Preprocess.TileGridSize)
	}

	if cfg.Overlay.Alpha < 0 || cfg.Overlay.Alpha > 1 {
		return fmt.Errorf("overlay.alpha must be within [0,1], got %v", cfg.Overlay.Alpha)
	}
	if !colormaps[strings.ToLower(cfg.Overlay.Colormap)] {
		return fmt.Errorf("overlay.colormap %q is not supported", cfg.Overlay.Colormap)
	}

	if strings.TrimSpace(cfg.Reports.Dir) == "" {
		return errors.New("reports.dir must be set")
	}

	return nil
}
