package config

import (
	"os"
	"path/filepath"

	"media-workbench/internal/domain"
)

// DefaultProgressRateHz bounds how often progress reaches the UI.
const DefaultProgressRateHz = 4

// DefaultSettingsPath returns where settings live when no path is given.
func DefaultSettingsPath() string {
	return filepath.Join(homeDir(), ".media-workbench", "settings.json")
}

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		StagingDir:     filepath.Join(os.TempDir(), "media-workbench"),
		OutputDir:      filepath.Join(homeDir(), "Documents", "Media Workbench"),
		ProgressRateHz: DefaultProgressRateHz,
	}
}

// WithDefaults fills unset fields from DefaultSettings.
func WithDefaults(cfg domain.Settings) domain.Settings {
	def := DefaultSettings()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = def.FFprobePath
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = def.StagingDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = def.OutputDir
	}
	if cfg.ProgressRateHz <= 0 {
		cfg.ProgressRateHz = def.ProgressRateHz
	}
	return cfg
}

func homeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return dir
}
