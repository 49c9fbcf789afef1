package config

import (
	"os"
	"path/filepath"
	"testing"

	"media-workbench/internal/domain"
)

// TestDefaultSettings verifies baseline defaults are present.
func TestDefaultSettings(t *testing.T) {
	cfg := DefaultSettings()
	if cfg.FFmpegPath != "ffmpeg" || cfg.FFprobePath != "ffprobe" {
		t.Fatalf("tools = %q/%q, want ffmpeg/ffprobe", cfg.FFmpegPath, cfg.FFprobePath)
	}
	if cfg.StagingDir == "" || cfg.OutputDir == "" {
		t.Fatalf("expected non-empty dirs, got %+v", cfg)
	}
	if cfg.ProgressRateHz != DefaultProgressRateHz {
		t.Fatalf("rate = %v, want %v", cfg.ProgressRateHz, DefaultProgressRateHz)
	}
}

// TestJSONStoreLoadMissingReturnsDefaults checks first-run behavior.
func TestJSONStoreLoadMissingReturnsDefaults(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "missing", "settings.json"))

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", got)
	}
}

// TestJSONStoreSaveAndLoadRoundTrip checks persisted settings fidelity.
func TestJSONStoreSaveAndLoadRoundTrip(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "cfg", "settings.json"))
	want := domain.Settings{
		FFmpegPath:     "/opt/ffmpeg/bin/ffmpeg",
		FFprobePath:    "/opt/ffmpeg/bin/ffprobe",
		StagingDir:     "/scratch",
		OutputDir:      "/out",
		ProgressRateHz: 10,
	}

	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
}

// TestJSONStoreLoadFillsMissingFields checks partial files keep defaults.
func TestJSONStoreLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"outputDir":"/custom"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := NewJSONStore(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.OutputDir != "/custom" {
		t.Fatalf("output dir = %q, want /custom", got.OutputDir)
	}
	if got.FFmpegPath != "ffmpeg" || got.ProgressRateHz != DefaultProgressRateHz {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

// TestJSONStoreLoadInvalidJSON checks parse error handling.
func TestJSONStoreLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "settings.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not-json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewJSONStore(path).Load(); err == nil {
		t.Fatal("expected json parse error")
	}
}
