package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"media-workbench/internal/domain"
)

// Store defines persistence operations for app settings.
type Store interface {
	Load() (domain.Settings, error)
	Save(domain.Settings) error
}

// JSONStore persists settings in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed settings store.
func NewJSONStore(path string) *JSONStore {
	if path == "" {
		path = DefaultSettingsPath()
	}
	return &JSONStore{path: path}
}

// Path returns the backing file.
func (s *JSONStore) Path() string {
	return s.path
}

// Load reads settings from disk. A missing file yields defaults and
// absent fields are filled from them.
func (s *JSONStore) Load() (domain.Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return domain.Settings{}, errors.Wrapf(err, "read settings %s", s.path)
	}

	var cfg domain.Settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.Settings{}, errors.WithHint(
			errors.Wrapf(err, "parse settings %s", s.path),
			"Fix or delete the settings file to restore defaults.",
		)
	}

	return WithDefaults(cfg), nil
}

// Save writes settings as indented JSON and creates parent directories.
func (s *JSONStore) Save(cfg domain.Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create settings dir")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write settings")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace settings")
}
