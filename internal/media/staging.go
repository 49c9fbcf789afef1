package media

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
)

// ErrNotStaged is returned when discarding a path the stager never wrote.
var ErrNotStaged = errors.New("path was not staged")

// DefaultStagingDir returns the scratch directory used when none is set.
func DefaultStagingDir() string {
	return filepath.Join(os.TempDir(), "media-workbench")
}

// Stager writes input bytes to private files and removes only the files
// it produced.
type Stager struct {
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error

	mu     sync.Mutex
	dir    string
	staged map[string]struct{}
}

// NewStager returns a stager rooted at dir.
func NewStager(dir string) *Stager {
	s := &Stager{
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		staged:     make(map[string]struct{}),
	}
	s.SetDir(dir)
	return s
}

// SetDir changes where future inputs are staged. Files already staged
// can still be discarded.
func (s *Stager) SetDir(dir string) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultStagingDir()
	}
	s.mu.Lock()
	s.dir = filepath.Clean(dir)
	s.mu.Unlock()
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// StageInput writes data to a new file whose name ends in ext. Without a
// usable ext the suffix is sniffed from the content.
func (s *Stager) StageInput(data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("input is empty")
	}
	dir := s.Dir()
	if err := s.mkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create staging dir %s", dir)
	}

	suffix := sanitizeExt(ext)
	if suffix == "" {
		suffix = sanitizeExt(mimetype.Detect(data).Extension())
	}
	f, err := s.createTemp(dir, "input-*"+suffix)
	if err != nil {
		return "", errors.Wrap(err, "create staged file")
	}
	path := filepath.Clean(f.Name())

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.remove(path)
		return "", errors.Wrapf(err, "write staged file %s", path)
	}
	if err := f.Close(); err != nil {
		_ = s.remove(path)
		return "", errors.Wrapf(err, "close staged file %s", path)
	}

	s.mu.Lock()
	s.staged[path] = struct{}{}
	s.mu.Unlock()
	return path, nil
}

// DiscardInput removes a staged file. A file already gone is not an error.
func (s *Stager) DiscardInput(path string) error {
	clean := filepath.Clean(path)

	s.mu.Lock()
	_, ok := s.staged[clean]
	delete(s.staged, clean)
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotStaged, "discard %s", path)
	}

	if err := s.remove(clean); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove staged file %s", clean)
	}
	return nil
}

// Pending returns how many staged files have not been discarded.
func (s *Stager) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// sanitizeExt keeps a short alphanumeric extension with a leading dot.
func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 10 {
			break
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
