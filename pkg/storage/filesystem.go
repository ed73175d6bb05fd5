package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStorage persists payment proof and receipt artifacts on disk under a
// base directory. Callers only ever see the opaque relative ref.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./proofs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create proof directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// SaveProof stores an uploaded proof artifact and returns its opaque ref.
func (s *LocalStorage) SaveProof(enrollmentID, kind string, data []byte, ext string) (string, error) {
	if ext == "" {
		ext = ".bin"
	}
	ref := filepath.Join(enrollmentID, fmt.Sprintf("%s-%s%s", kind, uuid.NewString(), ext))
	return s.Save(ref, data)
}

// Save writes the given bytes to the provided relative ref under the base dir.
func (s *LocalStorage) Save(ref string, data []byte) (string, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare proof directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write proof file: %w", err)
	}
	return ref, nil
}

// Open returns a read-only handle for the stored artifact.
func (s *LocalStorage) Open(ref string) (*os.File, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proof file: %w", err)
	}
	return file, nil
}

// Delete removes a stored artifact if present. Missing files are not an error.
func (s *LocalStorage) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete proof file: %w", err)
	}
	return nil
}

func (s *LocalStorage) resolve(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid proof ref %q", ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}
