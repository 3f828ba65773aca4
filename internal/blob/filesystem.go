package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vidscope/vidscope/internal/apperrors"
)

// Filesystem stores blobs as files under a root directory. Writes go through
// a temp file and a rename so readers never observe a partial blob.
type Filesystem struct {
	root string
}

var _ Store = (*Filesystem)(nil)

// NewFilesystem creates a filesystem-backed store rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Filesystem{root: dir}, nil
}

// path maps a key to a file path, rejecting traversal outside the root.
func (f *Filesystem) path(key string) (string, error) {
	if key == "" {
		return "", apperrors.NewValidationError("key", "blob key must not be empty")
	}

	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", apperrors.NewValidationError("key", "blob key escapes store root")
	}

	return filepath.Join(f.root, clean), nil
}

func (f *Filesystem) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	path, err := f.path(key)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to close blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to finalize blob: %w", err)
	}

	return n, nil
}

func (f *Filesystem) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("blob", "blob not found")
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	return file, nil
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	return nil
}
