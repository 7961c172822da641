package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBlobStore keeps one file per key in a directory.
type FileBlobStore struct {
	dir string
	// MaxBytes caps the size of a single value. Zero means unlimited.
	MaxBytes int64
}

// NewFileBlobStore returns a store rooted at dir. The directory is created
// on first write.
func NewFileBlobStore(dir string, maxBytes int64) *FileBlobStore {
	return &FileBlobStore{dir: dir, MaxBytes: maxBytes}
}

// Dir returns the directory the store writes to.
func (f *FileBlobStore) Dir() string {
	return f.dir
}

func (f *FileBlobStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *FileBlobStore) Get(key string) (string, bool, error) {
	path, err := f.path(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), true, nil
}

// Set writes value atomically by renaming a temp file over the target.
func (f *FileBlobStore) Set(key, value string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if f.MaxBytes > 0 && int64(len(value)) > f.MaxBytes {
		return fmt.Errorf("%d bytes exceeds limit of %d: %w", len(value), f.MaxBytes, ErrQuotaExceeded)
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set cache permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}

func (f *FileBlobStore) Remove(key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
