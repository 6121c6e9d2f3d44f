package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileBackend is a local filesystem implementation of Backend.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBackend creates a backend rooted at baseDir, creating it if needed.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	//nolint:gosec // G301: 0755 is intentional for a shared data directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// BaseDir returns the directory the backend is rooted at.
func (b *FileBackend) BaseDir() string { return b.baseDir }

func (b *FileBackend) resolve(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(cleaned)), nil
}

func (b *FileBackend) Read(ctx context.Context, p string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	full, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // path validated by CleanPath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

func (b *FileBackend) Write(ctx context.Context, p string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	full, err := b.resolve(p)
	if err != nil {
		return err
	}
	//nolint:gosec // G301: 0755 is intentional for a shared data directory
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", p, err)
	}

	// Write to temp, then rename
	tmpPath := full + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable data files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit %s: %w", p, err)
	}
	return nil
}

// WriteExclusive creates p with O_EXCL so that only one writer can win.
func (b *FileBackend) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	full, err := b.resolve(p)
	if err != nil {
		return false, err
	}
	//nolint:gosec // G301: 0755 is intentional for a shared data directory
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", p, err)
	}
	//nolint:gosec // G302/G304: path validated, file is world readable on purpose
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return true, fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return true, fmt.Errorf("failed to close %s: %w", p, err)
	}
	return true, nil
}

func (b *FileBackend) Exists(ctx context.Context, p string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	full, err := b.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (b *FileBackend) Delete(ctx context.Context, p string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	full, err := b.resolve(p)
	if err != nil {
		return err
	}
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	root := b.baseDir
	if prefix != "" {
		full, err := b.resolve(prefix)
		if err != nil {
			return nil, err
		}
		root = full
	}

	var paths []string
	err := filepath.WalkDir(root, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, current)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}
