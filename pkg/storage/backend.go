// Package storage provides the byte-oriented backends versions are kept on.
//
// Every backend is addressed with slash-separated relative paths, the way an
// object store addresses keys. Directories are implicit: writing a path
// creates whatever intermediate structure the backend needs, and a recursive
// delete removes every path below the given one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned by Read when nothing is stored at a path.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Backend defines the contract of a storage backend.
type Backend interface {
	// Read returns the bytes stored at path, or an error wrapping ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, replacing what was there.
	Write(ctx context.Context, path string, data []byte) error
	// Exists reports whether something is stored at path.
	Exists(ctx context.Context, path string) (bool, error)
	// Delete removes path. With recursive set, everything below path goes too.
	// Deleting a missing path is not an error.
	Delete(ctx context.Context, path string, recursive bool) error
	// List returns every stored path below prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ExclusiveWriter is implemented by backends that can create a path only if
// it does not exist yet, atomically.
type ExclusiveWriter interface {
	// WriteExclusive stores data at path unless something is already there.
	// It reports whether it created the path.
	WriteExclusive(ctx context.Context, path string, data []byte) (bool, error)
}

// Join joins path parts with slashes, trimming trailing slashes of each part.
func Join(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		trimmed = append(trimmed, p)
	}
	return strings.Join(trimmed, "/")
}

// CleanPath validates a backend path and returns its canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// notFound wraps ErrNotFound with the path that was missing.
func notFound(p string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, p)
}

// isBelow reports whether candidate equals root or lies under it.
func isBelow(candidate, root string) bool {
	return candidate == root || strings.HasPrefix(candidate, root+"/")
}
