package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps everything in process memory. Useful for tests and
// throwaway pipelines.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

func (b *MemoryBackend) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, notFound(p)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Write(ctx context.Context, p string, data []byte) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; ok {
		return false, nil
	}
	b.objects[key] = append([]byte(nil), data...)
	return true, nil
}

// Exists also reports true for implicit directories, matching the file backend.
func (b *MemoryBackend) Exists(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for stored := range b.objects {
		if isBelow(stored, key) {
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, p string, recursive bool) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	if recursive {
		for stored := range b.objects {
			if isBelow(stored, key) {
				delete(b.objects, stored)
			}
		}
	}
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root := ""
	if prefix != "" {
		cleaned, err := CleanPath(prefix)
		if err != nil {
			return nil, err
		}
		root = cleaned
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var paths []string
	for stored := range b.objects {
		if root == "" || isBelow(stored, root) {
			paths = append(paths, stored)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
