//go:build gcp

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSBackend implements Backend using Google Cloud Storage.
type GCSBackend struct {
	client *gcs.Client
	bucket string
	prefix string // Optional key prefix (e.g., "pond/")
}

// NewGCSBackend creates a new GCS-backed storage backend.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	// Create GCS client (uses ADC by default)
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSBackend) object(p string) (*gcs.ObjectHandle, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + cleaned), nil
}

func (s *GCSBackend) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", p, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", p, err)
	}
	return data, nil
}

func (s *GCSBackend) Write(ctx context.Context, p string, data []byte) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}
	return s.upload(ctx, obj, p, data)
}

// WriteExclusive uses a DoesNotExist precondition.
func (s *GCSBackend) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}
	err = s.upload(ctx, obj.If(gcs.Conditions{DoesNotExist: true}), p, data)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GCSBackend) upload(ctx context.Context, obj *gcs.ObjectHandle, p string, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", p, err)
	}
	return nil
}

func (s *GCSBackend) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gcs.ErrObjectNotExist) {
		return false, fmt.Errorf("gcs attrs error for %s: %w", p, err)
	}
	names, err := s.listNames(ctx, obj.ObjectName()+"/", 1)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (s *GCSBackend) Delete(ctx context.Context, p string, recursive bool) error {
	obj, err := s.object(p)
	if err != nil {
		return err
	}
	names := []string{obj.ObjectName()}
	if recursive {
		below, err := s.listNames(ctx, obj.ObjectName()+"/", 0)
		if err != nil {
			return err
		}
		names = append(names, below...)
	}
	bucket := s.client.Bucket(s.bucket)
	for _, name := range names {
		err := bucket.Object(name).Delete(ctx)
		if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("gcs delete failed for %s: %w", name, err)
		}
	}
	return nil
}

func (s *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := s.prefix
	if prefix != "" {
		obj, err := s.object(prefix)
		if err != nil {
			return nil, err
		}
		listPrefix = obj.ObjectName() + "/"
	}
	names, err := s.listNames(ctx, listPrefix, 0)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, strings.TrimPrefix(name, s.prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *GCSBackend) listNames(ctx context.Context, prefix string, limit int) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
		if limit > 0 && len(names) >= limit {
			break
		}
	}
	return names, nil
}

// Close closes the GCS client.
func (s *GCSBackend) Close() error {
	return s.client.Close()
}
