//go:build gcp

package storage

import "context"

func newGCSBackend(ctx context.Context, cfg GCSConfig) (Backend, error) {
	return NewGCSBackend(ctx, cfg)
}
