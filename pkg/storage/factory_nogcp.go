//go:build !gcp

package storage

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg GCSConfig) (Backend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
