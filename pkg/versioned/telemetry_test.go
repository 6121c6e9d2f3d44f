package versioned

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nagra-insight/pond/pkg/observability"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versionname"
)

func meteredProvider(t *testing.T) (*observability.Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	p, err := observability.NewFromProviders(noop.NewTracerProvider(), mp)
	require.NoError(t, err)
	return p, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestHeldLockIsCounted(t *testing.T) {
	ctx := context.Background()
	obs, reader := meteredProvider(t)
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend, WithLockBackoff(time.Millisecond), WithObservability(obs))
	require.NoError(t, backend.Write(ctx, "root/table/_pond/_LOCK", nil))

	_, err := a.Write(ctx, []byte("x"), nil)
	require.ErrorIs(t, err, ErrArtifactVersionsIsLocked)

	table := observability.AttrArtifactName.String("table")
	assert.Equal(t, int64(2), counterTotal(t, reader, "pond.lock.contended", table))
	assert.Equal(t, int64(1), counterTotal(t, reader, "pond.lock.timeouts", table))
	assert.Zero(t, counterTotal(t, reader, "pond.versions.stored", table))
}

func TestStoredVersionsCountedByOutcome(t *testing.T) {
	ctx := context.Background()
	obs, reader := meteredProvider(t)
	a := openBytes(t, storage.NewMemoryBackend(), WithObservability(obs))
	v1 := versionname.MustParse("v1")

	_, err := a.Write(ctx, []byte("ab"), nil, WithVersionName(v1), WithWriteMode(Append))
	require.NoError(t, err)
	_, err = a.Write(ctx, []byte("cd"), nil, WithVersionName(v1), WithWriteMode(Append))
	require.NoError(t, err)
	_, err = a.Write(ctx, []byte("ef"), nil, WithVersionName(v1), WithWriteMode(Ignore))
	require.NoError(t, err)
	_, err = a.Write(ctx, []byte("gh"), nil)
	require.NoError(t, err)

	outcome := observability.AttrWriteOutcome
	assert.Equal(t, int64(2), counterTotal(t, reader, "pond.versions.stored", outcome.String(observability.OutcomeWritten)))
	assert.Equal(t, int64(1), counterTotal(t, reader, "pond.versions.stored", outcome.String(observability.OutcomeAppended)))
	assert.Equal(t, int64(1), counterTotal(t, reader, "pond.versions.stored", outcome.String(observability.OutcomeSkipped)))
	assert.Zero(t, counterTotal(t, reader, "pond.lock.contended", observability.AttrArtifactName.String("table")))
}
