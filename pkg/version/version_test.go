package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versionname"
)

func TestLocations(t *testing.T) {
	v := New("table", versionname.MustParse("v3"), "root/table", storage.NewMemoryBackend())
	assert.Equal(t, "root/table/v3", v.Location())
	assert.Equal(t, "root/table/v3/_pond/manifest.yml", v.ManifestLocation())
	assert.Equal(t, "pond://table/v3", v.URI())
}

func TestZeroNameNeverReachesArtifactRoot(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Write(ctx, "root/table/_pond/manifest.yml", []byte("artifact_name: table\n")))
	require.NoError(t, backend.Write(ctx, "root/table/versions.json", []byte(`["v1"]`)))

	v := New("table", versionname.Name{}, "root/table", backend)

	_, err := v.Exists(ctx)
	require.ErrorIs(t, err, versionname.ErrInvalidVersionName)
	_, err = v.Manifest(ctx)
	require.ErrorIs(t, err, versionname.ErrInvalidVersionName)
	require.ErrorIs(t, v.Write(ctx, artifact.Bytes{}, []byte("x"), nil), versionname.ErrInvalidVersionName)
	require.ErrorIs(t, v.Delete(ctx), versionname.ErrInvalidVersionName)

	paths, err := backend.List(ctx, "root/table")
	require.NoError(t, err)
	assert.Equal(t, []string{"root/table/_pond/manifest.yml", "root/table/versions.json"}, paths)
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	name := versionname.MustParse("v1")

	extras := manifest.New()
	extras.Set("user", map[string]any{"author": "ana"})
	extras.Set(manifest.KeyArtifact, map[string]any{"source": "sensor"})
	extras.Set(manifest.KeyDataFilename, "ignored.bin")

	v := New("table", name, "root/table", backend)
	exists, err := v.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	table := artifact.Table{Columns: []string{"a"}, Rows: [][]string{{"1"}}}
	require.NoError(t, v.Write(ctx, artifact.CSVTable{}, table, extras))

	stored, err := backend.List(ctx, "root/table/v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root/table/v1/_pond/manifest.yml", "root/table/v1/table_v1.csv"}, stored)

	again, err := Read(ctx, backend, "root/table", "table", name, artifact.CSVTable{})
	require.NoError(t, err)
	data, ok := again.Data()
	require.True(t, ok)
	assert.Equal(t, table, data)

	m, err := again.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		manifest.KeyManifestVersion, manifest.KeyArtifactName, manifest.KeyVersionName,
		manifest.KeyDataFilename, manifest.KeyDataChecksum, manifest.KeyArtifactClass,
		manifest.KeyCreatedAt, "user", manifest.KeyArtifact,
	}, m.Keys())
	assert.Equal(t, "table_v1.csv", m.DataFilename())
	assert.Equal(t, "csv_table", m.GetString(manifest.KeyArtifactClass))
	assert.Equal(t, "ana", m.Section("user").GetString("author"))
	assert.Equal(t, "sensor", m.Artifact().GetString("source"))
	rows, _ := m.Artifact().Get("rows")
	assert.Equal(t, 1, rows)
}

func TestRewriteKeepsDataFilename(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	name := versionname.MustParse("v1")

	require.NoError(t, New("t", name, "t", backend).Write(ctx, artifact.Bytes{}, []byte("a"), nil))
	// Same version, adapter now prefers another extension.
	require.NoError(t, New("t", name, "t", backend).Write(ctx, artifact.Text{}, "b", nil))

	v := New("t", name, "t", backend)
	loc, err := v.DataLocation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t/v1/t_v1.bin", loc)
}

func TestChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	name := versionname.MustParse("v1")
	require.NoError(t, New("t", name, "t", backend).Write(ctx, artifact.Bytes{}, []byte("good"), nil))
	require.NoError(t, backend.Write(ctx, "t/v1/t_v1.bin", []byte("evil")))

	_, err := Read(ctx, backend, "t", "t", name, artifact.Bytes{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFailedPayloadLeavesNoVersion(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	v := New("t", versionname.MustParse("v1"), "t", backend)

	err := v.Write(ctx, artifact.Bytes{}, "not bytes", nil)
	assert.ErrorIs(t, err, artifact.ErrUnsupportedData)
	exists, err := v.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	name := versionname.MustParse("v1")
	require.NoError(t, New("t", name, "t", backend).Write(ctx, artifact.Bytes{}, []byte("ab"), nil))

	v := New("t", name, "t", backend)
	require.NoError(t, v.Append(ctx, artifact.Bytes{}, []byte("cd"), nil))

	got, err := New("t", name, "t", backend).Read(ctx, artifact.Bytes{})
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)

	err = v.Append(ctx, artifact.YAML{}, map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrNotAppendable)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(context.Background(), storage.NewMemoryBackend(), "t", "t", versionname.MustParse("v9"), artifact.Bytes{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	v := New("t", versionname.MustParse("v1"), "t", backend)
	require.NoError(t, v.Write(ctx, artifact.Bytes{}, []byte("x"), nil))
	require.NoError(t, v.Delete(ctx))

	exists, err := v.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, v.Delete(ctx))
}
