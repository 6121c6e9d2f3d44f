package versioned

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/manifest"
	"github.com/nagra-insight/pond/pkg/storage"
	"github.com/nagra-insight/pond/pkg/versionname"
)

func openBytes(t *testing.T, backend storage.Backend, opts ...Option) *Artifact {
	t.Helper()
	a, err := Open(context.Background(), "table", "root", backend, artifact.Bytes{}, versionname.SimpleScheme(), opts...)
	require.NoError(t, err)
	return a
}

func names(t *testing.T, list []versionname.Name) []string {
	t.Helper()
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.String()
	}
	return out
}

func readBytes(t *testing.T, a *Artifact, name string) []byte {
	t.Helper()
	v, err := a.ReadString(context.Background(), name)
	require.NoError(t, err)
	data, ok := v.Data()
	require.True(t, ok)
	return data.([]byte)
}

func TestFreshArtifactScenario(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	res, err := a.Write(ctx, []byte("A"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Name().String())
	assert.Equal(t, []byte("A"), readBytes(t, a, ""))

	res, err = a.Write(ctx, []byte("B"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Name().String())
	assert.Equal(t, []byte("A"), readBytes(t, a, "v1"))
	assert.Equal(t, []byte("B"), readBytes(t, a, ""))

	existing, err := a.VersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, names(t, existing))

	ledger, err := backend.Read(ctx, "root/table/versions.json")
	require.NoError(t, err)
	assert.Equal(t, `["v1","v2"]`, string(ledger))

	pinned, err := backend.Read(ctx, "root/table/_pond/manifest.yml")
	require.NoError(t, err)
	assert.Contains(t, string(pinned), "artifact_class: bytes")
	assert.Contains(t, string(pinned), "version_name_class: simple")
}

func TestSequentialWritesAreIncreasing(t *testing.T) {
	ctx := context.Background()
	a := openBytes(t, storage.NewMemoryBackend())

	var written []versionname.Name
	for i := 0; i < 12; i++ {
		res, err := a.Write(ctx, []byte{byte(i)}, nil)
		require.NoError(t, err)
		written = append(written, res.Name())
	}
	for i := 1; i < len(written); i++ {
		assert.True(t, written[i-1].Less(written[i]), "%s < %s", written[i-1], written[i])
	}
	got, err := a.VersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, names(t, written), names(t, got))
	assert.Equal(t, "v12", got[len(got)-1].String())
}

func TestWriteModes(t *testing.T) {
	ctx := context.Background()
	v1 := versionname.MustParse("v1")

	t.Run("error if exists keeps data", func(t *testing.T) {
		a := openBytes(t, storage.NewMemoryBackend())
		_, err := a.Write(ctx, []byte("old"), nil, WithVersionName(v1))
		require.NoError(t, err)
		_, err = a.Write(ctx, []byte("new"), nil, WithVersionName(v1))
		assert.ErrorIs(t, err, ErrArtifactVersionAlreadyExists)
		assert.Equal(t, []byte("old"), readBytes(t, a, "v1"))
	})

	t.Run("overwrite replaces data", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		a := openBytes(t, backend)
		_, err := a.Write(ctx, []byte("old"), nil, WithVersionName(v1))
		require.NoError(t, err)
		require.NoError(t, backend.Write(ctx, "root/table/v1/stale.tmp", []byte("x")))

		res, err := a.Write(ctx, []byte("new"), nil, WithVersionName(v1), WithWriteMode(Overwrite))
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Equal(t, []byte("new"), readBytes(t, a, "v1"))
		exists, err := backend.Exists(ctx, "root/table/v1/stale.tmp")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ignore keeps data without error", func(t *testing.T) {
		a := openBytes(t, storage.NewMemoryBackend())
		_, err := a.Write(ctx, []byte("old"), nil, WithVersionName(v1))
		require.NoError(t, err)
		res, err := a.Write(ctx, []byte("new"), nil, WithVersionName(v1), WithWriteMode(Ignore))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, "v1", res.Name().String())
		assert.Equal(t, []byte("old"), readBytes(t, a, "v1"))
	})

	t.Run("append extends appendable classes", func(t *testing.T) {
		a := openBytes(t, storage.NewMemoryBackend())
		_, err := a.Write(ctx, []byte("ab"), nil, WithVersionName(v1), WithWriteMode(Append))
		require.NoError(t, err)
		res, err := a.Write(ctx, []byte("cd"), nil, WithVersionName(v1), WithWriteMode(Append))
		require.NoError(t, err)
		assert.True(t, res.Appended)
		assert.Equal(t, []byte("abcd"), readBytes(t, a, "v1"))
	})

	t.Run("append on other classes is a collision", func(t *testing.T) {
		a, err := Open(ctx, "doc", "root", storage.NewMemoryBackend(), artifact.YAML{}, versionname.SimpleScheme())
		require.NoError(t, err)
		_, err = a.Write(ctx, map[string]any{"a": 1}, nil, WithVersionName(v1))
		require.NoError(t, err)
		_, err = a.Write(ctx, map[string]any{"b": 2}, nil, WithVersionName(v1), WithWriteMode(Append))
		assert.ErrorIs(t, err, ErrArtifactVersionAlreadyExists)
	})
}

func TestParseWriteMode(t *testing.T) {
	tests := []struct {
		in   string
		want WriteMode
	}{
		{"", ErrorIfExists},
		{"error_if_exists", ErrorIfExists},
		{"error-if-exists", ErrorIfExists},
		{"OVERWRITE", Overwrite},
		{"ignore", Ignore},
		{" append ", Append},
	}
	for _, tt := range tests {
		got, err := ParseWriteMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseWriteMode("merge")
	assert.Error(t, err)
}

func TestExtrasLandInManifest(t *testing.T) {
	ctx := context.Background()
	a := openBytes(t, storage.NewMemoryBackend())
	extras := manifest.New()
	extras.Set("user", map[string]any{"author": "ana"})

	res, err := a.Write(ctx, []byte("x"), extras)
	require.NoError(t, err)

	v, err := a.ReadString(ctx, res.Name().String())
	require.NoError(t, err)
	m, err := v.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ana", m.Section("user").GetString("author"))
	assert.Equal(t, "table", m.GetString(manifest.KeyArtifactName))
	assert.Equal(t, "pond://table/v1", v.URI())
}

func TestDeleteVersion(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)

	require.NoError(t, a.DeleteVersion(ctx, versionname.MustParse("v7")))

	for i := 0; i < 3; i++ {
		_, err := a.Write(ctx, []byte("x"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, a.DeleteVersion(ctx, versionname.MustParse("v2")))

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v3"}, names(t, all))
	paths, err := backend.List(ctx, "root/table/v2")
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = a.ReadString(ctx, "v2")
	assert.ErrorIs(t, err, ErrArtifactVersionDoesNotExist)
}

func TestDeleteZeroVersionNameKeepsArtifact(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)
	_, err := a.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	before, err := backend.List(ctx, "root/table")
	require.NoError(t, err)

	err = a.DeleteVersion(ctx, versionname.Name{})
	require.ErrorIs(t, err, versionname.ErrInvalidVersionName)

	after, err := backend.List(ctx, "root/table")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []byte("x"), readBytes(t, a, "v1"))
}

func TestDeleteVersionNonASCIINameOnSQLite(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.OpenSQLBackend(ctx, storage.DialectSQLite, filepath.Join(t.TempDir(), "pond.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	a, err := Open(ctx, "café", "root", backend, artifact.Bytes{}, versionname.SimpleScheme())
	require.NoError(t, err)
	_, err = a.Write(ctx, []byte("old"), nil)
	require.NoError(t, err)

	require.NoError(t, a.DeleteVersion(ctx, versionname.MustParse("v1")))
	paths, err := backend.List(ctx, "root/café/v1")
	require.NoError(t, err)
	assert.Empty(t, paths)

	res, err := a.Write(ctx, []byte("new"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Name().String())
	v, err := a.ReadString(ctx, "v1")
	require.NoError(t, err)
	data, _ := v.Data()
	assert.Equal(t, []byte("new"), data)
}

func TestAllocationStopsAtLastCounter(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)
	require.NoError(t, storage.WriteJSON(ctx, backend, "root/table/versions.json", []string{"v9223372036854775807"}))

	_, err := a.Write(ctx, []byte("x"), nil)
	require.ErrorIs(t, err, versionname.ErrNoSuccessor)

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v9223372036854775807"}, names(t, all))
}

func TestRegisteredButNotExisting(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)
	require.NoError(t, storage.WriteJSON(ctx, backend, "root/table/versions.json", []string{"v1"}))

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names(t, all))
	existing, err := a.VersionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, existing)

	_, err = a.LatestVersionName(ctx)
	assert.ErrorIs(t, err, ErrArtifactHasNoVersion)
	_, err = a.LatestVersion(ctx)
	assert.ErrorIs(t, err, ErrArtifactHasNoVersion)

	res, err := a.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Name().String())
}

func TestMissingLedgerIsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)
	require.NoError(t, backend.Delete(ctx, "root/table/versions.json", false))

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	a := openBytes(t, backend)
	_, err := a.Write(ctx, []byte("A"), nil)
	require.NoError(t, err)

	t.Run("different artifact class", func(t *testing.T) {
		_, err := Open(ctx, "table", "root", backend, artifact.JSON{}, versionname.SimpleScheme())
		assert.ErrorIs(t, err, ErrClassMismatch)
	})

	t.Run("different version name class", func(t *testing.T) {
		_, err := Open(ctx, "table", "root", backend, artifact.Bytes{}, versionname.DateTimeScheme())
		assert.ErrorIs(t, err, ErrClassMismatch)
	})

	t.Run("pinned classes adopted", func(t *testing.T) {
		again, err := Open(ctx, "table", "root", backend, nil, versionname.Scheme{})
		require.NoError(t, err)
		assert.Equal(t, "bytes", again.Adapter().ClassID())
		assert.Equal(t, versionname.KindSimple, again.Scheme().Kind)
		assert.Equal(t, []byte("A"), readBytes(t, again, ""))
	})

	t.Run("pinned compressed class", func(t *testing.T) {
		_, err := Open(ctx, "packed", "root", backend, artifact.Compressed(artifact.JSON{}), versionname.Scheme{})
		require.NoError(t, err)
		again, err := Open(ctx, "packed", "root", backend, nil, versionname.Scheme{}, WithRegistry(artifact.NewDefaultRegistry()))
		require.NoError(t, err)
		assert.Equal(t, "json+zstd", again.Adapter().ClassID())
	})
}

func TestOpenRequiresClassForNewArtifact(t *testing.T) {
	_, err := Open(context.Background(), "fresh", "root", storage.NewMemoryBackend(), nil, versionname.Scheme{})
	assert.ErrorIs(t, err, artifact.ErrUnknownClass)
}

func TestInvalidArtifactNames(t *testing.T) {
	for _, name := range []string{"", "  ", "..", "a/b", `a\b`, "_pond"} {
		_, err := Open(context.Background(), name, "root", storage.NewMemoryBackend(), artifact.Bytes{}, versionname.Scheme{})
		assert.ErrorIs(t, err, ErrInvalidArtifactName, "%q", name)
	}
}

func TestArtifactNameIsNFCNormalized(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	decomposed := "cafe\u0301"
	a, err := Open(ctx, decomposed, "root", backend, artifact.Bytes{}, versionname.Scheme{})
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", a.Name())

	_, err = a.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	again, err := Open(ctx, "caf\u00e9", "root", backend, nil, versionname.Scheme{})
	require.NoError(t, err)
	got, err := again.VersionNames(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// noExclusive hides the ExclusiveWriter of the wrapped backend.
type noExclusive struct {
	storage.Backend
}

func TestHeldLockFailsAfterOneRetry(t *testing.T) {
	backends := map[string]func() storage.Backend{
		"exclusive create": func() storage.Backend { return storage.NewMemoryBackend() },
		"exists then write": func() storage.Backend { return noExclusive{storage.NewMemoryBackend()} },
	}
	for label, newBackend := range backends {
		t.Run(label, func(t *testing.T) {
			ctx := context.Background()
			backend := newBackend()
			backoff := 20 * time.Millisecond
			a := openBytes(t, backend, WithLockBackoff(backoff))
			require.NoError(t, backend.Write(ctx, "root/table/_pond/_LOCK", nil))

			start := time.Now()
			_, err := a.Write(ctx, []byte("x"), nil)
			assert.ErrorIs(t, err, ErrArtifactVersionsIsLocked)
			assert.GreaterOrEqual(t, time.Since(start), backoff)

			// Someone else's lock is left alone.
			held, err := backend.Exists(ctx, "root/table/_pond/_LOCK")
			require.NoError(t, err)
			assert.True(t, held)

			all, err := a.AllVersionNames(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

// releasedOnRetry reports the lock held on the first attempt only.
type releasedOnRetry struct {
	*storage.MemoryBackend
	attempts atomic.Int32
}

func (b *releasedOnRetry) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	if b.attempts.Add(1) == 1 {
		return false, nil
	}
	return b.MemoryBackend.WriteExclusive(ctx, p, data)
}

func TestLockReleasedDuringBackoff(t *testing.T) {
	ctx := context.Background()
	backend := &releasedOnRetry{MemoryBackend: storage.NewMemoryBackend()}
	var logs bytes.Buffer
	a := openBytes(t, backend, WithLockBackoff(time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	res, err := a.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Name().String())
	assert.EqualValues(t, 2, backend.attempts.Load())
	assert.Contains(t, logs.String(), "artifact versions are locked, retrying")
}

// failingLedger fails every ledger write.
type failingLedger struct {
	*storage.MemoryBackend
	fail bool
}

func (b *failingLedger) Write(ctx context.Context, p string, data []byte) error {
	if b.fail && strings.HasSuffix(p, "versions.json") {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Write(ctx, p, data)
}

func TestLockReleasedOnError(t *testing.T) {
	ctx := context.Background()
	backend := &failingLedger{MemoryBackend: storage.NewMemoryBackend()}
	a := openBytes(t, backend)
	backend.fail = true

	_, err := a.Write(ctx, []byte("x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	held, err := backend.Exists(ctx, "root/table/_pond/_LOCK")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMixedSchemeNames(t *testing.T) {
	ctx := context.Background()
	dt := versionname.MustParse("2024-05-01 10:00:00")

	var logs bytes.Buffer
	a := openBytes(t, storage.NewMemoryBackend(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	_, err := a.Write(ctx, []byte("x"), nil, WithVersionName(dt))
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "version name outside the artifact scheme")

	res, err := a.Write(ctx, []byte("y"), nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Name().String())

	all, err := a.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-01 10:00:00", "v1"}, names(t, all))

	strict := openBytes(t, storage.NewMemoryBackend(), WithStrictVersionNames())
	_, err = strict.Write(ctx, []byte("x"), nil, WithVersionName(dt))
	assert.ErrorIs(t, err, versionname.ErrIncompatibleVersionName)
}

func TestDateTimeScheme(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	scheme := versionname.DateTimeScheme()
	scheme.Now = func() time.Time { return now }

	a, err := Open(ctx, "events", "root", storage.NewMemoryBackend(), artifact.Bytes{}, scheme)
	require.NoError(t, err)
	first, err := a.Write(ctx, []byte("a"), nil)
	require.NoError(t, err)
	second, err := a.Write(ctx, []byte("b"), nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 10:00:00", first.Name().String())
	assert.Equal(t, "2024-05-01 10:00:01", second.Name().String())

	now = now.Add(time.Hour)
	third, err := a.Write(ctx, []byte("c"), nil)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 11:00:00", third.Name().String())
}

func TestReopenAdoptsSchemeDetails(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()

	_, err := Open(ctx, "daily", "root", backend, artifact.Bytes{}, versionname.DateScheme())
	require.NoError(t, err)
	daily, err := Open(ctx, "daily", "root", backend, nil, versionname.Scheme{})
	require.NoError(t, err)
	assert.True(t, daily.Scheme().DateOnly)
	res, err := daily.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	assert.True(t, res.Name().DateOnly(), "got %s", res.Name())

	_, err = Open(ctx, "model", "root", backend, artifact.Bytes{}, versionname.RunScheme("exp1"))
	require.NoError(t, err)
	model, err := Open(ctx, "model", "root", backend, nil, versionname.Scheme{})
	require.NoError(t, err)
	assert.Equal(t, "exp1", model.Scheme().RunID)
	res, err = model.Write(ctx, []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "run_exp1_v1", res.Name().String())

	pinned, err := backend.Read(ctx, "root/model/_pond/manifest.yml")
	require.NoError(t, err)
	assert.Contains(t, string(pinned), "version_name_run_id: exp1")
}

func TestRunSchemesShareLedger(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()

	runA, err := Open(ctx, "model", "root", backend, artifact.Bytes{}, versionname.RunScheme("a"))
	require.NoError(t, err)
	runB, err := Open(ctx, "model", "root", backend, artifact.Bytes{}, versionname.RunScheme("b"))
	require.NoError(t, err)

	for _, w := range []*Artifact{runA, runA, runB, runA} {
		_, err := w.Write(ctx, []byte("x"), nil)
		require.NoError(t, err)
	}
	all, err := runA.AllVersionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_a_v1", "run_a_v2", "run_a_v3", "run_b_v1"}, names(t, all))
}

func TestFileBackendEndToEnd(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	a, err := Open(ctx, "table", "pond", backend, artifact.CSVTable{}, versionname.SimpleScheme())
	require.NoError(t, err)
	table := artifact.Table{Columns: []string{"k", "v"}, Rows: [][]string{{"a", "1"}}}
	_, err = a.Write(ctx, table, nil)
	require.NoError(t, err)
	_, err = a.Write(ctx, artifact.Table{Columns: []string{"k", "v"}, Rows: [][]string{{"b", "2"}}}, nil,
		WithVersionName(versionname.MustParse("v1")), WithWriteMode(Append))
	require.NoError(t, err)

	v, err := a.LatestVersion(ctx)
	require.NoError(t, err)
	data, _ := v.Data()
	assert.Equal(t, [][]string{{"a", "1"}, {"b", "2"}}, data.(artifact.Table).Rows)
}
