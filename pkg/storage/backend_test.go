package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// backendFactories builds one fresh instance of every backend that runs
// without external services.
func backendFactories(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"file": func(t *testing.T) Backend {
			b, err := NewFileBackend(filepath.Join(t.TempDir(), "store"))
			require.NoError(t, err)
			return b
		},
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			b := NewRedisBackend(RedisConfig{Addr: mr.Addr(), Prefix: "pond:"})
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLBackend(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "pond.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func TestBackends(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
			t.Run("ReadNotFound", func(t *testing.T) { testReadNotFound(t, factory(t)) })
			t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
			t.Run("DeleteRecursive", func(t *testing.T) { testDeleteRecursive(t, factory(t)) })
			t.Run("DeleteMissing", func(t *testing.T) { testDeleteMissing(t, factory(t)) })
			t.Run("List", func(t *testing.T) { testList(t, factory(t)) })
			t.Run("WriteExclusive", func(t *testing.T) { testWriteExclusive(t, factory(t)) })
			t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, factory(t)) })
			t.Run("NonASCIIPrefix", func(t *testing.T) { testNonASCIIPrefix(t, factory(t)) })
		})
	}
}

func testRoundTrip(t *testing.T, b Backend) {
	ctx := context.Background()
	data := []byte("Hello, pond!")

	require.NoError(t, b.Write(ctx, "table/v1/data.bin", data))

	got, err := b.Read(ctx, "table/v1/data.bin")
	require.NoError(t, err)
	require.Equal(t, data, got)

	ok, err := b.Exists(ctx, "table/v1/data.bin")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Exists(ctx, "table/v1")
	require.NoError(t, err)
	require.True(t, ok, "parent of a stored path exists")
}

func testReadNotFound(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.Read(ctx, "nothing/here")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := b.Exists(ctx, "nothing/here")
	require.NoError(t, err)
	require.False(t, ok)
}

func testOverwrite(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "a/b", []byte("one")))
	require.NoError(t, b.Write(ctx, "a/b", []byte("two")))

	got, err := b.Read(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
}

func testDeleteRecursive(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "art/v1/_pond/manifest.yml", []byte("m")))
	require.NoError(t, b.Write(ctx, "art/v1/data.csv", []byte("d")))
	require.NoError(t, b.Write(ctx, "art/v10/data.csv", []byte("keep")))

	require.NoError(t, b.Delete(ctx, "art/v1", true))

	ok, err := b.Exists(ctx, "art/v1/data.csv")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = b.Exists(ctx, "art/v1/_pond/manifest.yml")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := b.Read(ctx, "art/v10/data.csv")
	require.NoError(t, err)
	require.Equal(t, "keep", string(got), "sibling sharing a name prefix survives")
}

func testDeleteMissing(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Delete(ctx, "missing/file", false))
	require.NoError(t, b.Delete(ctx, "missing/dir", true))
}

func testList(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "art/versions.json", []byte("[]")))
	require.NoError(t, b.Write(ctx, "art/v2/data", []byte("x")))
	require.NoError(t, b.Write(ctx, "art/v1/data", []byte("x")))
	require.NoError(t, b.Write(ctx, "other/data", []byte("x")))

	paths, err := b.List(ctx, "art")
	require.NoError(t, err)
	require.Equal(t, []string{"art/v1/data", "art/v2/data", "art/versions.json"}, paths)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func testWriteExclusive(t *testing.T, b Backend) {
	ctx := context.Background()
	ew, ok := b.(ExclusiveWriter)
	require.True(t, ok, "%T should support exclusive writes", b)

	created, err := ew.WriteExclusive(ctx, "art/_pond/_LOCK", nil)
	require.NoError(t, err)
	require.True(t, created)

	created, err = ew.WriteExclusive(ctx, "art/_pond/_LOCK", []byte("again"))
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, b.Delete(ctx, "art/_pond/_LOCK", false))
	created, err = ew.WriteExclusive(ctx, "art/_pond/_LOCK", nil)
	require.NoError(t, err)
	require.True(t, created)
}

func testNonASCIIPrefix(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "café/versions.json", []byte(`["v1"]`)))
	require.NoError(t, b.Write(ctx, "café/v1/_pond/manifest.yml", []byte("m")))
	require.NoError(t, b.Write(ctx, "café/v1/café_v1.bin", []byte("d")))
	require.NoError(t, b.Write(ctx, "cafés/v1/data.bin", []byte("keep")))

	ok, err := b.Exists(ctx, "café/v1")
	require.NoError(t, err)
	require.True(t, ok)

	paths, err := b.List(ctx, "café/v1")
	require.NoError(t, err)
	require.Equal(t, []string{"café/v1/_pond/manifest.yml", "café/v1/café_v1.bin"}, paths)

	require.NoError(t, b.Delete(ctx, "café/v1", true))

	ok, err = b.Exists(ctx, "café/v1/_pond/manifest.yml")
	require.NoError(t, err)
	require.False(t, ok)
	paths, err = b.List(ctx, "café")
	require.NoError(t, err)
	require.Equal(t, []string{"café/versions.json"}, paths)
	paths, err = b.List(ctx, "cafés")
	require.NoError(t, err)
	require.Equal(t, []string{"cafés/v1/data.bin"}, paths)
}

func testInvalidPath(t *testing.T, b Backend) {
	ctx := context.Background()
	for _, p := range []string{"", "/abs", "../escape", "a/../../b"} {
		_, err := b.Read(ctx, p)
		require.ErrorIs(t, err, ErrInvalidPath, p)
		require.ErrorIs(t, b.Write(ctx, p, nil), ErrInvalidPath, p)
	}
}

func TestJoin(t *testing.T) {
	require.Equal(t, "root/art/v1", Join("root/", "art", "v1"))
	require.Equal(t, "art/_pond/manifest.yml", Join("", "art/", "_pond", "manifest.yml"))
}

func TestCleanPath(t *testing.T) {
	p, err := CleanPath("a//b/./c")
	require.NoError(t, err)
	require.Equal(t, "a/b/c", p)
}
