package compaction

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

func writeSources(t *testing.T, contents ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, c := range contents {
		p := filepath.Join(dir, "delta-"+string(rune('a'+i))+".tsv")
		require.NoError(t, os.WriteFile(p, []byte(c), 0644))
		paths = append(paths, p)
	}
	return paths
}

func readArchive(t *testing.T, store storage.ObjectStorage, objectPath string) string {
	t.Helper()
	local := filepath.Join(t.TempDir(), filepath.Base(objectPath))
	require.NoError(t, store.Download(context.Background(), objectPath, local))
	rc, err := OpenArchive(local)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestArchiver_Archive(t *testing.T) {
	for _, compress := range []bool{true, false} {
		attic, err := storage.NewLocalStorage(t.TempDir())
		require.NoError(t, err)

		a := NewArchiver(attic, t.TempDir(), "geo-index", compress)
		a.now = func() time.Time { return time.Date(2011, 3, 4, 5, 6, 7, 0, time.UTC) }

		sources := writeSources(t, "a\tnull\tnull\n", "b\tnull\tnull", "", "c\tnull\tnull\n")
		objectPath, err := a.Archive(context.Background(), sources)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(objectPath, "geo-index-20110304T050607-"), objectPath)
		assert.Equal(t, compress, strings.HasSuffix(objectPath, ".zst"))
		assert.Equal(t, "a\tnull\tnull\nb\tnull\tnull\nc\tnull\tnull\n", readArchive(t, attic, objectPath))
	}
}

func TestArchiver_MissingSource(t *testing.T) {
	attic, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	work := t.TempDir()

	a := NewArchiver(attic, work, "geo-index", true)
	_, err = a.Archive(context.Background(), []string{filepath.Join(work, "missing.tsv")})
	require.Error(t, err)

	leftovers, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestArchiveTime(t *testing.T) {
	ts, ok := ArchiveTime("geo-index-", "attic/geo-index-20110304T050607-1a2b3c4d.tsv.zst")
	require.True(t, ok)
	assert.Equal(t, time.Date(2011, 3, 4, 5, 6, 7, 0, time.UTC), ts)

	_, ok = ArchiveTime("geo-index-", "geo-index-latest.tsv")
	assert.False(t, ok)
	_, ok = ArchiveTime("geo-index-", "other-20110304T050607-x.tsv")
	assert.False(t, ok)
}

func TestGarbageCollector(t *testing.T) {
	attic, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := writeSources(t, "x\n")[0]
	ctx := context.Background()
	for _, name := range []string{
		"geo-index-20100101T000000-aaaaaaaa.tsv.zst",
		"geo-index-20100201T000000-bbbbbbbb.tsv.zst",
		"geo-index-20100301T000000-cccccccc.tsv.zst",
		"notes.txt",
	} {
		require.NoError(t, attic.Upload(ctx, src, name))
	}

	gc := NewGarbageCollector(attic, "geo-index-", 30*24*time.Hour)
	gc.now = func() time.Time { return time.Date(2010, 3, 15, 0, 0, 0, 0, time.UTC) }

	result, err := gc.CollectGarbageWithResult(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"geo-index-20100101T000000-aaaaaaaa.tsv.zst",
		"geo-index-20100201T000000-bbbbbbbb.tsv.zst",
	}, result.DeletedObjects)
	assert.Empty(t, result.Errors)

	remaining, err := attic.ListObjects(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"geo-index-20100301T000000-cccccccc.tsv.zst", "notes.txt"}, remaining)
}

func TestGarbageCollector_DisabledByZeroTTL(t *testing.T) {
	attic, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	src := writeSources(t, "x\n")[0]
	require.NoError(t, attic.Upload(context.Background(), src, "geo-index-20000101T000000-aaaaaaaa.tsv"))

	gc := NewGarbageCollector(attic, "geo-index-", 0)
	result, err := gc.CollectGarbageWithResult(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.DeletedObjects)
}

func TestValidator(t *testing.T) {
	entries := []store.Entry{
		{StartTime: -1, EndTime: -1, Path: "a"},
		{StartTime: 10, EndTime: 20, Path: "b", Polygon: []byte{1, 2, 3}},
		{StartTime: 10, EndTime: 30, Path: "c", Polygon: []byte{4}},
	}
	path := filepath.Join(t.TempDir(), "staged")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, store.Write(f, entries, []coverage.Coverage{{}}, 2))
	require.NoError(t, f.Close())

	v := NewValidator()
	vr, err := v.ValidateFile(path, entries)
	require.NoError(t, err)
	assert.True(t, vr.Valid, vr.Errors)
	assert.Equal(t, vr.ExpectedChecksum, vr.ActualChecksum)

	tampered := append([]store.Entry(nil), entries...)
	tampered[1].Path = "z"
	vr, err = v.ValidateFile(path, tampered)
	require.NoError(t, err)
	assert.False(t, vr.Valid)

	vr, err = v.ValidateFile(path, entries[:2])
	require.NoError(t, err)
	assert.False(t, vr.Valid)
	assert.Equal(t, 2, vr.ExpectedEntries)
	assert.Equal(t, 3, vr.ActualEntries)
}
