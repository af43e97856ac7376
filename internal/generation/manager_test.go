package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/geo-inventory-sub000/internal/config"
	"github.com/bcdev/geo-inventory-sub000/internal/dump"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/query"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.IndexDir = t.TempDir()
	cfg.BlockSize = 4
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	attic, err := storage.NewLocalStorage(cfg.Attic.Dir)
	require.NoError(t, err)
	return NewManager(cfg, attic), cfg
}

// writeSource writes n records named <prefix>NNN, one per hour starting at
// 2010-01-01, each with a 2x2 degree footprint moving east.
func writeSource(t *testing.T, dir, prefix string, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		lon := float64(i % 100)
		fmt.Fprintf(&sb, "%s%03d\t2010-01-%02dT%02d:00:00\t2010-01-%02dT%02d:30:00\t"+
			"POLYGON ((%g 10, %g 10, %g 12, %g 12, %g 10))\n",
			prefix, i, 1+i/24, i%24, 1+i/24, i%24, lon, lon+2, lon+2, lon, lon)
	}
	path := filepath.Join(dir, prefix+".tsv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	return path
}

func countAll(t *testing.T, m *Manager) int {
	t.Helper()
	res, err := m.Query(context.Background(), query.NewConstraint())
	require.NoError(t, err)
	return len(res.Paths)
}

func generationFiles(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	var files []string
	for _, s := range []string{SlotA, SlotB} {
		if _, err := os.Stat(cfg.SlotPath(s)); err == nil {
			files = append(files, s)
		}
	}
	return files
}

func TestUpdate_IncrementalIngestion(t *testing.T) {
	m, cfg := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	first := writeSource(t, src, "first", 14)
	res, err := m.Update(ctx, []string{first})
	require.NoError(t, err)
	assert.Equal(t, 14, res.Added)
	assert.Equal(t, 14, res.Total)
	assert.Equal(t, []string{SlotA}, generationFiles(t, cfg))
	assert.NotEmpty(t, res.Archive)

	second := writeSource(t, src, "second", 16)
	res, err = m.Update(ctx, []string{second})
	require.NoError(t, err)
	assert.Equal(t, 16, res.Added)
	assert.Equal(t, 30, countAll(t, m))

	res, err = m.Update(ctx, []string{second})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 30, res.Total)
	assert.Equal(t, 30, countAll(t, m))
}

func TestUpdate_Rotation(t *testing.T) {
	m, cfg := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	var published []string
	for k := 1; k <= 4; k++ {
		res, err := m.Update(ctx, []string{writeSource(t, src, fmt.Sprintf("run%d-", k), 3)})
		require.NoError(t, err)
		published = append(published, res.Generation)

		want := k
		if want > 2 {
			want = 2
		}
		assert.Len(t, generationFiles(t, cfg), want, "after %d updates", k)

		newest, err := m.Newest()
		require.NoError(t, err)
		assert.Equal(t, res.Generation, newest)
		assert.Equal(t, 3*k, countAll(t, m))
	}
	assert.Equal(t, []string{cfg.SlotPath(SlotA), cfg.SlotPath(SlotB), cfg.SlotPath(SlotA), cfg.SlotPath(SlotB)}, published)
}

func TestUpdate_OverwritesLeftoverStaging(t *testing.T) {
	m, cfg := newTestManager(t)
	require.NoError(t, os.WriteFile(cfg.StagingPath(), []byte("garbage"), 0644))

	res, err := m.Update(context.Background(), []string{writeSource(t, t.TempDir(), "s", 5)})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "staging")
	assert.Equal(t, 5, countAll(t, m))

	_, err = os.Stat(cfg.StagingPath())
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_BadSourceKeepsGeneration(t *testing.T) {
	m, cfg := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "good", 4)})
	require.NoError(t, err)
	before, err := os.ReadFile(cfg.SlotPath(SlotA))
	require.NoError(t, err)

	bad := filepath.Join(src, "bad.tsv")
	require.NoError(t, os.WriteFile(bad, []byte("only-one-field\n"), 0644))
	_, err = m.Update(ctx, []string{bad})
	require.Error(t, err)

	after, err := os.ReadFile(cfg.SlotPath(SlotA))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{SlotA}, generationFiles(t, cfg))
	assert.Equal(t, 4, countAll(t, m))
}

func TestSubmit_PendingUntilUpdate(t *testing.T) {
	m, cfg := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "base", 5)})
	require.NoError(t, err)

	inboxPath, err := m.Submit(ctx, writeSource(t, src, "delta", 3))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(inboxPath), cfg.InboxPrefix))
	assert.Equal(t, 8, countAll(t, m))

	res, err := m.Update(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Added)
	pending, err := m.inbox()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 8, countAll(t, m))

	archives, err := m.attic.ListObjects(ctx, m.archiver.Prefix())
	require.NoError(t, err)
	assert.Len(t, archives, 2)
}

func TestSubmit_RejectsMalformedSource(t *testing.T) {
	m, _ := newTestManager(t)
	bad := filepath.Join(t.TempDir(), "bad.tsv")
	require.NoError(t, os.WriteFile(bad, []byte("p\tnot-a-time\tnull\n"), 0644))

	_, err := m.Submit(context.Background(), bad)
	require.Error(t, err)
	pending, err := m.inbox()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQuery_UnionByPath(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "p", 6)})
	require.NoError(t, err)
	// the same six paths pending again must not be reported twice
	_, err = m.Submit(ctx, writeSource(t, src, "p", 6))
	require.NoError(t, err)

	c := query.NewConstraint()
	c.Polygon, err = geometry.ParsePolygon("POLYGON ((0.5 10.5, 1.5 10.5, 1.5 11.5, 0.5 11.5, 0.5 10.5))")
	require.NoError(t, err)

	res, err := m.Query(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"p000", "p001"}, res.Paths)

	c.MaxResults = 1
	res, err = m.Query(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"p000"}, res.Paths)
	assert.True(t, res.Stats.Truncated)

	ks, ok := m.Stats().Get(c.Kind())
	require.True(t, ok)
	assert.Equal(t, int64(2), ks.Queries)
	assert.Equal(t, int64(1), ks.Truncated)

	top := m.Stats().GetTop(3)
	require.Len(t, top, 1)
	assert.Equal(t, c.Kind(), top[0].Kind)
}

func TestQuery_PendingSourceConsumedConcurrently(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "base", 14)})
	require.NoError(t, err)
	inboxPath, err := m.Submit(ctx, writeSource(t, src, "delta", 3))
	require.NoError(t, err)

	// a listed inbox entry whose file is gone by the time it is read
	require.NoError(t, os.Remove(inboxPath))
	require.NoError(t, os.Symlink(filepath.Join(src, "already-consumed.tsv"), inboxPath))

	_, err = m.pendingView([]string{inboxPath}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	res, err := m.Query(ctx, query.NewConstraint())
	require.NoError(t, err)
	assert.Len(t, res.Paths, 14)
}

func TestQuery_MissingIndex(t *testing.T) {
	m, cfg := newTestManager(t)

	res, err := m.Query(context.Background(), query.NewConstraint())
	require.NoError(t, err)
	assert.Empty(t, res.Paths)

	cfg.Query.Strict = true
	_, err = m.Query(context.Background(), query.NewConstraint())
	require.Error(t, err)
	assert.True(t, errors.Is(err, inverrors.New(inverrors.ErrCategoryConfiguration, inverrors.CodeIndexNotFound, "")))
}

func TestDump(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "g", 5)})
	require.NoError(t, err)
	_, err = m.Submit(ctx, writeSource(t, src, "pending", 2))
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := dump.NewTSVSink(&buf)
	n, err := m.Dump(ctx, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, 7, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "g000\t2010-01-01T00:00:00\t2010-01-01T00:30:00\tPOLYGON"), lines[0])
	assert.True(t, strings.HasPrefix(lines[6], "pending001\t"), lines[6])
}

func TestRestore(t *testing.T) {
	m, cfg := newTestManager(t)
	ctx := context.Background()
	src := t.TempDir()

	_, err := m.Update(ctx, []string{writeSource(t, src, "one", 4)})
	require.NoError(t, err)
	_, err = m.Update(ctx, []string{writeSource(t, src, "two", 3)})
	require.NoError(t, err)

	require.NoError(t, os.Remove(cfg.SlotPath(SlotA)))
	require.NoError(t, os.Remove(cfg.SlotPath(SlotB)))
	assert.Equal(t, 0, countAll(t, m))

	res, err := m.Restore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archives)
	assert.Equal(t, 7, res.Total)
	assert.Equal(t, cfg.SlotPath(SlotA), res.Generation)
	assert.Equal(t, 7, countAll(t, m))
}

func TestTarget(t *testing.T) {
	assert.Equal(t, SlotA, target(nil))
	assert.Equal(t, SlotB, target([]slot{{name: SlotA}}))
	assert.Equal(t, SlotA, target([]slot{{name: SlotB}}))
	assert.Equal(t, SlotA, target([]slot{{name: SlotB}, {name: SlotA}}))
	assert.Equal(t, SlotB, target([]slot{{name: SlotA}, {name: SlotB}}))
}
