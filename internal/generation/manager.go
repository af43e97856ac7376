// Package generation maintains the two on-disk index generations of one
// inventory. Updates always stage a complete snapshot and rename it over the
// older slot, so readers find at least one valid generation at every point.
package generation

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcdev/geo-inventory-sub000/internal/compaction"
	"github.com/bcdev/geo-inventory-sub000/internal/config"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
	"github.com/bcdev/geo-inventory-sub000/internal/observability"
	"github.com/bcdev/geo-inventory-sub000/internal/query"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// Slot names of the generation pair.
const (
	SlotA = "a"
	SlotB = "b"
)

const partSuffix = ".part"

// Manager runs updates and queries against the generations in one index
// directory.
type Manager struct {
	cfg       *config.Config
	attic     storage.ObjectStorage
	archiver  *compaction.Archiver
	validator *compaction.Validator
	gc        *compaction.GarbageCollector
	stats     *observability.Collector
	now       func() time.Time
}

// NewManager creates a manager for cfg. attic receives the archives of
// consumed sources; with a nil attic sources are deleted without archiving.
func NewManager(cfg *config.Config, attic storage.ObjectStorage) *Manager {
	m := &Manager{
		cfg:       cfg,
		attic:     attic,
		validator: compaction.NewValidator(),
		stats:     observability.NewCollector(),
		now:       time.Now,
	}
	if attic != nil {
		m.archiver = compaction.NewArchiver(attic, cfg.IndexDir, cfg.Name, cfg.Attic.Compress)
		m.gc = compaction.NewGarbageCollector(attic, m.archiver.Prefix(), cfg.AtticTTL())
	}
	return m
}

// Stats returns the collector receiving per-query statistics.
func (m *Manager) Stats() *observability.Collector {
	return m.stats
}

// UpdateResult describes one completed update.
type UpdateResult struct {
	// Added is the number of entries new to the index.
	Added int
	// Total is the number of entries in the published generation.
	Total int
	// Generation is the path of the published generation file.
	Generation string
	// Archive is the attic object holding the consumed sources, if any.
	Archive string
	// Warnings lists non-fatal problems such as a failed archive.
	Warnings []string
}

type slot struct {
	name    string
	path    string
	modTime time.Time
}

// slots returns the existing generation files, newest first.
func (m *Manager) slots() ([]slot, error) {
	var found []slot
	for _, name := range []string{SlotA, SlotB} {
		path := m.cfg.SlotPath(name)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, inverrors.NewIOError(inverrors.CodeReadFailed,
				fmt.Sprintf("generation: failed to stat %s", path), err)
		}
		found = append(found, slot{name: name, path: path, modTime: info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].modTime.After(found[j].modTime)
	})
	return found, nil
}

// Newest returns the path of the newest generation, or "" if none exists.
func (m *Manager) Newest() (string, error) {
	slots, err := m.slots()
	if err != nil || len(slots) == 0 {
		return "", err
	}
	return slots[0].path, nil
}

// target picks the slot the next generation is renamed onto: a when none
// exists, the free one when one exists, otherwise the older one.
func target(existing []slot) string {
	switch len(existing) {
	case 0:
		return SlotA
	case 1:
		if existing[0].name == SlotA {
			return SlotB
		}
		return SlotA
	default:
		return existing[len(existing)-1].name
	}
}

// inbox returns the pending delta sources, oldest first.
func (m *Manager) inbox() ([]string, error) {
	dirEntries, err := os.ReadDir(m.cfg.IndexDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed, "generation: failed to list inbox", err)
	}
	var pending []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, m.cfg.InboxPrefix) || strings.HasSuffix(name, partSuffix) {
			continue
		}
		pending = append(pending, filepath.Join(m.cfg.IndexDir, name))
	}
	sort.Strings(pending)
	return pending, nil
}

// Update merges sources and all pending inbox sources into the newest
// generation and publishes the result. sources stay where they are after
// being archived; inbox files are removed.
func (m *Manager) Update(ctx context.Context, sources []string) (*UpdateResult, error) {
	existing, err := m.slots()
	if err != nil {
		return nil, err
	}

	b, err := m.loadBase(existing)
	if err != nil {
		return nil, err
	}
	before := b.Size()

	pending, err := m.inbox()
	if err != nil {
		return nil, err
	}
	consumed := dedupe(append(append([]string(nil), sources...), pending...))

	if err := m.merge(ctx, b, consumed); err != nil {
		return nil, err
	}

	result := &UpdateResult{Added: b.Size() - before}
	if err := m.publish(b, existing, result); err != nil {
		return nil, err
	}
	log.Printf("generation: published %s with %d entries (%d added)", result.Generation, result.Total, result.Added)

	if len(consumed) > 0 {
		m.archive(ctx, consumed, pending, result)
	}
	m.collectGarbage(ctx, result)
	return result, nil
}

func (m *Manager) loadBase(existing []slot) (*index.Builder, error) {
	if len(existing) == 0 {
		return index.NewBuilder(m.cfg.CoverageLevel, m.cfg.BlockSize)
	}
	r, err := store.OpenFile(existing[0].path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return index.NewBuilderFrom(r, m.cfg.CoverageLevel, m.cfg.BlockSize)
}

// merge decodes the sources in parallel, then adds their records in source
// order so the first occurrence of a path wins.
func (m *Manager) merge(ctx context.Context, b *index.Builder, sources []string) error {
	decoded := make([][]index.Record, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := ingest.ReadFile(src)
			if err != nil {
				return fmt.Errorf("generation: failed to decode %s: %w", src, err)
			}
			decoded[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, recs := range decoded {
		for _, rec := range recs {
			if _, err := b.Add(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// publish stages b, validates the staged file and renames it onto the
// target slot.
func (m *Manager) publish(b *index.Builder, existing []slot, result *UpdateResult) error {
	staging := m.cfg.StagingPath()
	if _, err := os.Stat(staging); err == nil {
		m.warn(result, "overwriting staging file %s left by an earlier run", staging)
	}

	n, err := m.stage(b, staging)
	if err != nil {
		os.Remove(staging)
		return err
	}

	vr, err := m.validator.ValidateFile(staging, b.Entries())
	if err != nil {
		os.Remove(staging)
		return err
	}
	if !vr.Valid {
		os.Remove(staging)
		return inverrors.NewInternalError(
			fmt.Sprintf("generation: staged file failed validation: %s", strings.Join(vr.Errors, "; ")), nil)
	}

	name := target(existing)
	dest := m.cfg.SlotPath(name)
	if err := os.Rename(staging, dest); err != nil {
		os.Remove(staging)
		return inverrors.NewIOError(inverrors.CodeRenameFailed,
			fmt.Sprintf("generation: failed to publish %s", dest), err)
	}
	m.markNewest(dest, existing, name)

	result.Total = n
	result.Generation = dest
	return nil
}

func (m *Manager) stage(b *index.Builder, staging string) (int, error) {
	f, err := os.Create(staging)
	if err != nil {
		return 0, inverrors.NewIOError(inverrors.CodeWriteFailed,
			fmt.Sprintf("generation: failed to create %s", staging), err)
	}
	n, err := b.Write(f)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, inverrors.NewIOError(inverrors.CodeWriteFailed, "generation: failed to sync staging file", err)
	}
	if err := f.Close(); err != nil {
		return 0, inverrors.NewIOError(inverrors.CodeWriteFailed, "generation: failed to close staging file", err)
	}
	return n, nil
}

// markNewest makes sure the published file carries a later modification time
// than the other slot, which coarse filesystem clocks do not guarantee.
func (m *Manager) markNewest(dest string, existing []slot, published string) {
	info, err := os.Stat(dest)
	if err != nil {
		return
	}
	for _, s := range existing {
		if s.name == published || s.modTime.Before(info.ModTime()) {
			continue
		}
		t := s.modTime.Add(time.Second)
		if err := os.Chtimes(dest, t, t); err != nil {
			log.Printf("generation: warning: failed to set modification time of %s: %v", dest, err)
		}
	}
}

// archive stores the consumed sources in the attic, then removes the inbox
// files among them. Failures are reported as warnings only.
func (m *Manager) archive(ctx context.Context, consumed, pending []string, result *UpdateResult) {
	if m.archiver != nil {
		objectPath, err := m.archiver.Archive(ctx, consumed)
		if err != nil {
			m.warn(result, "failed to archive %d sources: %v", len(consumed), err)
			return
		}
		result.Archive = objectPath
	}
	for _, p := range pending {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.warn(result, "failed to remove inbox source %s: %v", p, err)
		}
	}
}

func (m *Manager) collectGarbage(ctx context.Context, result *UpdateResult) {
	if m.gc == nil || m.gc.TTL() <= 0 {
		return
	}
	if err := m.gc.CollectGarbage(ctx); err != nil {
		m.warn(result, "attic garbage collection failed: %v", err)
	}
}

func (m *Manager) warn(result *UpdateResult, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("generation: warning: %s", msg)
	result.Warnings = append(result.Warnings, msg)
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		key := filepath.Clean(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// solver returns a solver configured from the query settings.
func (m *Manager) solver() *query.Solver {
	s := query.NewSolver(m.cfg.CoverageLevel)
	s.UseIndex = m.cfg.Query.UseIndex
	s.IndexOnly = m.cfg.Query.IndexOnly
	return s
}
