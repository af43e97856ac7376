package index

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// Builder holds the working set of an index rebuild: entries in insertion
// order, the set of paths already present, and the coverage table the
// entries refer to.
type Builder struct {
	level     int
	blockSize int
	entries   []store.Entry
	paths     map[string]struct{}
	table     *coverage.Table
}

// NewBuilder creates an empty builder computing coverages at level.
func NewBuilder(level, blockSize int) (*Builder, error) {
	if err := coverage.CheckLevel(level); err != nil {
		return nil, inverrors.NewConfigurationError(inverrors.CodeInvalidConfig, err.Error())
	}
	if blockSize <= 0 {
		blockSize = store.DefaultBlockSize
	}
	return &Builder{
		level:     level,
		blockSize: blockSize,
		paths:     make(map[string]struct{}),
		table:     coverage.NewTable(),
	}, nil
}

// NewBuilderFrom creates a builder whose working set starts with every entry
// of r, including its coverage and polygon blob.
func NewBuilderFrom(r *store.Reader, level, blockSize int) (*Builder, error) {
	b, err := NewBuilder(level, blockSize)
	if err != nil {
		return nil, err
	}
	b.entries = make([]store.Entry, 0, r.Size())
	for id := 0; id < r.Size(); id++ {
		view, err := r.ReadEntry(id)
		if err != nil {
			return nil, fmt.Errorf("index: failed to load entry %d: %w", id, err)
		}
		b.AddEntry(store.Entry{
			StartTime: r.StartTime(id),
			EndTime:   r.EndTime(id),
			Path:      view.Path,
			Polygon:   view.Polygon,
		}, r.Coverage(id))
	}
	return b, nil
}

// Add computes the coverage of rec and adds it unless its path is already
// present. It reports whether the record was added.
func (b *Builder) Add(rec Record) (bool, error) {
	if err := checkPath(rec.Path); err != nil {
		return false, err
	}
	if b.Contains(rec.Path) {
		return false, nil
	}
	blob, err := geometry.Encode(rec.Polygon)
	if err != nil {
		return false, err
	}
	return b.AddEntry(store.Entry{
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		Path:      rec.Path,
		Polygon:   blob,
	}, coverage.Encode(rec.Polygon, b.level)), nil
}

// AddEntry adds an entry whose coverage is already known. The entry's
// CoverageID is assigned by interning c. Duplicate paths are dropped.
func (b *Builder) AddEntry(e store.Entry, c coverage.Coverage) bool {
	if _, ok := b.paths[e.Path]; ok {
		return false
	}
	e.CoverageID = b.table.Intern(c)
	b.entries = append(b.entries, e)
	b.paths[e.Path] = struct{}{}
	return true
}

// RemoveByPath removes the entry with the given path.
func (b *Builder) RemoveByPath(path string) bool {
	if _, ok := b.paths[path]; !ok {
		return false
	}
	for i, e := range b.entries {
		if e.Path == path {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	delete(b.paths, path)
	return true
}

// Contains reports whether path is in the working set.
func (b *Builder) Contains(path string) bool {
	_, ok := b.paths[path]
	return ok
}

// Size returns the number of entries.
func (b *Builder) Size() int {
	return len(b.entries)
}

// Level returns the coverage subdivision level.
func (b *Builder) Level() int {
	return b.level
}

// Table returns the coverage table owned by the builder.
func (b *Builder) Table() *coverage.Table {
	return b.table
}

// Entries returns the working set in its current order.
func (b *Builder) Entries() []store.Entry {
	return b.entries
}

// Write sorts the working set by start time, keeping insertion order for
// equal start times, and serializes it. It returns the number of entries
// written.
func (b *Builder) Write(w io.Writer) (int, error) {
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].StartTime < b.entries[j].StartTime
	})
	if err := store.Write(w, b.entries, b.table.All(), b.blockSize); err != nil {
		return 0, err
	}
	return len(b.entries), nil
}

func checkPath(path string) error {
	if path == "" {
		return inverrors.NewValidationError(inverrors.CodeInvalidRecord, "index: empty path")
	}
	if strings.ContainsAny(path, "\t\n") {
		return inverrors.NewValidationError(inverrors.CodeInvalidRecord,
			fmt.Sprintf("index: path %q contains a tab or newline", path))
	}
	return nil
}
