package generation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/bcdev/geo-inventory-sub000/internal/dump"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
	"github.com/bcdev/geo-inventory-sub000/internal/observability"
	"github.com/bcdev/geo-inventory-sub000/internal/query"
)

// QueryResult holds the matching paths and the statistics summed over all
// queried views.
type QueryResult struct {
	Paths []string
	Stats observability.QueryStats
}

// openViews opens the newest generation and a view over the pending inbox
// sources. Either may be missing. The inbox is listed before the newest slot
// is resolved, so a pending file that vanishes afterwards was consumed by an
// update that has already published; the views are then opened once more.
func (m *Manager) openViews() ([]*index.View, error) {
	views, err := m.tryOpenViews(false)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("generation: pending source consumed by a concurrent update, reopening")
		views, err = m.tryOpenViews(true)
	}
	return views, err
}

// tryOpenViews opens the views once. With skipMissing, listed inbox files
// that no longer exist are ignored.
func (m *Manager) tryOpenViews(skipMissing bool) ([]*index.View, error) {
	pending, err := m.inbox()
	if err != nil {
		return nil, err
	}

	var views []*index.View
	newest, err := m.Newest()
	if err != nil {
		return nil, err
	}
	if newest != "" {
		v, err := index.OpenView(newest)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}

	pv, err := m.pendingView(pending, skipMissing)
	if err != nil {
		closeViews(views)
		return nil, err
	}
	if pv != nil {
		views = append(views, pv)
	}
	return views, nil
}

// pendingView decodes the listed inbox sources into an in-memory view, or
// returns nil when there are none.
func (m *Manager) pendingView(pending []string, skipMissing bool) (*index.View, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	b, err := index.NewBuilder(m.cfg.CoverageLevel, m.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	for _, src := range pending {
		recs, err := ingest.ReadFile(src)
		if skipMissing && errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("generation: failed to decode pending source %s: %w", src, err)
		}
		for _, rec := range recs {
			if _, err := b.Add(rec); err != nil {
				return nil, err
			}
		}
	}
	if b.Size() == 0 {
		return nil, nil
	}
	return index.ViewOf(b)
}

func closeViews(views []*index.View) {
	for _, v := range views {
		v.Close()
	}
}

// Query evaluates c against the newest generation and the pending sources
// and returns the union of the matching paths. Paths from the generation
// come first; each path appears once. A zero c.MaxResults falls back to the
// configured limit.
func (m *Manager) Query(ctx context.Context, c query.Constraint) (*QueryResult, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.MaxResults == 0 {
		c.MaxResults = m.cfg.Query.MaxResults
	}

	views, err := m.openViews()
	if err != nil {
		return nil, err
	}
	defer closeViews(views)

	result := &QueryResult{Paths: []string{}}
	if len(views) == 0 {
		if m.cfg.Query.Strict {
			return nil, inverrors.NewConfigurationError(inverrors.CodeIndexNotFound,
				fmt.Sprintf("generation: no index %s found in %s", m.cfg.Name, m.cfg.IndexDir))
		}
		return result, nil
	}

	solver := m.solver()
	seen := make(map[string]struct{})
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, stats, err := solver.Solve(v, c)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			entry, err := v.ReadEntry(id)
			if err != nil {
				return nil, inverrors.NewQueryError(inverrors.CodeExactCheckFailed,
					fmt.Sprintf("generation: failed to read path of entry %d", id), err)
			}
			if _, ok := seen[entry.Path]; ok {
				continue
			}
			seen[entry.Path] = struct{}{}
			result.Paths = append(result.Paths, entry.Path)
		}
		result.Stats.Add(stats)
	}

	if c.MaxResults > 0 && len(result.Paths) > c.MaxResults {
		result.Paths = result.Paths[:c.MaxResults]
		result.Stats.Truncated = true
	}
	result.Stats.Results = len(result.Paths)
	m.stats.Record(c.Kind(), result.Stats)
	return result, nil
}

// Dump writes every entry of the newest generation followed by the pending
// entries not already in it. The sink is not closed. It returns the number
// of entries written.
func (m *Manager) Dump(ctx context.Context, sink dump.Sink) (int, error) {
	views, err := m.openViews()
	if err != nil {
		return 0, err
	}
	defer closeViews(views)

	seen := make(map[string]struct{})
	written := 0
	for _, v := range views {
		for id := 0; id < v.Size(); id++ {
			if id%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return written, err
				}
			}
			entry, err := v.ReadEntry(id)
			if err != nil {
				return written, err
			}
			if _, ok := seen[entry.Path]; ok {
				continue
			}
			seen[entry.Path] = struct{}{}

			polygon, err := geometry.Decode(entry.Polygon)
			if err != nil {
				return written, err
			}
			rec := index.Record{
				Path:      entry.Path,
				StartTime: v.StartTime(id),
				EndTime:   v.EndTime(id),
				Polygon:   polygon,
			}
			if err := sink.WriteEntry(rec); err != nil {
				return written, err
			}
			written++
		}
	}
	log.Printf("generation: dumped %d entries", written)
	return written, nil
}
