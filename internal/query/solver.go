package query

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/s2"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/observability"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// GeoIndex is the read-only view the solver operates on. Entries are sorted
// ascending by start time.
type GeoIndex interface {
	Size() int
	StartTime(id int) int32
	EndTime(id int) int32
	IndexForTime(t int32) int
	MaxDuration() int32
	Coverage(id int) coverage.Coverage
	ReadEntry(id int) (store.EntryView, error)
}

// Solver evaluates constraints against a GeoIndex.
type Solver struct {
	// Level is the coverage level the index was built with.
	Level int

	// UseIndex enables the coverage pre-filter.
	UseIndex bool

	// IndexOnly skips the exact geometry check and returns the coverage
	// survivors as they are.
	IndexOnly bool
}

// NewSolver creates a solver using the coverage pre-filter.
func NewSolver(level int) *Solver {
	return &Solver{Level: level, UseIndex: true}
}

// Solve returns the ids of matching entries ascending by start time.
func (s *Solver) Solve(idx GeoIndex, c Constraint) ([]int, observability.QueryStats, error) {
	var stats observability.QueryStats
	if err := c.Validate(); err != nil {
		return nil, stats, err
	}
	if idx.Size() == 0 {
		return []int{}, stats, nil
	}

	if len(c.Points) > 0 {
		return s.solvePoints(idx, c, &stats)
	}

	w := window{start: c.Start, end: c.End, onlyStart: c.UseOnlyProductStart}
	var filter func(id int) bool
	if c.Polygon != nil && s.UseIndex {
		query := coverage.Encode(c.Polygon, s.Level)
		filter = func(id int) bool { return coverage.Intersects(query, idx.Coverage(id)) }
	}

	var candidates []int
	scan(idx, w, func(id int) {
		stats.TimeCandidates++
		if filter == nil || filter(id) {
			candidates = append(candidates, id)
		}
	})
	stats.ApproxSurvivors = len(candidates)

	if c.Polygon == nil || s.IndexOnly {
		return truncate(candidates, c.MaxResults, &stats), stats, nil
	}

	results, err := exactCheck(idx, candidates, c.MaxResults, &stats, func(p *s2.Polygon, _ int) bool {
		return geometry.Intersects(c.Polygon, p)
	})
	return results, stats, err
}

func (s *Solver) solvePoints(idx GeoIndex, c Constraint, stats *observability.QueryStats) ([]int, observability.QueryStats, error) {
	matches := make(map[int][]s2.Point)
	var order []int

	for _, pt := range c.Points {
		w, ok := c.pointWindow(pt)
		if !ok {
			continue
		}
		token := coverage.PointToken(pt.Point, coverage.MaxLevel)
		scan(idx, w, func(id int) {
			stats.TimeCandidates++
			if s.UseIndex && !coverage.ContainsPoint(idx.Coverage(id), token) {
				return
			}
			if _, seen := matches[id]; !seen {
				order = append(order, id)
			}
			matches[id] = append(matches[id], pt.Point)
		})
	}

	sort.SliceStable(order, func(i, j int) bool {
		return idx.StartTime(order[i]) < idx.StartTime(order[j])
	})
	stats.ApproxSurvivors = len(order)

	if s.IndexOnly {
		return truncate(order, c.MaxResults, stats), *stats, nil
	}

	results, err := exactCheck(idx, order, c.MaxResults, stats, func(p *s2.Polygon, id int) bool {
		for _, pt := range matches[id] {
			if geometry.Contains(p, pt) {
				return true
			}
		}
		return false
	})
	return results, *stats, err
}

// scan visits the entries inside w in ascending start order.
func scan(idx GeoIndex, w window, visit func(id int)) {
	n := idx.Size()
	from := 0
	if w.start != Unbounded {
		t := int64(w.start)
		if !w.onlyStart {
			t -= int64(idx.MaxDuration())
		}
		if t < math.MinInt32 {
			t = math.MinInt32
		}
		from = idx.IndexForTime(int32(t))
	}

	for id := from; id < n; id++ {
		start := idx.StartTime(id)
		if w.onlyStart {
			if w.end != Unbounded && start >= w.end {
				return
			}
			if w.start != Unbounded && start < w.start {
				continue
			}
		} else {
			if w.end != Unbounded && start > w.end {
				return
			}
			if w.start != Unbounded && idx.EndTime(id) < w.start {
				continue
			}
		}
		visit(id)
	}
}

// exactCheck reads every candidate in order and keeps those accepted by
// match until maxResults is reached.
func exactCheck(idx GeoIndex, candidates []int, maxResults int, stats *observability.QueryStats,
	match func(p *s2.Polygon, id int) bool) ([]int, error) {

	results := make([]int, 0)
	for _, id := range candidates {
		if maxResults > 0 && len(results) >= maxResults {
			stats.Truncated = true
			break
		}
		view, err := idx.ReadEntry(id)
		stats.ExactReads++
		if err != nil {
			return nil, exactCheckError(id, err)
		}
		p, err := geometry.Decode(view.Polygon)
		if err != nil {
			return nil, exactCheckError(id, err)
		}
		if match(p, id) {
			results = append(results, id)
		}
	}
	stats.Results = len(results)
	return results, nil
}

func truncate(ids []int, maxResults int, stats *observability.QueryStats) []int {
	if ids == nil {
		ids = []int{}
	}
	if maxResults > 0 && len(ids) > maxResults {
		ids = ids[:maxResults]
		stats.Truncated = true
	}
	stats.Results = len(ids)
	return ids
}

func exactCheckError(id int, cause error) error {
	return inverrors.NewQueryError(inverrors.CodeExactCheckFailed,
		fmt.Sprintf("query: exact check of entry %d failed", id), cause)
}
