// Package query answers time and space constrained queries over a read-only
// index view. Candidates are located by binary search on start time, pruned
// with the coverage tokens and only then verified with exact geometry.
package query

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/observability"
)

// Unbounded marks an open side of a time range.
const Unbounded int32 = -1

// PointTime is one in-situ matchup location. Time is Unbounded when the
// measurement carries no time.
type PointTime struct {
	Point s2.Point
	Time  int32
}

// Constraint describes one query. Times are minutes since the index epoch.
type Constraint struct {
	// Polygon selects entries whose footprint intersects it.
	Polygon *s2.Polygon

	// Start and End bound the time window; Unbounded leaves a side open.
	Start int32
	End   int32

	// Points selects entries whose footprint contains any of the points.
	Points []PointTime

	// TimeDelta, when > 0, replaces the window by [time-delta, time+delta]
	// for every point that carries a time.
	TimeDelta int32

	// UseOnlyProductStart matches on entry start time only instead of
	// overlap of [start, end].
	UseOnlyProductStart bool

	// MaxResults stops the query after that many results; <= 0 is unlimited.
	MaxResults int
}

// NewConstraint returns a constraint with no time bounds and no spatial predicate.
func NewConstraint() Constraint {
	return Constraint{Start: Unbounded, End: Unbounded}
}

// Kind classifies the constraint for statistics.
func (c Constraint) Kind() string {
	switch {
	case len(c.Points) > 0:
		return observability.KindPoints
	case c.Polygon != nil:
		return observability.KindPolygon
	default:
		return observability.KindTime
	}
}

// Validate checks the constraint for contradictions.
func (c Constraint) Validate() error {
	if c.Polygon != nil && len(c.Points) > 0 {
		return inverrors.NewValidationError(inverrors.CodeInvalidConstraint,
			"query: polygon and points are mutually exclusive")
	}
	if c.Start < Unbounded || c.End < Unbounded {
		return inverrors.NewValidationError(inverrors.CodeInvalidConstraint,
			fmt.Sprintf("query: negative time bound [%d, %d]", c.Start, c.End))
	}
	if c.Start != Unbounded && c.End != Unbounded && c.Start > c.End {
		return inverrors.NewValidationError(inverrors.CodeInvalidConstraint,
			fmt.Sprintf("query: start %d after end %d", c.Start, c.End))
	}
	if c.TimeDelta < 0 {
		return inverrors.NewValidationError(inverrors.CodeInvalidConstraint,
			fmt.Sprintf("query: negative time delta %d", c.TimeDelta))
	}
	return nil
}

// window is an inclusive time range with Unbounded sides.
type window struct {
	start, end int32
	onlyStart  bool
}

// pointWindow returns the effective window for p and whether p can match at all.
func (c Constraint) pointWindow(p PointTime) (window, bool) {
	w := window{start: c.Start, end: c.End, onlyStart: c.UseOnlyProductStart}
	if c.TimeDelta <= 0 || p.Time == Unbounded {
		return w, true
	}

	start := int64(p.Time) - int64(c.TimeDelta)
	if start < 0 {
		start = 0
	}
	end := int64(p.Time) + int64(c.TimeDelta)
	if c.Start != Unbounded && end < int64(c.Start) {
		return window{}, false
	}
	if c.End != Unbounded && start > int64(c.End) {
		return window{}, false
	}
	if c.Start != Unbounded && start < int64(c.Start) {
		start = int64(c.Start)
	}
	if c.End != Unbounded && end > int64(c.End) {
		end = int64(c.End)
	}
	if end > math.MaxInt32 {
		end = math.MaxInt32
	}
	return window{start: int32(start), end: int32(end)}, true
}
