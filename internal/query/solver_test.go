package query

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

const testLevel = 10

func square(t *testing.T, lon, lat, size float64) *s2.Polygon {
	t.Helper()
	p, err := geometry.ParsePolygon(fmt.Sprintf("POLYGON((%f %f, %f %f, %f %f, %f %f))",
		lon, lat, lon+size, lat, lon+size, lat+size, lon, lat+size))
	require.NoError(t, err)
	return p
}

func buildView(t *testing.T, records ...index.Record) *index.View {
	t.Helper()
	b, err := index.NewBuilder(testLevel, 2)
	require.NoError(t, err)
	for _, r := range records {
		_, err := b.Add(r)
		require.NoError(t, err)
	}
	v, err := index.ViewOf(b)
	require.NoError(t, err)
	return v
}

func paths(t *testing.T, idx GeoIndex, ids []int) []string {
	t.Helper()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		e, err := idx.ReadEntry(id)
		require.NoError(t, err)
		out = append(out, e.Path)
	}
	return out
}

// countingIndex counts ReadEntry calls and optionally fails them.
type countingIndex struct {
	GeoIndex
	reads int
	fail  error
}

func (c *countingIndex) ReadEntry(id int) (store.EntryView, error) {
	c.reads++
	if c.fail != nil {
		return store.EntryView{}, c.fail
	}
	return c.GeoIndex.ReadEntry(id)
}

func day(n int) int32 {
	return index.MinutesOf(time.Date(2010, 1, n, 0, 0, 0, 0, time.UTC))
}

func scenarioB(t *testing.T) *index.View {
	area := square(t, 0, 0, 10)
	return buildView(t,
		index.Record{Path: "p4", StartTime: day(4), EndTime: day(6), Polygon: area},
		index.Record{Path: "p3a", StartTime: day(3), EndTime: day(3) + 30, Polygon: area},
		index.Record{Path: "p1", StartTime: index.NoTime, EndTime: index.NoTime, Polygon: area},
		index.Record{Path: "p3b", StartTime: day(3), EndTime: day(3) + 90, Polygon: area},
		index.Record{Path: "p2", StartTime: day(2), EndTime: day(2) + 60, Polygon: area},
	)
}

func TestSolve_ScenarioB(t *testing.T) {
	v := scenarioB(t)
	s := NewSolver(testLevel)

	tests := []struct {
		name  string
		start int32
		end   int32
		want  []string
	}{
		{"day 2", day(2), day(2), []string{"p2"}},
		{"day 3", day(3), day(3), []string{"p3a", "p3b"}},
		{"unconstrained", Unbounded, Unbounded, []string{"p1", "p2", "p3a", "p3b", "p4"}},
		{"open end", day(3), Unbounded, []string{"p3a", "p3b", "p4"}},
		{"open start", Unbounded, day(2), []string{"p1", "p2"}},
		{"long entry overlaps later window", day(5), day(5), []string{"p4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConstraint()
			c.Start, c.End = tt.start, tt.end
			ids, _, err := s.Solve(v, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths(t, v, ids))
		})
	}
}

func TestSolve_ProductStartOnly(t *testing.T) {
	v := scenarioB(t)
	s := NewSolver(testLevel)

	c := NewConstraint()
	c.Start, c.End = day(2), day(4)
	c.UseOnlyProductStart = true
	ids, _, err := s.Solve(v, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3a", "p3b"}, paths(t, v, ids))

	c.Start, c.End = day(5), day(6)
	ids, _, err = s.Solve(v, c)
	require.NoError(t, err)
	assert.Empty(t, ids, "p4 starts before the window")
}

func TestSolve_Polygon(t *testing.T) {
	v := buildView(t,
		index.Record{Path: "west", StartTime: 10, EndTime: 20, Polygon: square(t, -40, 0, 5)},
		index.Record{Path: "east", StartTime: 11, EndTime: 20, Polygon: square(t, 40, 0, 5)},
		index.Record{Path: "none", StartTime: 12, EndTime: 20},
		index.Record{Path: "both", StartTime: 13, EndTime: 20, Polygon: square(t, -42, -1, 20)},
	)
	s := NewSolver(testLevel)

	c := NewConstraint()
	c.Polygon = square(t, -39, 1, 2)
	ids, stats, err := s.Solve(v, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"west", "both"}, paths(t, v, ids))
	assert.Equal(t, 4, stats.TimeCandidates)
	assert.Equal(t, 2, stats.Results)
	assert.LessOrEqual(t, stats.ExactReads, stats.ApproxSurvivors)

	withoutIndex := &Solver{Level: testLevel}
	ids, stats, err = withoutIndex.Solve(v, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"west", "both"}, paths(t, v, ids))
	assert.Equal(t, 4, stats.ExactReads)
}

func TestSolve_MaxResultsStopsReading(t *testing.T) {
	area := square(t, 0, 0, 10)
	var records []index.Record
	for i := 0; i < 5; i++ {
		records = append(records, index.Record{
			Path: fmt.Sprintf("e%d", i), StartTime: int32(100 + i), EndTime: int32(200 + i), Polygon: area,
		})
	}
	idx := &countingIndex{GeoIndex: buildView(t, records...)}
	s := NewSolver(testLevel)

	c := NewConstraint()
	c.Polygon = square(t, 2, 2, 1)
	c.MaxResults = 2
	ids, stats, err := s.Solve(idx, c)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, ids)
	assert.Equal(t, 2, idx.reads)
	assert.True(t, stats.Truncated)
	assert.Equal(t, 5, stats.ApproxSurvivors)
}

func TestSolve_IndexOnly(t *testing.T) {
	v := buildView(t,
		index.Record{Path: "a", StartTime: 1, EndTime: 2, Polygon: square(t, 0, 0, 5)},
		index.Record{Path: "b", StartTime: 2, EndTime: 3, Polygon: square(t, 60, 60, 5)},
	)
	idx := &countingIndex{GeoIndex: v}
	s := &Solver{Level: testLevel, UseIndex: true, IndexOnly: true}

	c := NewConstraint()
	c.Polygon = square(t, 1, 1, 1)
	ids, _, err := s.Solve(idx, c)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, ids)
	assert.Zero(t, idx.reads)
}

func TestSolve_Points(t *testing.T) {
	v := buildView(t,
		index.Record{Path: "b", StartTime: day(3), EndTime: day(3) + 60, Polygon: square(t, 20, 20, 5)},
		index.Record{Path: "a", StartTime: day(2), EndTime: day(2) + 60, Polygon: square(t, 0, 0, 10)},
		index.Record{Path: "c", StartTime: day(4), EndTime: day(4) + 60, Polygon: square(t, 0, 0, 10)},
	)
	s := NewSolver(testLevel)

	c := NewConstraint()
	c.Points = []PointTime{
		{Point: geometry.PointFromLonLat(22, 22), Time: Unbounded},
		{Point: geometry.PointFromLonLat(5, 5), Time: Unbounded},
	}
	ids, _, err := s.Solve(v, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, paths(t, v, ids))

	t.Run("time delta narrows each point", func(t *testing.T) {
		c := NewConstraint()
		c.TimeDelta = 120
		c.Points = []PointTime{
			{Point: geometry.PointFromLonLat(5, 5), Time: day(4) + 30},
			{Point: geometry.PointFromLonLat(22, 22), Time: day(1)},
		}
		ids, _, err := s.Solve(v, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, paths(t, v, ids))
	})

	t.Run("points outside global window are dropped", func(t *testing.T) {
		c := NewConstraint()
		c.Start, c.End = day(3), day(5)
		c.TimeDelta = 120
		c.Points = []PointTime{{Point: geometry.PointFromLonLat(5, 5), Time: day(2)}}
		ids, stats, err := s.Solve(v, c)
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Zero(t, stats.TimeCandidates)
	})
}

func TestSolve_ExactCheckFailure(t *testing.T) {
	v := buildView(t, index.Record{Path: "a", StartTime: 1, EndTime: 2, Polygon: square(t, 0, 0, 5)})
	idx := &countingIndex{GeoIndex: v, fail: errors.New("disk gone")}
	s := NewSolver(testLevel)

	c := NewConstraint()
	c.Polygon = square(t, 1, 1, 1)
	_, _, err := s.Solve(idx, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inverrors.New(inverrors.ErrCategoryQuery, inverrors.CodeExactCheckFailed, "")))
}

func TestSolve_EmptyIndex(t *testing.T) {
	v := buildView(t)
	ids, _, err := NewSolver(testLevel).Solve(v, NewConstraint())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConstraint_Validate(t *testing.T) {
	c := NewConstraint()
	require.NoError(t, c.Validate())

	c.Polygon = s2.PolygonFromLoops(nil)
	c.Points = []PointTime{{Time: Unbounded}}
	assert.Error(t, c.Validate())

	c = NewConstraint()
	c.Start, c.End = 10, 5
	assert.Error(t, c.Validate())

	c = NewConstraint()
	c.Start = -7
	assert.Error(t, c.Validate())
}
