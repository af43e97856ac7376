// Package geometry adapts the spherical geometry library to the needs of the
// inventory: polygon parsing and serialization, exact predicates, and cell
// coverings. Nothing outside this package touches s2 geometry directly.
package geometry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
)

// MaxCells bounds the number of cells in a single polygon covering.
const MaxCells = 64

// ParsePolygon parses a WKT POLYGON or MULTIPOLYGON with lon/lat vertex order.
// An empty string (or "null") yields a nil polygon, meaning "no footprint".
func ParsePolygon(text string) (*s2.Polygon, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "null") {
		return nil, nil
	}

	g, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, inverrors.Wrap(inverrors.ErrCategoryValidation, inverrors.CodeInvalidPolygon,
			"geometry: failed to parse polygon", err)
	}

	var rings []orb.Ring
	switch v := g.(type) {
	case orb.Polygon:
		rings = v
	case orb.MultiPolygon:
		for _, p := range v {
			rings = append(rings, p...)
		}
	default:
		return nil, inverrors.NewValidationError(inverrors.CodeInvalidPolygon,
			fmt.Sprintf("geometry: unsupported geometry type %s", g.GeoJSONType()))
	}

	loops := make([]*s2.Loop, 0, len(rings))
	for i, ring := range rings {
		loop, err := loopFromRing(ring)
		if err != nil {
			return nil, inverrors.Wrap(inverrors.ErrCategoryValidation, inverrors.CodeInvalidPolygon,
				fmt.Sprintf("geometry: invalid ring %d", i), err)
		}
		loops = append(loops, loop)
	}
	return s2.PolygonFromLoops(loops), nil
}

func loopFromRing(ring orb.Ring) (*s2.Loop, error) {
	pts := make([]s2.Point, 0, len(ring))
	for i, p := range ring {
		// closing vertex is implicit in s2 loops
		if i == len(ring)-1 && i > 0 && p == ring[0] {
			break
		}
		if i > 0 && p == ring[i-1] {
			continue
		}
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat(), p.Lon())))
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("ring has %d distinct vertices, need at least 3", len(pts))
	}
	loop := s2.LoopFromPoints(pts)
	loop.Normalize()
	return loop, nil
}

// ParsePoint parses a WKT POINT, or a bare "lon lat" pair.
func ParsePoint(text string) (s2.Point, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(strings.ToUpper(text), "POINT") {
		text = "POINT(" + text + ")"
	}
	p, err := wkt.UnmarshalPoint(text)
	if err != nil {
		return s2.Point{}, inverrors.Wrap(inverrors.ErrCategoryValidation, inverrors.CodeInvalidPolygon,
			"geometry: failed to parse point", err)
	}
	return PointFromLonLat(p.Lon(), p.Lat()), nil
}

// PointFromLonLat builds a point from degrees.
func PointFromLonLat(lon, lat float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
}

// FormatPolygon renders a polygon as WKT. Every loop becomes one ring; hole
// orientation is not preserved since ParsePolygon re-derives nesting.
func FormatPolygon(p *s2.Polygon) string {
	if p == nil || p.NumLoops() == 0 {
		return ""
	}
	poly := make(orb.Polygon, 0, p.NumLoops())
	for i := 0; i < p.NumLoops(); i++ {
		loop := p.Loop(i)
		ring := make(orb.Ring, 0, loop.NumVertices()+1)
		for j := 0; j < loop.NumVertices(); j++ {
			ll := s2.LatLngFromPoint(loop.Vertex(j))
			ring = append(ring, orb.Point{ll.Lng.Degrees(), ll.Lat.Degrees()})
		}
		ring = append(ring, ring[0])
		poly = append(poly, ring)
	}
	return wkt.MarshalString(poly)
}

// Encode serializes a polygon into the opaque blob stored per entry.
// A nil polygon encodes to an empty blob.
func Encode(p *s2.Polygon) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, fmt.Errorf("geometry: failed to encode polygon: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*s2.Polygon, error) {
	if len(data) == 0 {
		return nil, nil
	}
	p := &s2.Polygon{}
	if err := p.Decode(bytes.NewReader(data)); err != nil {
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream, "geometry: failed to decode polygon", err)
	}
	return p, nil
}

// Intersects reports exact spherical intersection. Nil polygons never intersect.
func Intersects(a, b *s2.Polygon) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Intersects(b)
}

// Contains reports whether the polygon contains the point.
func Contains(p *s2.Polygon, pt s2.Point) bool {
	if p == nil {
		return false
	}
	return p.ContainsPoint(pt)
}

// Cover returns the normalized cell covering of p using cells no finer than
// level. The covering contains every point of p.
func Cover(p *s2.Polygon, level int) []s2.CellID {
	if p == nil || p.NumLoops() == 0 {
		return nil
	}
	rc := &s2.RegionCoverer{MinLevel: 0, MaxLevel: level, LevelMod: 1, MaxCells: MaxCells}
	return rc.Covering(p)
}

// PointCell returns the level-cell containing pt.
func PointCell(pt s2.Point, level int) s2.CellID {
	return s2.CellFromPoint(pt).ID().Parent(level)
}
