// Package coverage encodes polygon cell coverings into compact arrays of
// 32-bit range tokens and answers containment and intersection questions on
// those tokens alone.
//
// A token is the upper half of a hierarchical cell id. Its lowest set bit
// marks the cell size: a larger cell has more trailing zero bits, so every
// token describes the closed integer range
//
//	[t - (lsb-1), t + (lsb-1)]
//
// and ranges of a normalized covering are disjoint and ordered like the
// tokens themselves.
package coverage

import (
	"fmt"
	"sort"

	"github.com/golang/geo/s2"

	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
)

// MaxLevel is the finest subdivision level whose cells fit into 32 bits.
const MaxLevel = 14

// Token is one encoded cell range.
type Token uint32

// Coverage is an ascending, duplicate free token array.
type Coverage []Token

func (t Token) lsb() uint32 {
	v := uint32(t)
	return v & -v
}

// RangeMin returns the smallest leaf token covered by t.
func (t Token) RangeMin() uint32 {
	return uint32(t) - (t.lsb() - 1)
}

// RangeMax returns the largest leaf token covered by t.
func (t Token) RangeMax() uint32 {
	return uint32(t) + (t.lsb() - 1)
}

// Covers reports whether the range of t includes the range of o.
func (t Token) Covers(o Token) bool {
	return o.RangeMin() >= t.RangeMin() && o.RangeMax() <= t.RangeMax()
}

// FromCellID converts a cell id of level <= MaxLevel into a token.
func FromCellID(id s2.CellID) Token {
	return Token(uint64(id) >> 32)
}

// CellID is the inverse of FromCellID.
func (t Token) CellID() s2.CellID {
	return s2.CellID(uint64(t) << 32)
}

// CheckLevel validates a subdivision level.
func CheckLevel(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("coverage: level %d out of range [0, %d]", level, MaxLevel)
	}
	return nil
}

// Encode computes the coverage of p at the given level. A nil polygon has an
// empty coverage.
func Encode(p *s2.Polygon, level int) Coverage {
	cells := geometry.Cover(p, level)
	if len(cells) == 0 {
		return Coverage{}
	}
	tokens := make(Coverage, 0, len(cells))
	for _, c := range cells {
		tokens = append(tokens, FromCellID(c))
	}
	return normalize(tokens)
}

// PointToken returns the token of the level cell containing pt.
func PointToken(pt s2.Point, level int) Token {
	return FromCellID(geometry.PointCell(pt, level))
}

func normalize(tokens Coverage) Coverage {
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	out := tokens[:0]
	for i, t := range tokens {
		if i > 0 && out[len(out)-1] == t {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ContainsPoint reports whether some token of c covers the point token.
func ContainsPoint(c Coverage, point Token) bool {
	i := sort.Search(len(c), func(i int) bool { return c[i] >= point })
	if i < len(c) && c[i].Covers(point) {
		return true
	}
	return i > 0 && c[i-1].Covers(point)
}

// Intersects reports whether any range of a overlaps any range of b.
// Both inputs must be ascending with disjoint ranges.
func Intersects(a, b Coverage) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].RangeMax() < b[j].RangeMin():
			i++
		case b[j].RangeMax() < a[i].RangeMin():
			j++
		default:
			return true
		}
	}
	return false
}

// Equal reports structural equality.
func (c Coverage) Equal(o Coverage) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}
