package index

import (
	"bytes"
	"sort"

	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// View is a read-only, time-searchable snapshot backed by a store reader.
type View struct {
	*store.Reader
	maxDuration int32
}

// NewView wraps r.
func NewView(r *store.Reader) *View {
	v := &View{Reader: r}
	for id := 0; id < r.Size(); id++ {
		if d := r.EndTime(id) - r.StartTime(id); d > v.maxDuration {
			v.maxDuration = d
		}
	}
	return v
}

// OpenView opens the index file at path.
func OpenView(path string) (*View, error) {
	r, err := store.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return NewView(r), nil
}

// ViewOf serializes b into memory and opens the result, so pending sources
// are queried through the same code path as published generations.
func ViewOf(b *Builder) (*View, error) {
	var buf bytes.Buffer
	if _, err := b.Write(&buf); err != nil {
		return nil, err
	}
	r, err := store.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	return NewView(r), nil
}

// MaxDuration returns the longest end-start span of any entry.
func (v *View) MaxDuration() int32 {
	return v.maxDuration
}

// IndexForTime returns the first entry carrying the largest start time <= t.
// When t precedes every start time it returns 0.
func (v *View) IndexForTime(t int32) int {
	n := v.Size()
	i := sort.Search(n, func(i int) bool { return v.StartTime(i) > t }) - 1
	if i < 0 {
		return 0
	}
	floor := v.StartTime(i)
	return sort.Search(i+1, func(j int) bool { return v.StartTime(j) >= floor })
}
