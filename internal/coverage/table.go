package coverage

import (
	"encoding/binary"
	"fmt"
)

// Table interns coverages by value. Two coverages with identical tokens share
// one id. A Table belongs to the builder that created it; there is no shared
// global table.
type Table struct {
	ids       map[string]int32
	coverages []Coverage
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]int32)}
}

// TableFrom rebuilds a table from persisted coverages, keeping their ids.
// Entries are not re-deduplicated; later Intern calls resolve to the first id
// holding a given value.
func TableFrom(coverages []Coverage) *Table {
	t := &Table{
		ids:       make(map[string]int32, len(coverages)),
		coverages: coverages,
	}
	for i, c := range coverages {
		k := key(c)
		if _, ok := t.ids[k]; !ok {
			t.ids[k] = int32(i)
		}
	}
	return t
}

// Intern returns the id of c, adding it if unseen.
func (t *Table) Intern(c Coverage) int32 {
	k := key(c)
	if id, ok := t.ids[k]; ok {
		return id
	}
	id := int32(len(t.coverages))
	cp := make(Coverage, len(c))
	copy(cp, c)
	t.coverages = append(t.coverages, cp)
	t.ids[k] = id
	return id
}

// Get returns the coverage with the given id.
func (t *Table) Get(id int32) (Coverage, error) {
	if id < 0 || int(id) >= len(t.coverages) {
		return nil, fmt.Errorf("coverage: id %d out of range [0, %d)", id, len(t.coverages))
	}
	return t.coverages[id], nil
}

// Len returns the number of stored coverages.
func (t *Table) Len() int {
	return len(t.coverages)
}

// All returns the coverages indexed by id. The slice must not be modified.
func (t *Table) All() []Coverage {
	return t.coverages
}

func key(c Coverage) string {
	buf := make([]byte, 4*len(c))
	for i, tok := range c {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(tok))
	}
	return string(buf)
}
