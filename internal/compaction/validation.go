package compaction

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/bcdev/geo-inventory-sub000/internal/store"
)

// ValidationResult holds the outcome of validating a staged generation.
type ValidationResult struct {
	Valid            bool
	ExpectedEntries  int
	ActualEntries    int
	ExpectedChecksum string
	ActualChecksum   string
	Errors           []string
}

// Validator checks that a staged index file reproduces the entries it was
// written from.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateFile reopens the index at path and compares it with the entries
// that were written, in file order. Every block is decoded on the way.
func (v *Validator) ValidateFile(path string, expected []store.Entry) (*ValidationResult, error) {
	r, err := store.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return v.Validate(r, expected)
}

// Validate compares an opened index with the expected entries.
func (v *Validator) Validate(r *store.Reader, expected []store.Entry) (*ValidationResult, error) {
	vr := &ValidationResult{
		Valid:            true,
		ExpectedEntries:  len(expected),
		ActualEntries:    r.Size(),
		ExpectedChecksum: entriesChecksum(expected),
	}

	if vr.ActualEntries != vr.ExpectedEntries {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf(
			"entry count mismatch: expected %d, got %d", vr.ExpectedEntries, vr.ActualEntries))
	}

	h := sha256.New()
	for id := 0; id < r.Size(); id++ {
		if id > 0 && r.StartTime(id) < r.StartTime(id-1) {
			vr.Valid = false
			vr.Errors = append(vr.Errors, fmt.Sprintf("entry %d out of start time order", id))
		}
		view, err := r.ReadEntry(id)
		if err != nil {
			vr.Valid = false
			vr.Errors = append(vr.Errors, fmt.Sprintf("failed to read entry %d: %v", id, err))
			return vr, nil
		}
		hashEntry(h, view.Path, r.StartTime(id), r.EndTime(id), view.Polygon)
	}
	vr.ActualChecksum = fmt.Sprintf("%x", h.Sum(nil))

	if vr.ActualChecksum != vr.ExpectedChecksum {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf(
			"checksum mismatch: expected %s, got %s", vr.ExpectedChecksum, vr.ActualChecksum))
	}
	return vr, nil
}

func entriesChecksum(entries []store.Entry) string {
	h := sha256.New()
	for _, e := range entries {
		hashEntry(h, e.Path, e.StartTime, e.EndTime, e.Polygon)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func hashEntry(h hash.Hash, path string, start, end int32, polygon []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(start))
	binary.BigEndian.PutUint32(buf[4:], uint32(end))
	h.Write(buf[:])
	h.Write([]byte(path))
	h.Write([]byte{0})
	binary.BigEndian.PutUint32(buf[:4], uint32(len(polygon)))
	h.Write(buf[:4])
	h.Write(polygon)
}
