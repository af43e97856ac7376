// Package ingest decodes tab-separated product records into index records.
//
// Each non-empty line holds: path, start time, end time and the footprint as
// WKT. Times are UTC in the form 2006-01-02T15:04:05[.000][Z] or
// 2006-01-02 15:04:05; an empty or "null" start means the product carries no
// time, an empty or "null" end means the product ends when it starts. Lines
// starting with '#' are comments.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
)

const maxLineSize = 16 * 1024 * 1024

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Decoder reads records from a tab-separated stream.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{scanner: s}
}

// Next returns the next record, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (index.Record, error) {
	for d.scanner.Scan() {
		d.line++
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return index.Record{}, lineError(d.line, err)
		}
		return rec, nil
	}
	if err := d.scanner.Err(); err != nil {
		return index.Record{}, inverrors.NewIOError(inverrors.CodeReadFailed,
			fmt.Sprintf("ingest: read failed after line %d", d.line), err)
	}
	return index.Record{}, io.EOF
}

// DecodeAll reads every record of r.
func DecodeAll(r io.Reader) ([]index.Record, error) {
	d := NewDecoder(r)
	var records []index.Record
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// ReadFile decodes the file at path.
func ReadFile(path string) ([]index.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed,
			fmt.Sprintf("ingest: failed to open %s", path), err)
	}
	defer f.Close()
	return DecodeAll(f)
}

// ParseRecord decodes one line. The polygon column may be omitted.
func ParseRecord(line string) (index.Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 3 || len(fields) > 4 {
		return index.Record{}, inverrors.NewValidationError(inverrors.CodeInvalidRecord,
			fmt.Sprintf("expected 3 or 4 tab-separated fields, got %d", len(fields)))
	}

	rec := index.Record{Path: strings.TrimSpace(fields[0])}
	if rec.Path == "" {
		return index.Record{}, inverrors.NewValidationError(inverrors.CodeInvalidRecord, "empty path")
	}

	start, err := ParseTime(fields[1])
	if err != nil {
		return index.Record{}, err
	}
	end, err := ParseTime(fields[2])
	if err != nil {
		return index.Record{}, err
	}
	switch {
	case start == index.NoTime:
		end = index.NoTime
	case end == index.NoTime:
		end = start
	case end < start:
		return index.Record{}, inverrors.NewValidationError(inverrors.CodeInvalidRecord,
			fmt.Sprintf("end time %s before start time %s", fields[2], fields[1]))
	}
	rec.StartTime, rec.EndTime = start, end

	if len(fields) == 4 {
		rec.Polygon, err = geometry.ParsePolygon(fields[3])
		if err != nil {
			return index.Record{}, err
		}
	}
	return rec, nil
}

// ParseTime converts a timestamp into minutes since index.Epoch. Empty and
// "null" yield index.NoTime.
func ParseTime(s string) (int32, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return index.NoTime, nil
	}
	s = strings.TrimSuffix(s, "Z")

	var t time.Time
	var err error
	for _, layout := range timeLayouts {
		if t, err = time.ParseInLocation(layout, s, time.UTC); err == nil {
			break
		}
	}
	if err != nil {
		return 0, inverrors.NewValidationError(inverrors.CodeInvalidRecord,
			fmt.Sprintf("invalid time %q", s))
	}

	minutes := t.Sub(index.Epoch) / time.Minute
	if t.Before(index.Epoch) || minutes > math.MaxInt32 {
		return 0, inverrors.NewValidationError(inverrors.CodeInvalidRecord,
			fmt.Sprintf("time %q outside the supported range", s))
	}
	return int32(minutes), nil
}

// FormatTime is the inverse of ParseTime at minute resolution.
func FormatTime(minutes int32) string {
	if minutes == index.NoTime {
		return "null"
	}
	return index.TimeOf(minutes).Format(timeLayouts[0])
}

func lineError(line int, err error) error {
	var ie *inverrors.InventoryError
	if errors.As(err, &ie) {
		cp := ie.WithDetails(map[string]interface{}{"line": line})
		cp.Message = fmt.Sprintf("ingest: line %d: %s", line, cp.Message)
		return cp
	}
	return fmt.Errorf("ingest: line %d: %w", line, err)
}
