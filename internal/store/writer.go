package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
)

// Write serializes entries, which must be sorted ascending by StartTime, and
// the coverage table they reference.
func Write(w io.Writer, entries []Entry, coverages []coverage.Coverage, blockSize int) error {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if err := validate(entries, len(coverages)); err != nil {
		return err
	}

	blocks := make([][]byte, 0, numBlocks(len(entries), blockSize))
	for lo := 0; lo < len(entries); lo += blockSize {
		hi := lo + blockSize
		if hi > len(entries) {
			hi = len(entries)
		}
		blocks = append(blocks, encodeBlock(entries[lo:hi]))
	}

	bw := bufio.NewWriter(w)
	ew := &errWriter{w: bw}

	ew.write(Magic[:])
	ew.int32(int32(len(entries)))
	ew.int32(int32(len(coverages)))
	for _, e := range entries {
		ew.int32(e.StartTime)
	}
	for _, e := range entries {
		ew.int32(e.EndTime)
	}
	for _, e := range entries {
		ew.int32(e.CoverageID)
	}
	for _, c := range coverages {
		ew.int32(int32(len(c)))
	}
	for _, c := range coverages {
		for _, t := range c {
			ew.uint32(uint32(t))
		}
	}
	ew.int32(int32(blockSize))
	for _, b := range blocks {
		ew.int32(int32(len(b)))
	}
	for _, b := range blocks {
		ew.write(b)
	}

	if ew.err == nil {
		ew.err = bw.Flush()
	}
	if ew.err != nil {
		return inverrors.NewIOError(inverrors.CodeWriteFailed, "store: failed to write index", ew.err)
	}
	return nil
}

func validate(entries []Entry, numCoverages int) error {
	for i, e := range entries {
		if i > 0 && entries[i-1].StartTime > e.StartTime {
			return inverrors.NewInternalError(
				fmt.Sprintf("store: entry %d not sorted by start time", i), nil)
		}
		if e.CoverageID < 0 || int(e.CoverageID) >= numCoverages {
			return inverrors.NewInternalError(
				fmt.Sprintf("store: entry %d references coverage %d of %d", i, e.CoverageID, numCoverages), nil)
		}
		if strings.IndexByte(e.Path, PathSeparator) >= 0 {
			return inverrors.NewValidationError(inverrors.CodeInvalidRecord,
				fmt.Sprintf("store: path %q contains a tab", e.Path))
		}
	}
	return nil
}

func encodeBlock(entries []Entry) []byte {
	var paths strings.Builder
	for i, e := range entries {
		if i > 0 {
			paths.WriteByte(PathSeparator)
		}
		paths.WriteString(e.Path)
	}
	compressed := snappy.Encode(nil, []byte(paths.String()))

	size := 4 + len(compressed) + 4*len(entries)
	for _, e := range entries {
		size += len(e.Polygon)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], uint32(len(compressed)))
	buf.Write(scratch[:])
	buf.Write(compressed)
	for _, e := range entries {
		byteOrder.PutUint32(scratch[:], uint32(len(e.Polygon)))
		buf.Write(scratch[:])
	}
	for _, e := range entries {
		buf.Write(e.Polygon)
	}
	return buf.Bytes()
}

// errWriter keeps the first write error so the layout code stays linear.
type errWriter struct {
	w       io.Writer
	err     error
	scratch [4]byte
}

func (ew *errWriter) write(p []byte) {
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write(p)
}

func (ew *errWriter) int32(v int32) {
	ew.uint32(uint32(v))
}

func (ew *errWriter) uint32(v uint32) {
	byteOrder.PutUint32(ew.scratch[:], v)
	ew.write(ew.scratch[:])
}
