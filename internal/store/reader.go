package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"

	"github.com/bcdev/geo-inventory-sub000/internal/coverage"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
)

// Reader gives random access to a persisted snapshot. The column arrays and
// the coverage table are loaded on Open; block payloads are decoded lazily
// and only the most recently used block is kept.
type Reader struct {
	src  io.ReadSeeker
	base int64

	startTimes  []int32
	endTimes    []int32
	coverageIDs []int32
	coverages   []coverage.Coverage

	blockSize    int
	blockOffsets []int64

	block      int
	paths      []string
	polygons   [][]byte
	blockLoads int
}

// Open validates the magic marker and loads the index section of src.
func Open(src io.ReadSeeker) (*Reader, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed, "store: failed to seek", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed, "store: failed to seek", err)
	}

	hr := &headerReader{r: bufio.NewReader(src), remaining: size}

	var magic [8]byte
	hr.read(magic[:])
	if hr.err != nil {
		return nil, hr.fail()
	}
	if magic != Magic {
		return nil, inverrors.NewFormatError(inverrors.CodeBadMagic,
			fmt.Sprintf("store: bad magic %q", magic[:]), nil)
	}

	numEntries := hr.count()
	numCoverages := hr.count()
	if hr.err != nil {
		return nil, hr.fail()
	}
	// every entry needs 12 bytes of columns and every coverage 4 bytes of length
	if int64(numEntries)*12+int64(numCoverages)*4 > hr.remaining {
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
			fmt.Sprintf("store: counts %d/%d exceed stream size", numEntries, numCoverages), nil)
	}

	r := &Reader{
		src:         src,
		startTimes:  hr.int32s(numEntries),
		endTimes:    hr.int32s(numEntries),
		coverageIDs: hr.int32s(numEntries),
		block:       -1,
	}

	lengths := hr.int32s(numCoverages)
	r.coverages = make([]coverage.Coverage, numCoverages)
	for i, n := range lengths {
		if hr.err != nil {
			break
		}
		if n < 0 || int64(n)*4 > hr.remaining {
			return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
				fmt.Sprintf("store: invalid coverage length %d", n), nil)
		}
		c := make(coverage.Coverage, n)
		for j := range c {
			c[j] = coverage.Token(hr.uint32())
		}
		r.coverages[i] = c
	}

	r.blockSize = int(hr.int32())
	if hr.err != nil {
		return nil, hr.fail()
	}
	if r.blockSize <= 0 {
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
			fmt.Sprintf("store: invalid block size %d", r.blockSize), nil)
	}

	blocks := numBlocks(numEntries, r.blockSize)
	if int64(blocks)*4 > hr.remaining {
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream, "store: block table exceeds stream size", nil)
	}
	blockLengths := hr.int32s(blocks)
	if hr.err != nil {
		return nil, hr.fail()
	}

	r.base = size - hr.remaining
	r.blockOffsets = make([]int64, blocks+1)
	for i, n := range blockLengths {
		if n < 0 {
			return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
				fmt.Sprintf("store: invalid length %d of block %d", n, i), nil)
		}
		r.blockOffsets[i+1] = r.blockOffsets[i] + int64(n)
	}
	if r.blockOffsets[blocks] > hr.remaining {
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream, "store: truncated block payload", nil)
	}

	for i, id := range r.coverageIDs {
		if id < 0 || int(id) >= numCoverages {
			return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
				fmt.Sprintf("store: entry %d references coverage %d of %d", i, id, numCoverages), nil)
		}
	}
	return r, nil
}

// Size returns the number of entries.
func (r *Reader) Size() int { return len(r.startTimes) }

// StartTime returns the start time of entry id.
func (r *Reader) StartTime(id int) int32 { return r.startTimes[id] }

// EndTime returns the end time of entry id.
func (r *Reader) EndTime(id int) int32 { return r.endTimes[id] }

// CoverageID returns the coverage id of entry id.
func (r *Reader) CoverageID(id int) int32 { return r.coverageIDs[id] }

// Coverage returns the coverage of entry id.
func (r *Reader) Coverage(id int) coverage.Coverage { return r.coverages[r.coverageIDs[id]] }

// Coverages returns the persisted coverage table indexed by id.
func (r *Reader) Coverages() []coverage.Coverage { return r.coverages }

// BlockSize returns the maximum number of entries per block.
func (r *Reader) BlockSize() int { return r.blockSize }

// BlockLoads returns how many times a block was read and decoded.
func (r *Reader) BlockLoads() int { return r.blockLoads }

// ReadEntry returns the path and polygon of entry id, decoding its block
// unless it is the cached one.
func (r *Reader) ReadEntry(id int) (EntryView, error) {
	if id < 0 || id >= len(r.startTimes) {
		return EntryView{}, inverrors.NewInternalError(
			fmt.Sprintf("store: entry %d out of range [0, %d)", id, len(r.startTimes)), nil)
	}
	b := id / r.blockSize
	if b != r.block {
		if err := r.loadBlock(b); err != nil {
			return EntryView{}, err
		}
	}
	i := id - b*r.blockSize
	return EntryView{ID: id, Path: r.paths[i], Polygon: r.polygons[i]}, nil
}

func (r *Reader) loadBlock(b int) error {
	// invalidate first so a failed load never leaves a stale cache
	r.block, r.paths, r.polygons = -1, nil, nil

	start, end := r.blockOffsets[b], r.blockOffsets[b+1]
	if _, err := r.src.Seek(r.base+start, io.SeekStart); err != nil {
		return inverrors.NewIOError(inverrors.CodeReadFailed, fmt.Sprintf("store: failed to seek block %d", b), err)
	}
	data := make([]byte, end-start)
	if _, err := io.ReadFull(r.src, data); err != nil {
		return inverrors.NewIOError(inverrors.CodeReadFailed, fmt.Sprintf("store: failed to read block %d", b), err)
	}

	n := r.blockSize
	if rest := len(r.startTimes) - b*r.blockSize; rest < n {
		n = rest
	}
	paths, polygons, err := decodeBlock(data, n)
	if err != nil {
		return inverrors.NewFormatError(inverrors.CodeCorruptStream, fmt.Sprintf("store: corrupt block %d", b), err)
	}
	r.block, r.paths, r.polygons = b, paths, polygons
	r.blockLoads++
	return nil
}

func decodeBlock(data []byte, n int) ([]string, [][]byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("missing paths length")
	}
	pathsLen := int(byteOrder.Uint32(data))
	data = data[4:]
	if pathsLen > len(data) {
		return nil, nil, fmt.Errorf("paths length %d exceeds block", pathsLen)
	}
	raw, err := snappy.Decode(nil, data[:pathsLen])
	if err != nil {
		return nil, nil, fmt.Errorf("decompress paths: %w", err)
	}
	paths := strings.Split(string(raw), string(PathSeparator))
	if len(paths) != n {
		return nil, nil, fmt.Errorf("got %d paths, want %d", len(paths), n)
	}
	data = data[pathsLen:]

	if len(data) < 4*n {
		return nil, nil, errors.New("missing polygon lengths")
	}
	lengths := make([]int, n)
	total := 0
	for i := range lengths {
		lengths[i] = int(int32(byteOrder.Uint32(data[i*4:])))
		if lengths[i] < 0 {
			return nil, nil, fmt.Errorf("negative polygon length at %d", i)
		}
		total += lengths[i]
	}
	data = data[4*n:]
	if total > len(data) {
		return nil, nil, fmt.Errorf("polygon payload %d exceeds block", total)
	}

	polygons := make([][]byte, n)
	off := 0
	for i, l := range lengths {
		polygons[i] = data[off : off+l : off+l]
		off += l
	}
	return paths, polygons, nil
}

var errInvalidCount = errors.New("negative count")

// headerReader reads the index section and tracks the bytes left in the
// stream so corrupt counts cannot trigger huge allocations.
type headerReader struct {
	r         *bufio.Reader
	remaining int64
	err       error
	scratch   [4]byte
}

func (h *headerReader) read(p []byte) {
	if h.err != nil {
		return
	}
	if int64(len(p)) > h.remaining {
		h.err = io.ErrUnexpectedEOF
		return
	}
	_, h.err = io.ReadFull(h.r, p)
	h.remaining -= int64(len(p))
}

func (h *headerReader) uint32() uint32 {
	h.read(h.scratch[:])
	if h.err != nil {
		return 0
	}
	return byteOrder.Uint32(h.scratch[:])
}

func (h *headerReader) int32() int32 {
	return int32(h.uint32())
}

func (h *headerReader) count() int {
	v := h.int32()
	if v < 0 && h.err == nil {
		h.err = fmt.Errorf("%w: %d", errInvalidCount, v)
	}
	return int(v)
}

func (h *headerReader) int32s(n int) []int32 {
	if h.err != nil || n <= 0 {
		return []int32{}
	}
	if int64(n)*4 > h.remaining {
		h.err = io.ErrUnexpectedEOF
		return []int32{}
	}
	buf := make([]byte, 4*n)
	h.read(buf)
	out := make([]int32, n)
	if h.err != nil {
		return out
	}
	for i := range out {
		out[i] = int32(byteOrder.Uint32(buf[i*4:]))
	}
	return out
}

func (h *headerReader) fail() error {
	if errors.Is(h.err, io.ErrUnexpectedEOF) || errors.Is(h.err, io.EOF) {
		return inverrors.NewFormatError(inverrors.CodeCorruptStream, "store: truncated index section", h.err)
	}
	if errors.Is(h.err, errInvalidCount) {
		return inverrors.NewFormatError(inverrors.CodeCorruptStream, "store: invalid header", h.err)
	}
	return inverrors.NewIOError(inverrors.CodeReadFailed, "store: failed to read index section", h.err)
}

// OpenFile opens the index file at path. The returned reader owns the file
// until Close.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed, fmt.Sprintf("store: failed to open %s", path), err)
	}
	r, err := Open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying stream if it is closable.
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
