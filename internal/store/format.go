// Package store implements the block-oriented binary index file.
//
// Layout (all integers little-endian):
//
//	magic        [8]byte  "GEOIDX01"
//	entryCount   int32
//	coverageCnt  int32
//	startTimes   [entryCount]int32
//	endTimes     [entryCount]int32
//	coverageIDs  [entryCount]int32
//	covLengths   [coverageCnt]int32
//	tokens       [sum(covLengths)]uint32
//	blockSize    int32    max entries per block
//	blockLengths [ceil(entryCount/blockSize)]int32
//	blocks       ...
//
// Each block holds, for its entries in order:
//
//	pathsLen     uint32
//	paths        snappy(path_0 '\t' path_1 '\t' ...)
//	polyLengths  [n]int32
//	polygons     concatenated opaque geometry blobs
package store

import "encoding/binary"

// Magic identifies an index file.
var Magic = [8]byte{'G', 'E', 'O', 'I', 'D', 'X', '0', '1'}

// DefaultBlockSize is the maximum number of entries per block.
const DefaultBlockSize = 1000

// PathSeparator joins the paths of one block before compression. Paths must
// not contain it.
const PathSeparator = '\t'

var byteOrder = binary.LittleEndian

// Entry is one indexed product as persisted in a snapshot.
type Entry struct {
	StartTime  int32
	EndTime    int32
	Path       string
	Polygon    []byte
	CoverageID int32
}

// EntryView is the result of reading one entry's block payload.
type EntryView struct {
	ID      int
	Path    string
	Polygon []byte
}

func numBlocks(entries, blockSize int) int {
	if entries == 0 {
		return 0
	}
	return (entries + blockSize - 1) / blockSize
}
