// Package dump writes index entries to external formats.
package dump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
)

// Formats accepted by Open.
const (
	FormatTSV    = "tsv"
	FormatSQLite = "sqlite"
)

// Sink receives the entries of an index.
type Sink interface {
	WriteEntry(rec index.Record) error
	Close() error
}

// Open creates a sink of the given format writing to path. The TSV format
// writes to stdout when path is empty or "-".
func Open(format, path string) (Sink, error) {
	switch format {
	case FormatTSV, "":
		if path == "" || path == "-" {
			return NewTSVSink(os.Stdout), nil
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, inverrors.NewIOError(inverrors.CodeWriteFailed,
				fmt.Sprintf("dump: failed to create %s", path), err)
		}
		return &fileSink{TSVSink: NewTSVSink(f), file: f}, nil
	case FormatSQLite:
		if path == "" {
			return nil, inverrors.NewConfigurationError(inverrors.CodeInvalidConfig,
				"dump: the sqlite format needs an output path")
		}
		return NewSQLiteSink(path)
	default:
		return nil, inverrors.NewConfigurationError(inverrors.CodeInvalidConfig,
			fmt.Sprintf("dump: unsupported format %q (must be tsv or sqlite)", format))
	}
}

// TSVSink writes entries in the ingestion format so a dump can be fed
// back into an update.
type TSVSink struct {
	w *bufio.Writer
}

// NewTSVSink creates a TSV sink writing to w.
func NewTSVSink(w io.Writer) *TSVSink {
	return &TSVSink{w: bufio.NewWriter(w)}
}

// WriteEntry writes one line.
func (s *TSVSink) WriteEntry(rec index.Record) error {
	end := ingest.FormatTime(rec.EndTime)
	if rec.EndTime == rec.StartTime {
		end = "null"
	}
	line := strings.Join([]string{
		rec.Path,
		ingest.FormatTime(rec.StartTime),
		end,
		geometry.FormatPolygon(rec.Polygon),
	}, "\t")
	if _, err := s.w.WriteString(line + "\n"); err != nil {
		return inverrors.NewIOError(inverrors.CodeWriteFailed, "dump: write failed", err)
	}
	return nil
}

// Close flushes buffered output.
func (s *TSVSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return inverrors.NewIOError(inverrors.CodeWriteFailed, "dump: flush failed", err)
	}
	return nil
}

type fileSink struct {
	*TSVSink
	file *os.File
}

func (s *fileSink) Close() error {
	if err := s.TSVSink.Close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
