// Package compaction archives consumed delta sources into the attic,
// expires old archives, and validates staged generations before they are
// published.
package compaction

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
)

const (
	archiveTimeLayout = "20060102T150405"
	archiveExt        = ".tsv"
	compressedExt     = ".tsv.zst"
)

// Archiver concatenates delta sources into one timestamped archive object.
type Archiver struct {
	store    storage.ObjectStorage
	workDir  string
	name     string
	compress bool
	now      func() time.Time
}

// NewArchiver creates an archiver uploading to store. Archive objects are
// named <name>-<timestamp>-<id>.tsv, with a .zst suffix when compressed.
// workDir receives the temporary archive file.
func NewArchiver(store storage.ObjectStorage, workDir, name string, compress bool) *Archiver {
	return &Archiver{
		store:    store,
		workDir:  workDir,
		name:     name,
		compress: compress,
		now:      time.Now,
	}
}

// Prefix returns the object name prefix shared by all archives of this index.
func (a *Archiver) Prefix() string {
	return a.name + "-"
}

// Archive writes the bytes of all sources, in order, into one archive and
// uploads it. It returns the object path.
func (a *Archiver) Archive(ctx context.Context, sources []string) (string, error) {
	ext := archiveExt
	if a.compress {
		ext = compressedExt
	}
	objectPath := fmt.Sprintf("%s%s-%s%s", a.Prefix(), a.now().UTC().Format(archiveTimeLayout),
		uuid.New().String()[:8], ext)

	tmp, err := os.CreateTemp(a.workDir, ".archive-*")
	if err != nil {
		return "", inverrors.NewIOError(inverrors.CodeArchiveFailed, "compaction: failed to create archive file", err)
	}
	defer os.Remove(tmp.Name())

	if err := a.writeArchive(tmp, sources); err != nil {
		tmp.Close()
		return "", inverrors.NewIOError(inverrors.CodeArchiveFailed,
			fmt.Sprintf("compaction: failed to write archive %s", objectPath), err)
	}
	if err := tmp.Close(); err != nil {
		return "", inverrors.NewIOError(inverrors.CodeArchiveFailed, "compaction: failed to close archive file", err)
	}

	if err := a.store.Upload(ctx, tmp.Name(), objectPath); err != nil {
		return "", err
	}
	return objectPath, nil
}

func (a *Archiver) writeArchive(w io.Writer, sources []string) error {
	bw := bufio.NewWriter(w)
	var dst io.Writer = bw
	var enc *zstd.Encoder
	if a.compress {
		var err error
		enc, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		dst = enc
	}

	for _, src := range sources {
		if err := appendFile(dst, src); err != nil {
			if enc != nil {
				enc.Close()
			}
			return err
		}
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// appendFile copies path to w and terminates it with a newline so the
// records of consecutive sources never merge.
func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = w.Write([]byte{'\n'})
	}
	return err
}

// OpenArchive opens a downloaded archive, decompressing .zst archives.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeReadFailed,
			fmt.Sprintf("compaction: failed to open archive %s", path), err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, inverrors.NewFormatError(inverrors.CodeCorruptStream,
			fmt.Sprintf("compaction: invalid archive %s", path), err)
	}
	return &archiveReader{Decoder: dec, file: f}, nil
}

// ArchiveTime extracts the creation time encoded in an archive object name.
func ArchiveTime(prefix, objectPath string) (time.Time, bool) {
	base := filepath.Base(filepath.FromSlash(objectPath))
	if !strings.HasPrefix(base, prefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(base, prefix)
	if len(rest) < len(archiveTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(archiveTimeLayout, rest[:len(archiveTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type archiveReader struct {
	*zstd.Decoder
	file *os.File
}

func (r *archiveReader) Close() error {
	r.Decoder.Close()
	return r.file.Close()
}
