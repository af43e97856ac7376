package generation

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bcdev/geo-inventory-sub000/internal/compaction"
	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
)

const inboxTimeLayout = "20060102T150405"

// Submit places a copy of source in the inbox without rebuilding the index.
// Queries see its records immediately; the next Update compacts it. The
// source is decoded first so a malformed file never enters the inbox.
func (m *Manager) Submit(ctx context.Context, source string) (string, error) {
	recs, err := ingest.ReadFile(source)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s%s-%s.tsv", m.cfg.InboxPrefix, m.now().UTC().Format(inboxTimeLayout), uuid.New().String()[:8])
	dest := filepath.Join(m.cfg.IndexDir, name)
	part := dest + partSuffix

	if err := copyInto(source, part); err != nil {
		os.Remove(part)
		return "", inverrors.NewIOError(inverrors.CodeWriteFailed,
			fmt.Sprintf("generation: failed to submit %s", source), err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return "", inverrors.NewIOError(inverrors.CodeRenameFailed,
			fmt.Sprintf("generation: failed to submit %s", source), err)
	}
	log.Printf("generation: submitted %s with %d records as %s", source, len(recs), name)
	return dest, nil
}

func copyInto(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RestoreResult describes a rebuild from the attic.
type RestoreResult struct {
	Archives   int
	Total      int
	Generation string
	Warnings   []string
}

// Restore rebuilds the index from every archive in the attic, oldest first,
// and publishes the result as a new generation. The pending inbox is left
// untouched and nothing is archived again.
func (m *Manager) Restore(ctx context.Context, concurrency int) (*RestoreResult, error) {
	if m.archiver == nil {
		return nil, inverrors.NewConfigurationError(inverrors.CodeInvalidConfig,
			"generation: restore needs an attic")
	}

	objects, err := m.attic.ListObjects(ctx, m.archiver.Prefix())
	if err != nil {
		return nil, err
	}
	var archives []string
	for _, o := range objects {
		if _, ok := compaction.ArchiveTime(m.archiver.Prefix(), o); ok {
			archives = append(archives, o)
		}
	}
	sort.Slice(archives, func(i, j int) bool {
		return archiveName(archives[i]) < archiveName(archives[j])
	})

	workDir, err := os.MkdirTemp(m.cfg.IndexDir, ".restore-")
	if err != nil {
		return nil, inverrors.NewIOError(inverrors.CodeWriteFailed, "generation: failed to create restore directory", err)
	}
	defer os.RemoveAll(workDir)

	downloaded, err := storage.NewBatchDownloader(m.attic, concurrency, workDir).Download(ctx, archives)
	if err != nil {
		return nil, err
	}
	for _, o := range archives {
		if err, ok := downloaded.Errors[o]; ok {
			return nil, fmt.Errorf("generation: failed to download archive %s: %w", o, err)
		}
	}

	b, err := index.NewBuilder(m.cfg.CoverageLevel, m.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	for _, o := range archives {
		if err := addArchive(b, downloaded.LocalPaths[o]); err != nil {
			return nil, fmt.Errorf("generation: failed to restore %s: %w", o, err)
		}
	}

	existing, err := m.slots()
	if err != nil {
		return nil, err
	}
	var ur UpdateResult
	if err := m.publish(b, existing, &ur); err != nil {
		return nil, err
	}
	log.Printf("generation: restored %d entries from %d archives into %s", ur.Total, len(archives), ur.Generation)
	return &RestoreResult{
		Archives:   len(archives),
		Total:      ur.Total,
		Generation: ur.Generation,
		Warnings:   ur.Warnings,
	}, nil
}

func addArchive(b *index.Builder, path string) error {
	rc, err := compaction.OpenArchive(path)
	if err != nil {
		return err
	}
	defer rc.Close()
	recs, err := ingest.DecodeAll(rc)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := b.Add(rec); err != nil {
			return err
		}
	}
	return nil
}

func archiveName(objectPath string) string {
	if i := strings.LastIndex(objectPath, "/"); i >= 0 {
		return objectPath[i+1:]
	}
	return objectPath
}
