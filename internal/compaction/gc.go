package compaction

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bcdev/geo-inventory-sub000/internal/storage"
)

// GarbageCollector removes attic archives once their TTL has elapsed.
// A TTL <= 0 keeps archives forever.
type GarbageCollector struct {
	storage storage.ObjectStorage
	prefix  string
	ttl     time.Duration
	now     func() time.Time
}

// NewGarbageCollector creates a garbage collector for archives named with prefix.
func NewGarbageCollector(store storage.ObjectStorage, prefix string, ttl time.Duration) *GarbageCollector {
	return &GarbageCollector{
		storage: store,
		prefix:  prefix,
		ttl:     ttl,
		now:     time.Now,
	}
}

// GCResult holds the outcome of a garbage collection run.
type GCResult struct {
	DeletedObjects []string
	Errors         []string
}

// CollectGarbage removes expired archives and logs the outcome.
func (gc *GarbageCollector) CollectGarbage(ctx context.Context) error {
	result, err := gc.CollectGarbageWithResult(ctx)
	if err != nil {
		return err
	}

	if len(result.DeletedObjects) > 0 {
		log.Printf("compaction/gc: deleted %d expired archives", len(result.DeletedObjects))
	}
	if len(result.Errors) > 0 {
		log.Printf("compaction/gc: encountered %d errors during GC", len(result.Errors))
	}
	return nil
}

// CollectGarbageWithResult removes expired archives and returns detailed results.
func (gc *GarbageCollector) CollectGarbageWithResult(ctx context.Context) (*GCResult, error) {
	result := &GCResult{}
	if gc.ttl <= 0 {
		return result, nil
	}

	expired, err := gc.FindExpiredArchives(ctx)
	if err != nil {
		return nil, err
	}
	for _, objectPath := range expired {
		if err := gc.storage.Delete(ctx, objectPath); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", objectPath, err))
			continue
		}
		result.DeletedObjects = append(result.DeletedObjects, objectPath)
	}
	return result, nil
}

// FindExpiredArchives returns archives older than the TTL without deleting them.
// Objects whose name carries no archive timestamp are never considered.
func (gc *GarbageCollector) FindExpiredArchives(ctx context.Context) ([]string, error) {
	objects, err := gc.storage.ListObjects(ctx, gc.prefix)
	if err != nil {
		return nil, fmt.Errorf("compaction/gc: failed to list archives: %w", err)
	}

	cutoff := gc.now().Add(-gc.ttl)
	var expired []string
	for _, objectPath := range objects {
		created, ok := ArchiveTime(gc.prefix, objectPath)
		if ok && created.Before(cutoff) {
			expired = append(expired, objectPath)
		}
	}
	return expired, nil
}

// TTL returns the configured time-to-live for archives.
func (gc *GarbageCollector) TTL() time.Duration {
	return gc.ttl
}
