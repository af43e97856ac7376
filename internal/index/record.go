// Package index accumulates product records into a path-deduplicated working
// set, serializes it through the store, and exposes persisted snapshots as
// read-only views for the query solver.
package index

import (
	"time"

	"github.com/golang/geo/s2"
)

// NoTime marks a missing start or end time.
const NoTime int32 = -1

// Epoch is the origin of the minute-based time axis.
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Record is one decoded ingestion record.
type Record struct {
	Path      string
	StartTime int32
	EndTime   int32
	Polygon   *s2.Polygon
}

// MinutesOf converts t into minutes since Epoch.
func MinutesOf(t time.Time) int32 {
	return int32(t.Sub(Epoch) / time.Minute)
}

// TimeOf is the inverse of MinutesOf.
func TimeOf(minutes int32) time.Time {
	return Epoch.Add(time.Duration(minutes) * time.Minute)
}
