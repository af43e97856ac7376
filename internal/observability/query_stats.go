// Package observability tracks per-query solver statistics and cumulative
// totals grouped by query kind.
package observability

import (
	"sort"
	"sync"
	"time"
)

// Query kinds recorded by the collector.
const (
	KindTime    = "time"
	KindPolygon = "polygon"
	KindPoints  = "points"
)

// QueryStats describes the work done by one solver call.
type QueryStats struct {
	TimeCandidates  int  // entries that passed the time window
	ApproxSurvivors int  // candidates that passed the coverage test
	ExactReads      int  // entries read for the exact geometry check
	Results         int  // entries returned
	Truncated       bool // max results was reached before all survivors were checked
}

// Add accumulates o into s.
func (s *QueryStats) Add(o QueryStats) {
	s.TimeCandidates += o.TimeCandidates
	s.ApproxSurvivors += o.ApproxSurvivors
	s.ExactReads += o.ExactReads
	s.Results += o.Results
	s.Truncated = s.Truncated || o.Truncated
}

// KindStats holds cumulative statistics for one query kind.
type KindStats struct {
	Kind      string
	Queries   int64
	Truncated int64
	Totals    QueryStats
	LastSeen  time.Time
}

// Collector accumulates QueryStats across queries. It is safe for concurrent use.
type Collector struct {
	mu    sync.RWMutex
	kinds map[string]*KindStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{kinds: make(map[string]*KindStats)}
}

// Record adds the statistics of one query of the given kind.
func (c *Collector) Record(kind string, qs QueryStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.kinds[kind]
	if !exists {
		stats = &KindStats{Kind: kind}
		c.kinds[kind] = stats
	}

	stats.Queries++
	if qs.Truncated {
		stats.Truncated++
	}
	stats.Totals.Add(qs)
	stats.LastSeen = time.Now()
}

// Get returns a copy of the statistics for kind.
func (c *Collector) Get(kind string) (KindStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, ok := c.kinds[kind]
	if !ok {
		return KindStats{}, false
	}
	return *stats, true
}

// GetTop returns the n most frequent query kinds, most frequent first.
func (c *Collector) GetTop(n int) []KindStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.kinds) == 0 {
		return []KindStats{}
	}

	stats := make([]KindStats, 0, len(c.kinds))
	for _, s := range c.kinds {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Queries != stats[j].Queries {
			return stats[i].Queries > stats[j].Queries
		}
		return stats[i].Kind < stats[j].Kind
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}
