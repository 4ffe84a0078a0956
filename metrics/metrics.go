// Package metrics exposes the engine's counters both as sharded
// in-process atomics (read by the control surface) and as Prometheus
// collectors (scraped externally), grounded on the real-world daemon stack
// found in the example pack's richest dependency donor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every counter/gauge the router, allocator, and node cache
// update on the hot path.
type Set struct {
	CacheReadRaces   *ShardedCounter
	SectorsBypassed  *ShardedCounter
	SectorsWritten   *ShardedCounter
	IOErrors         *ShardedCounter
	CacheHits        *ShardedCounter
	CacheMisses      *ShardedCounter
	promCollector    *collector
}

// NewSet creates a Set with fresh sharded counters and registers a
// Prometheus collector that samples them.
func NewSet() *Set {
	s := &Set{
		CacheReadRaces:  NewShardedCounter(),
		SectorsBypassed: NewShardedCounter(),
		SectorsWritten:  NewShardedCounter(),
		IOErrors:        NewShardedCounter(),
		CacheHits:       NewShardedCounter(),
		CacheMisses:     NewShardedCounter(),
	}
	s.promCollector = &collector{set: s}
	return s
}

// MustRegister registers the Set's Prometheus collector with reg.
func (s *Set) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(s.promCollector)
}

type collector struct {
	set *Set
}

var (
	descCacheReadRaces  = prometheus.NewDesc("bcached_cache_read_races_total", "stale-pointer read retries", nil, nil)
	descSectorsBypassed = prometheus.NewDesc("bcached_sectors_bypassed_total", "sectors routed around the cache", nil, nil)
	descSectorsWritten  = prometheus.NewDesc("bcached_sectors_written_total", "sectors written through the extent pipeline", nil, nil)
	descIOErrors        = prometheus.NewDesc("bcached_io_errors_total", "hard device I/O errors", nil, nil)
	descCacheHits        = prometheus.NewDesc("bcached_cache_hits_total", "read-path cache hits", nil, nil)
	descCacheMisses       = prometheus.NewDesc("bcached_cache_misses_total", "read-path cache misses", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCacheReadRaces
	ch <- descSectorsBypassed
	ch <- descSectorsWritten
	ch <- descIOErrors
	ch <- descCacheHits
	ch <- descCacheMisses
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descCacheReadRaces, prometheus.CounterValue, float64(c.set.CacheReadRaces.Sum()))
	ch <- prometheus.MustNewConstMetric(descSectorsBypassed, prometheus.CounterValue, float64(c.set.SectorsBypassed.Sum()))
	ch <- prometheus.MustNewConstMetric(descSectorsWritten, prometheus.CounterValue, float64(c.set.SectorsWritten.Sum()))
	ch <- prometheus.MustNewConstMetric(descIOErrors, prometheus.CounterValue, float64(c.set.IOErrors.Sum()))
	ch <- prometheus.MustNewConstMetric(descCacheHits, prometheus.CounterValue, float64(c.set.CacheHits.Sum()))
	ch <- prometheus.MustNewConstMetric(descCacheMisses, prometheus.CounterValue, float64(c.set.CacheMisses.Sum()))
}
