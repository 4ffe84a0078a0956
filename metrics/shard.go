package metrics

import (
	"runtime"
	"sync/atomic"
)

// ShardedCounter is a hot per-CPU-style counter: each shard is padded to a
// cache line and incremented without contention; Sum aggregates on read.
// Exactness is not required (see spec design notes on per-cpu counters).
type ShardedCounter struct {
	shards []paddedCounter
}

type paddedCounter struct {
	v   atomic.Uint64
	_   [56]byte // pad to 64 bytes, avoid false sharing
}

// NewShardedCounter creates a counter with one shard per GOMAXPROCS.
func NewShardedCounter() *ShardedCounter {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &ShardedCounter{shards: make([]paddedCounter, n)}
}

// Add increments the counter by delta, striped by the calling goroutine's
// identity (approximated with a fast-changing value; exactness is not
// required for these counters).
func (c *ShardedCounter) Add(delta uint64) {
	idx := fastrandShard(len(c.shards))
	c.shards[idx].v.Add(delta)
}

// Sum returns the (approximate, momentarily-consistent) total.
func (c *ShardedCounter) Sum() uint64 {
	var total uint64
	for i := range c.shards {
		total += c.shards[i].v.Load()
	}
	return total
}

var shardCursor atomic.Uint64

// fastrandShard picks a shard index without a real per-CPU id available
// from the standard library; round-robins via an atomic cursor, which
// keeps contention bounded to occasional cache-line sharing rather than a
// single hot counter.
func fastrandShard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(shardCursor.Add(1) % uint64(n))
}
