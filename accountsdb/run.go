package accountsdb

import (
	"context"

	"accountsdb/accountindex"
	"accountsdb/metrics"
)

// RunMaintenance starts the flush/clean/shrink/delete loop on its own
// goroutine, ticking until ctx is cancelled (spec 4.8, 5).
func (e *Engine) RunMaintenance(ctx context.Context) {
	go e.maint.Run(ctx)
}

// RunMaintenanceOnce drives a single flush/clean/shrink/delete
// iteration synchronously, mainly for tests and for callers that want
// maintenance driven from their own scheduler rather than a ticker.
func (e *Engine) RunMaintenanceOnce() error {
	return e.maint.RunOnce()
}

// SetRootedSlot publishes a new largest-rooted-slot watermark (spec 3),
// the signal the maintenance loop's flush step compares cached slots
// against.
func (e *Engine) SetRootedSlot(slot uint64) error {
	return e.maint.SetRootedSlot(slot)
}

// RootedSlot returns the most recently published rooted-slot watermark.
func (e *Engine) RootedSlot() uint64 {
	return e.maint.RootedSlot()
}

// Stats is a point-in-time snapshot of the engine's occupancy and
// maintenance counters (SPEC_FULL C.1, C.3).
type Stats struct {
	CachedSlots  int
	OpenFiles    int
	NumberOfBins uint32
	BinOccupancy metrics.BinOccupancy
	Metrics      metrics.Snapshot
}

// Stats reports current occupancy across the cache, file map and
// index, plus whatever the metrics registry has accumulated.
// BinOccupancy is derived fresh from Index.Stats() on every call rather
// than kept as a running gauge, since it's cheap to recompute (one
// RLock per bin) and a stale skew reading is actively misleading for
// the "is number_of_index_shards too small" question it answers.
func (e *Engine) Stats() Stats {
	occupancy := binOccupancy(e.index.Stats())
	e.metrics.Set("index_bin_min", int64(occupancy.Min))
	e.metrics.Set("index_bin_max", int64(occupancy.Max))
	e.metrics.Set("index_bin_avg", int64(occupancy.Avg))
	return Stats{
		CachedSlots:  e.cache.Len(),
		OpenFiles:    e.files.Len(),
		NumberOfBins: e.index.NumberOfBins(),
		BinOccupancy: occupancy,
		Metrics:      e.metrics.Snapshot(),
	}
}

// binOccupancy reduces per-bin stats to the min/max/avg skew summary
// the metrics registry and operators care about (SPEC_FULL C.1).
func binOccupancy(stats []accountindex.BinStats) metrics.BinOccupancy {
	if len(stats) == 0 {
		return metrics.BinOccupancy{}
	}
	min, max, sum := stats[0].Len, stats[0].Len, 0
	for _, s := range stats {
		if s.Len < min {
			min = s.Len
		}
		if s.Len > max {
			max = s.Len
		}
		sum += s.Len
	}
	return metrics.BinOccupancy{Min: min, Max: max, Avg: sum / len(stats), NumBins: len(stats)}
}
