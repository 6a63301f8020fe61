package metrics

import "sync"

// Registry holds the engine's counters, gauges and latency series. A nil
// *Registry is valid and every method on it is a no-op, so callers that
// don't care about metrics can simply not construct one.
type Registry struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]int64
	Latency  *LatencyRecorder
}

// NewRegistry returns an empty registry with a 4096-sample latency
// reservoir per operation.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]uint64),
		gauges:   make(map[string]int64),
		Latency:  NewLatencyRecorder(4096),
	}
}

// Inc adds delta to the named counter (flushes_total, files_deleted_total, ...).
func (r *Registry) Inc(name string, delta uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Set assigns the named gauge (cache_slots, index_entries, ...).
func (r *Registry) Set(name string, value int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// Snapshot is a point-in-time copy of every counter and gauge, safe to
// hold onto after the call returns.
type Snapshot struct {
	Counters map[string]uint64
	Gauges   map[string]int64
	Latency  map[string]LatencySummary
}

// Snapshot returns a copy of the registry's current state.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	counters := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]int64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	r.mu.Unlock()
	return Snapshot{Counters: counters, Gauges: gauges, Latency: r.Latency.Snapshot(false)}
}

// BinOccupancy summarizes the index's per-bin entry-count skew, used to
// flag a bad choice of number_of_index_shards.
type BinOccupancy struct {
	Min, Max, Avg int
	NumBins       int
}

// ChannelStat describes one buffered channel's current fill level, used
// to spot back-pressure on snapshot unpack's job channel before it
// becomes an incident.
type ChannelStat struct {
	Name  string
	Len   int
	Cap   int
	Usage float64
}

// NewChannelStat computes the usage ratio for a channel snapshot.
func NewChannelStat(name string, length, capacity int) ChannelStat {
	usage := 0.0
	if capacity > 0 {
		usage = float64(length) / float64(capacity)
	}
	return ChannelStat{Name: name, Len: length, Cap: capacity, Usage: usage}
}
