// Package config is the storage engine's single configuration surface,
// analogous to the outer validator's --accounts-* CLI flags (spec
// section 6). The engine never reads a config file itself — the CLI
// front-end is an external collaborator out of this engine's scope — so
// construction is DefaultConfig() plus field overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct passed to accountsdb.Open.
type Config struct {
	Index       IndexConfig
	Cache       CacheConfig
	Maintenance MaintenanceConfig
	Snapshot    SnapshotConfig
	DiskAlloc   DiskAllocConfig
	Persist     PersistConfig
}

// IndexConfig controls the account index's sharding.
type IndexConfig struct {
	NumberOfIndexShards uint32 // power of two <= 1<<24, e.g. 8192
	UseDiskIndex        bool   // back per-slot reference arenas with the disk allocator instead of the Go heap; bins stay heap-resident
	HotCacheSize        int    // entries kept in the bounded LRU in front of GetAccount, 0 disables it
}

// CacheConfig controls the write-back account cache.
type CacheConfig struct {
	ExpectedSlotsInFlight int // not a hard cap; accountcache.New does not read it
}

// MaintenanceConfig controls the flush/clean/shrink/delete loop.
type MaintenanceConfig struct {
	TickInterval              time.Duration // how often the maintenance loop wakes up
	MaxFlushSlotsPerIteration int           // spec 4.8 step 1
	ShrinkThresholdPercent    int           // ACCOUNT_FILE_SHRINK_THRESHOLD, e.g. 70
}

// SnapshotConfig controls snapshot load/unpack/generate.
type SnapshotConfig struct {
	SnapshotDir                    string
	NumThreadsSnapshotLoad         int
	NumThreadsSnapshotUnpack       int
	AccountsPerFileEstimate        int
	ForceUnpackSnapshot            bool
	ForceNewSnapshotDownload       bool
	MinSnapshotDownloadSpeedMBs    float64
	MaxSnapshotDownloadAttempts    int
	SnapshotMetadataOnly           bool

	// HardlinkAccountFiles controls whether snapshotgen hardlinks
	// account files into the staging directory instead of copying
	// their bytes; hardlinking is the fast path and is safe as long as
	// account files are genuinely immutable once published, which they
	// are past flush (spec 4.2). Copy is the fallback for destinations
	// on a different filesystem, where a hardlink can't be created.
	HardlinkAccountFiles bool
}

// DiskAllocConfig controls the mmap-backed allocator used when
// UseDiskIndex is set.
type DiskAllocConfig struct {
	PathPrefix string // allocator files are named <PathPrefix>_<N>
	PageSize   int    // allocation granularity, defaults to os.Getpagesize()
}

// PersistConfig controls the two optional cross-restart persistence
// paths: the file-map's metadata registry (on when FileMapMetaDir is
// set, backed by pebble) and the flattened index snapshot
// (save_index/fastload, backed by badger).
type PersistConfig struct {
	FileMapMetaDir string
	SaveIndex      bool
	FastLoad       bool
	IndexStoreDir  string
}

// DefaultConfig returns the engine's defaults. A production validator
// overrides SnapshotDir, NumberOfIndexShards and the thread counts to
// match its hardware; the rest are reasonable out of the box.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Index: IndexConfig{
			NumberOfIndexShards: 8192,
			UseDiskIndex:        false,
			HotCacheSize:        65536,
		},
		Cache: CacheConfig{
			ExpectedSlotsInFlight: 32,
		},
		Maintenance: MaintenanceConfig{
			TickInterval:              400 * time.Millisecond,
			MaxFlushSlotsPerIteration: 8,
			ShrinkThresholdPercent:    70,
		},
		Snapshot: SnapshotConfig{
			SnapshotDir:                 dataDir + "/snapshots",
			NumThreadsSnapshotLoad:      8,
			NumThreadsSnapshotUnpack:    4,
			AccountsPerFileEstimate:     1500,
			ForceUnpackSnapshot:         false,
			ForceNewSnapshotDownload:    false,
			MinSnapshotDownloadSpeedMBs: 10,
			MaxSnapshotDownloadAttempts: 5,
			SnapshotMetadataOnly:        false,
			HardlinkAccountFiles:        true,
		},
		DiskAlloc: DiskAllocConfig{
			PathPrefix: dataDir + "/accounts_index_disk",
			PageSize:   0,
		},
		Persist: PersistConfig{
			FileMapMetaDir: dataDir + "/accounts_filemap_meta",
			SaveIndex:      false,
			FastLoad:       false,
			IndexStoreDir:  dataDir + "/accounts_index_store",
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Index.NumberOfIndexShards == 0 || c.Index.NumberOfIndexShards&(c.Index.NumberOfIndexShards-1) != 0 {
		return fmt.Errorf("config: NumberOfIndexShards must be a power of two, got %d", c.Index.NumberOfIndexShards)
	}
	if c.Index.NumberOfIndexShards > 1<<24 {
		return fmt.Errorf("config: NumberOfIndexShards must be <= 2^24, got %d", c.Index.NumberOfIndexShards)
	}
	if c.Maintenance.MaxFlushSlotsPerIteration <= 0 {
		return fmt.Errorf("config: MaxFlushSlotsPerIteration must be positive")
	}
	if c.Maintenance.ShrinkThresholdPercent <= 0 || c.Maintenance.ShrinkThresholdPercent > 100 {
		return fmt.Errorf("config: ShrinkThresholdPercent must be in (0, 100]")
	}
	if c.Snapshot.NumThreadsSnapshotLoad <= 0 || c.Snapshot.NumThreadsSnapshotUnpack <= 0 {
		return fmt.Errorf("config: snapshot worker counts must be positive")
	}
	return nil
}
