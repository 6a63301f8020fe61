// Package accountsdb wires the account cache, index, file map and
// maintenance loop into the single public engine spec section 2
// describes: the storage subsystem a validator's execution and
// snapshot-load paths call into. Modeled on the teacher's statedb.DB
// as the top-level struct that owns every subordinate store and
// exposes the public read/write surface.
package accountsdb

import (
	"fmt"

	"accountsdb/accountcache"
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/config"
	"accountsdb/diskalloc"
	"accountsdb/filemap"
	"accountsdb/indexstore"
	"accountsdb/logx"
	"accountsdb/maintenance"
	"accountsdb/metrics"

	lru "github.com/hashicorp/golang-lru"
)

var log = logx.New("accountsdb")

// Engine is the top-level account storage engine: the cache, the
// index, the file map, the maintenance loop and the optional
// persistence/hot-cache add-ons, all under one handle.
type Engine struct {
	cfg *config.Config
	dir string

	cache *accountcache.Cache
	index *accountindex.Index
	files *filemap.Map
	maint *maintenance.Loop

	fileStore  *filemap.Store
	indexStore *indexstore.Store
	disk       *diskalloc.Allocator

	hot     *lru.Cache // optional bounded read cache, pubkey -> accountcache.Account
	metrics *metrics.Registry
}

// Open constructs an Engine rooted at dir, ready to accept PutBatch
// calls and, once a snapshot is loaded, reads. It does not start the
// maintenance loop's background goroutine; call RunMaintenance for
// that once the caller is ready to observe rooted-slot advances.
func Open(cfg *config.Config, dir string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var err error
	var disk *diskalloc.Allocator
	if cfg.Index.UseDiskIndex {
		disk, err = diskalloc.New(cfg.DiskAlloc.PathPrefix, cfg.DiskAlloc.PageSize)
		if err != nil {
			return nil, fmt.Errorf("accountsdb: open disk allocator: %w", err)
		}
	}

	var idx *accountindex.Index
	if disk != nil {
		idx, err = accountindex.NewWithDiskAllocator(cfg.Index.NumberOfIndexShards, 64, disk)
	} else {
		idx, err = accountindex.New(cfg.Index.NumberOfIndexShards, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("accountsdb: open index: %w", err)
	}

	files := filemap.New()
	reg := metrics.NewRegistry()

	var fileStore *filemap.Store
	if cfg.Persist.FileMapMetaDir != "" {
		fileStore, err = filemap.OpenStore(cfg.Persist.FileMapMetaDir)
		if err != nil {
			return nil, fmt.Errorf("accountsdb: open file-map metadata store: %w", err)
		}
	}

	var indexStore *indexstore.Store
	if cfg.Persist.SaveIndex {
		indexStore, err = indexstore.Open(cfg.Persist.IndexStoreDir)
		if err != nil {
			return nil, fmt.Errorf("accountsdb: open index store: %w", err)
		}
	}

	cache := accountcache.New()
	maint := maintenance.New(cfg.Maintenance, cache, idx, files, fileStore, dir, reg)

	var hot *lru.Cache
	if cfg.Index.HotCacheSize > 0 {
		hot, err = lru.New(cfg.Index.HotCacheSize)
		if err != nil {
			return nil, fmt.Errorf("accountsdb: create hot cache: %w", err)
		}
	}

	e := &Engine{
		cfg: cfg, dir: dir,
		cache: cache, index: idx, files: files, maint: maint,
		fileStore: fileStore, indexStore: indexStore, disk: disk,
		hot: hot, metrics: reg,
	}

	if cfg.Persist.FastLoad && fileStore != nil {
		if err := e.fastLoadFileMap(); err != nil {
			return nil, fmt.Errorf("accountsdb: fastload file map: %w", err)
		}
	}

	log.Info("engine opened at %s (bins=%d)", dir, cfg.Index.NumberOfIndexShards)
	return e, nil
}

// fastLoadFileMap repopulates the file map by reopening each account
// file the persisted store still has a row for, read-only, instead of
// rescanning every account file from the snapshot (SPEC_FULL B row 2).
// Metadata (alive/dead bytes, header checksum) is recomputed by
// Populate rather than trusted verbatim from the row, since the row
// only exists to tell fastload which files and slots to reopen.
func (e *Engine) fastLoadFileMap() error {
	rows, err := e.fileStore.LoadAll()
	if err != nil {
		return err
	}
	for _, row := range rows {
		path := fmt.Sprintf("%s/%d.%d", e.dir, row.Slot, uint64(row.FileID))
		af, err := accountfile.Open(path, row.FileID, row.Slot, row.Length)
		if err != nil {
			log.Warn("fastload: skipping file %d (slot %d): %v", row.FileID, row.Slot, err)
			continue
		}
		meta, err := af.Populate()
		if err != nil {
			log.Warn("fastload: skipping file %d (slot %d): populate: %v", row.FileID, row.Slot, err)
			continue
		}
		if err := e.files.Publish(row.FileID, af, meta, af.Len()); err != nil {
			log.Warn("fastload: publish file %d: %v", row.FileID, err)
		}
	}
	log.Info("fastload: reopened %d file(s)", e.files.Len())
	return nil
}

// Index returns the engine's account index, for packages that need
// read access to it beyond the public read/write surface (snapshotgen,
// maintenance already hold their own references at construction).
func (e *Engine) Index() *accountindex.Index { return e.index }

// Files returns the engine's file map.
func (e *Engine) Files() *filemap.Map { return e.files }

// Config returns the configuration Open was called with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Dir returns the engine's data directory, the parent of accounts/.
func (e *Engine) Dir() string { return e.dir }

// Close tears down the persistence stores this Engine opened. Open
// account files stay owned by the file map and are closed individually
// by the maintenance loop's delete step, never en masse here — it does
// not flush pending cache entries either; callers should drain the
// cache via maintenance before calling Close if that matters for their
// use case.
func (e *Engine) Close() error {
	var firstErr error
	if e.fileStore != nil {
		if err := e.fileStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.indexStore != nil {
		e.indexStore.Close()
	}
	if e.disk != nil {
		if err := e.disk.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
