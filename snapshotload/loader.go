package snapshotload

import (
	"fmt"
	"sync"

	"accountsdb/accountindex"
	"accountsdb/config"
	"accountsdb/filemap"
	"accountsdb/logx"
)

var log = logx.New("snapshotload")

// Result is a fully loaded and validated snapshot: the merged index
// and file map.
type Result struct {
	Index *accountindex.Index
	Files *filemap.Map
}

// Load runs spec 4.7's full pipeline against an already-unpacked
// snapshot directory: plan, parallel parse, merge, validate. dir must
// contain an accounts/ subdirectory matching manifest.Files.
func Load(cfg config.SnapshotConfig, numberOfBins uint32, dir string, manifest Manifest) (Result, error) {
	planned, err := Plan(dir, manifest)
	if err != nil {
		return Result{}, err
	}
	log.Info("planned %d account file(s) from manifest", len(planned))

	groups := partition(planned, cfg.NumThreadsSnapshotLoad)
	results := make([]WorkerResult, len(groups))
	errCh := make(chan error, len(groups))
	var wg sync.WaitGroup
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		i, group := i, group
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := loadWorker(dir, group, numberOfBins, cfg.AccountsPerFileEstimate)
			if err != nil {
				errCh <- err
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return Result{}, fmt.Errorf("snapshotload: worker parse failed: %w", err)
	}

	nonEmpty := make([]WorkerResult, 0, len(results))
	for _, r := range results {
		if r.Index != nil {
			nonEmpty = append(nonEmpty, r)
		}
	}

	idx, err := accountindex.New(numberOfBins, 64)
	if err != nil {
		return Result{}, err
	}
	files := filemap.New()
	if err := Merge(idx, files, nonEmpty); err != nil {
		return Result{}, err
	}
	log.Info("merged %d worker(s) into %d file(s)", len(nonEmpty), files.Len())

	if !cfg.SnapshotMetadataOnly {
		if err := Validate(idx, files, manifest); err != nil {
			return Result{}, err
		}
		log.Info("validated accounts hash and capitalization against manifest")
	}

	return Result{Index: idx, Files: files}, nil
}
