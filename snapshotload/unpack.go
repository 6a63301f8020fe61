package snapshotload

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"accountsdb/metrics"

	"github.com/klauspost/compress/zstd"
)

// Unpack decompresses the zstd-compressed tarball at archivePath into
// destDir (spec 4.7 step 1). The tar stream itself is necessarily read
// sequentially, but each entry's write-to-disk is handed to a pool of
// workers sized numWorkers — "each entry dispatched to a worker;
// deterministic output is not required" — so a large snapshot's
// account-file writes overlap with the next entry's decompression. reg
// may be nil; when non-nil, the job channel's fill level is reported
// after every dispatch (SPEC_FULL C.1) so a caller can spot the tar
// reader outrunning the write workers before it becomes unpack
// latency.
func Unpack(archivePath, destDir string, numWorkers int, reg *metrics.Registry) error {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("snapshotload: open %s: %w", archivePath, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("snapshotload: zstd reader: %w", err)
	}
	defer zr.Close()

	type job struct {
		path string
		mode os.FileMode
		body []byte
	}
	jobs := make(chan job, numWorkers*2)
	stop := make(chan struct{})
	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			close(stop)
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := writeEntry(j.path, j.mode, j.body); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	tr := tar.NewReader(zr)
readLoop:
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(fmt.Errorf("snapshotload: tar read: %w", err))
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, body); err != nil {
			fail(fmt.Errorf("snapshotload: tar read %s: %w", hdr.Name, err))
			break
		}
		select {
		case jobs <- job{path: filepath.Join(destDir, hdr.Name), mode: os.FileMode(hdr.Mode), body: body}:
			stat := metrics.NewChannelStat("snapshot_unpack_jobs", len(jobs), cap(jobs))
			reg.Set("snapshot_unpack_jobs_usage_pct", int64(stat.Usage*100))
		case <-stop:
			break readLoop
		}
	}
	close(jobs)
	wg.Wait()
	return firstErr
}

func writeEntry(path string, mode os.FileMode, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshotload: mkdir for %s: %w", path, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(path, body, mode)
}
