package snapshotload

import (
	"fmt"
	"os"
	"path/filepath"
)

// Plan lists the account files actually present under dir/accounts and
// cross-checks them against the manifest's file list, keeping only
// entries the manifest references and skipping the rest (spec 4.7 step
// 2). A manifest entry with no corresponding on-disk file is an error:
// the snapshot is incomplete.
func Plan(dir string, manifest Manifest) ([]FileRef, error) {
	accountsDir := filepath.Join(dir, "accounts")
	present := make(map[string]bool)
	entries, err := os.ReadDir(accountsDir)
	if err != nil {
		return nil, fmt.Errorf("snapshotload: list %s: %w", accountsDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			present[e.Name()] = true
		}
	}

	planned := make([]FileRef, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		if !present[f.filename()] {
			return nil, fmt.Errorf("snapshotload: manifest references %s but it is not present under %s", f.filename(), accountsDir)
		}
		planned = append(planned, f)
	}
	return planned, nil
}

// partition splits files into n roughly-equal-sized groups, by count
// rather than by byte size — spec 4.7 step 3 only specifies "split the
// filename list across N worker engines", not a load-balancing scheme.
func partition(files []FileRef, n int) [][]FileRef {
	if n <= 0 {
		n = 1
	}
	groups := make([][]FileRef, n)
	for i, f := range files {
		groups[i%n] = append(groups[i%n], f)
	}
	return groups
}
