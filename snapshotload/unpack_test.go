package snapshotload

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"accountsdb/metrics"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func buildTestArchive(t *testing.T, entries map[string][]byte) string {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "snapshot.tar.zst")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestUnpackWritesEveryEntryAndReportsChannelUsage(t *testing.T) {
	archive := buildTestArchive(t, map[string][]byte{
		"accounts/1.0": []byte("first"),
		"accounts/2.1": []byte("second"),
	})
	destDir := t.TempDir()
	reg := metrics.NewRegistry()

	require.NoError(t, Unpack(archive, destDir, 2, reg))

	got, err := os.ReadFile(filepath.Join(destDir, "accounts", "1.0"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
	got, err = os.ReadFile(filepath.Join(destDir, "accounts", "2.1"))
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)

	snap := reg.Snapshot()
	_, ok := snap.Gauges["snapshot_unpack_jobs_usage_pct"]
	require.True(t, ok, "unpack should report job channel usage through the metrics registry")
}

func TestUnpackAcceptsNilRegistry(t *testing.T) {
	archive := buildTestArchive(t, map[string][]byte{"accounts/1.0": []byte("x")})
	destDir := t.TempDir()
	require.NoError(t, Unpack(archive, destDir, 1, nil))
}
