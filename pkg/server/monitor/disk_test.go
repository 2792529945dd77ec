package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskMonitor_Usage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.vlog"), make([]byte, 8192), 0o644))

	m := NewDiskMonitor(dir, 1<<30)
	used, err := m.Usage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, int64(4096))
	assert.Equal(t, int64(1<<30), m.Limit())
}

func TestDiskMonitor_CachesScans(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewDiskMonitor(dir, 0)
	m.now = func() time.Time { return now }

	first, err := m.Usage()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.sst"), make([]byte, 64*1024), 0o644))
	cached, err := m.Usage()
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	now = now.Add(DefaultCacheDuration + time.Second)
	fresh, err := m.Usage()
	require.NoError(t, err)
	assert.Greater(t, fresh, first)
}

func TestDiskMonitor_Snapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), make([]byte, 16*1024), 0o644))

	snap, err := NewDiskMonitor(dir, 1).Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.OverLimit)

	snap, err = NewDiskMonitor(dir, 0).Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.OverLimit, "zero disables the limit")

	snap, err = NewDiskMonitor(filepath.Join(dir, "missing"), 10).Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.UsedBytes)
}
