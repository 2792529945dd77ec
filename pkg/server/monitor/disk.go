// Package monitor reports the disk footprint of the embedded store.
package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCacheDuration is how long a directory scan is reused.
const DefaultCacheDuration = 10 * time.Second

// DiskMonitor measures the data directory, caching the result between
// scans.
type DiskMonitor struct {
	dataDir       string
	maxBytes      int64
	cacheDuration time.Duration
	now           func() time.Time

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewDiskMonitor creates a monitor for dataDir. maxBytes of 0 means no
// limit.
func NewDiskMonitor(dataDir string, maxBytes int64) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: DefaultCacheDuration,
		now:           time.Now,
	}
}

// Usage returns the bytes allocated under the data directory. A missing
// directory counts as empty.
func (m *DiskMonitor) Usage() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && m.now().Sub(m.lastCheck) < m.cacheDuration {
		return m.cachedUsage, nil
	}

	usage, err := dirSize(m.dataDir)
	if err != nil {
		return 0, err
	}
	m.cachedUsage = usage
	m.lastCheck = m.now()
	return usage, nil
}

// Limit returns the configured limit in bytes.
func (m *DiskMonitor) Limit() int64 {
	return m.maxBytes
}

// DiskUsage is the body of the storage endpoint and the health check.
type DiskUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes,omitempty"`
	OverLimit bool  `json:"over_limit,omitempty"`
}

// Snapshot returns usage against the limit.
func (m *DiskMonitor) Snapshot() (DiskUsage, error) {
	used, err := m.Usage()
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		UsedBytes: used,
		MaxBytes:  m.maxBytes,
		OverLimit: m.maxBytes > 0 && used > m.maxBytes,
	}, nil
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		allocated, err := allocatedSize(path, info)
		if err != nil {
			allocated = info.Size()
		}
		size += allocated
		return nil
	})
	return size, err
}
