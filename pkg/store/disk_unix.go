//go:build !windows

package store

import (
	"fmt"
	"path/filepath"
	"syscall"
)

// DiskSpaceInfo describes free space on the filesystem holding the store.
type DiskSpaceInfo struct {
	Total       uint64 // total bytes on the filesystem
	Free        uint64 // free bytes including reserved blocks
	Available   uint64 // bytes available to this process
	UsedPercent int
}

// CheckDiskSpace returns disk space information for the given directory.
// When the directory does not exist yet, its parent is measured instead.
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		if err := syscall.Statfs(filepath.Dir(path), &stat); err != nil {
			return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}

	return &DiskSpaceInfo{
		Total:       total,
		Free:        free,
		Available:   available,
		UsedPercent: usedPct,
	}, nil
}
