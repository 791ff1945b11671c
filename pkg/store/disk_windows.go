//go:build windows

package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
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
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to convert path: %w", err)
	}

	err = windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes)
	if err != nil {
		return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if totalBytes > 0 {
		usedPct = int(100 * (totalBytes - totalFreeBytes) / totalBytes)
	}

	return &DiskSpaceInfo{
		Total:       totalBytes,
		Free:        totalFreeBytes,
		Available:   freeBytesAvailable,
		UsedPercent: usedPct,
	}, nil
}
