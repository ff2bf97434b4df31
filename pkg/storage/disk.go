package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DiskCheck is the outcome of the pre-open disk space check
type DiskCheck struct {
	Required   uint64
	Available  uint64
	Sufficient bool
}

// FreeDiskSpace returns the bytes available to unprivileged users on the file system of dir
func FreeDiskSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("failed to stat file system of %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckDiskSpace verifies that dir can hold regions for a cache of the given size. Existing
// region files are reused, so their size counts as available. free defaults to FreeDiskSpace.
func CheckDiskSpace(dir string, cache uint64, regionFiles []string, free func(string) (uint64, error)) (DiskCheck, error) {
	if free == nil {
		free = FreeDiskSpace
	}
	avail, err := free(dir)
	if err != nil {
		return DiskCheck{}, err
	}

	for _, path := range regionFiles {
		if fi, err := os.Stat(path); err == nil {
			avail += uint64(fi.Size())
		}
	}

	required := cache + cache/10
	return DiskCheck{
		Required:   required,
		Available:  avail,
		Sufficient: avail >= required,
	}, nil
}
