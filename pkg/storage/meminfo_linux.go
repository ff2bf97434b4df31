//go:build linux

package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SystemMemInfo reads the host memory from sysinfo, preferring MemAvailable from
// /proc/meminfo, and the resident size of this process from /proc/self/statm
func SystemMemInfo() (*MemInfo, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemInfo, err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	mi := &MemInfo{
		Total:     uint64(si.Totalram) * unit,
		Available: (uint64(si.Freeram) + uint64(si.Bufferram)) * unit,
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		if avail, ok := parseMemAvailable(data); ok {
			mi.Available = avail
		}
	}

	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		if pages, ok := parseStatmRSS(data); ok {
			mi.ProcessRSS = pages * uint64(os.Getpagesize())
		}
	}
	return mi, nil
}

// parseMemAvailable returns the MemAvailable line of /proc/meminfo in bytes
func parseMemAvailable(data []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

// parseStatmRSS returns the resident page count, the second field of /proc/self/statm
func parseStatmRSS(data []byte) (uint64, bool) {
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	return pages, err == nil
}
