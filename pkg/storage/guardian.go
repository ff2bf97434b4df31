package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

const (
	// GuardianFile marks a clean shutdown and records the sizing the handle was built with
	GuardianFile = "guardian"

	// GuardianVersion is the on-disk format version recorded in the guardian
	GuardianVersion = 4
)

// Guardian is the sizing of the handle at the last clean close
type Guardian struct {
	CacheSize uint64
	NCache    int
	Version   int
	Locks     int
}

func guardianPath(home string) string {
	return filepath.Join(home, GuardianFile)
}

func (g Guardian) encode() []byte {
	return []byte(fmt.Sprintf("cachesize:%d\nncache:%d\nversion:%d\nlocks:%d\n",
		g.CacheSize, g.NCache, g.Version, g.Locks))
}

// parseGuardian reads the attribute lines of a guardian. Unknown attributes are ignored.
func parseGuardian(data []byte) (*Guardian, error) {
	g := &Guardian{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		var err error
		switch strings.TrimSpace(name) {
		case "cachesize":
			g.CacheSize, err = strconv.ParseUint(value, 10, 64)
		case "ncache":
			g.NCache, err = strconv.Atoi(value)
		case "version":
			g.Version, err = strconv.Atoi(value)
		case "locks":
			g.Locks, err = strconv.Atoi(value)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse guardian attribute %q: %w", name, err)
		}
	}
	return g, sc.Err()
}

// readGuardian reads and deletes the guardian in home. An absent or empty file returns nil.
func readGuardian(home string, logger *zap.Logger) (*Guardian, error) {
	path := guardianPath(home)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read guardian: %w", err)
	}

	if err := os.Remove(path); err != nil {
		logger.Warn("failed to delete guardian after reading it", zap.String("path", path), zap.Error(err))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	g, err := parseGuardian(data)
	if err != nil {
		// A damaged guardian means we cannot trust the last close
		logger.Warn("ignoring unreadable guardian", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	return g, nil
}

// writeGuardian writes g to home. A failed write leaves no partial file behind.
func writeGuardian(home string, g Guardian) error {
	path := guardianPath(home)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create guardian: %w", err)
	}
	_, werr := f.Write(g.encode())
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write guardian: %w", err)
	}
	return nil
}

func removeGuardian(home string) error {
	err := os.Remove(guardianPath(home))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func guardianFor(s engine.Settings) Guardian {
	return Guardian{
		CacheSize: s.CacheSize,
		NCache:    s.NCache,
		Version:   GuardianVersion,
		Locks:     s.Locks,
	}
}

// InspectGuardian reads the guardian in home without consuming it. It returns nil when the
// last close was not clean.
func InspectGuardian(home string) (*Guardian, error) {
	data, err := os.ReadFile(guardianPath(home))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read guardian: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return parseGuardian(data)
}
