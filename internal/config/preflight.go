package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// CheckArchivePreflight validates the archive root's destination filesystem
// before the worker touches any data (spec.md §6 "Pre-flight": "the archive
// root must be on a specific, named pool with > 5 TiB free; on mismatch the
// worker exits with a diagnostic"). The pool name and free-space floor are
// configurable (SPEC_FULL.md §C, NTT_ARCHIVE_POOL / NTT_MIN_FREE_BYTES)
// rather than hardcoded as in the original.
func CheckArchivePreflight(cfg Config) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(cfg.ArchiveRoot, &st); err != nil {
		return fmt.Errorf("preflight: statfs %s: %w", cfg.ArchiveRoot, err)
	}

	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < cfg.MinFreeBytes {
		return fmt.Errorf("preflight: archive root %s has %d bytes free, want >= %d", cfg.ArchiveRoot, free, cfg.MinFreeBytes)
	}

	if cfg.ArchivePool == "" {
		return nil
	}

	device, err := mountSourceFor(cfg.ArchiveRoot)
	if err != nil {
		return fmt.Errorf("preflight: resolve mount source for %s: %w", cfg.ArchiveRoot, err)
	}
	if !strings.Contains(device, cfg.ArchivePool) {
		return fmt.Errorf("preflight: archive root %s is on %q, not pool %q", cfg.ArchiveRoot, device, cfg.ArchivePool)
	}
	return nil
}

// mountSourceFor returns the device/source field of the /proc/mounts entry
// whose mount point is the longest prefix match of path, the same source
// internal/mount's isMountPoint reads.
func mountSourceFor(path string) (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var bestSource, bestMount string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		source, mountPoint := fields[0], fields[1]
		if strings.HasPrefix(path, mountPoint) && len(mountPoint) > len(bestMount) {
			bestSource, bestMount = source, mountPoint
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if bestMount == "" {
		return "", fmt.Errorf("no /proc/mounts entry covers %s", path)
	}
	return bestSource, nil
}
