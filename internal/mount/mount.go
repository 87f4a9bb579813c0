// Package mount ensures a medium is mounted at its canonical path,
// delegating the actual mount syscall to a privileged helper binary, per
// spec.md §4.3.
package mount

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vm-wylbur/ntt-copier/internal/classify"
)

// MediumLookup resolves a medium_id to its recorded image_path, returning
// an error if the medium row is missing.
type MediumLookup func(ctx context.Context, mediumID string) (imagePath string, err error)

// Manager ensures media are mounted at a stable path, memoizing successful
// mounts for the lifetime of one worker process.
//
// Manager is NOT safe for concurrent use by multiple workers against the
// same mount point unless the privileged helper itself is idempotent; each
// worker process owns its own Manager (spec.md §5: "each owning one
// database connection").
type Manager struct {
	mountRoot  string // parent directory holding "<mountRoot>/<medium_id>"
	helperPath string // privileged helper binary, invoked as "<helper> <medium_id> <image_path>"
	lookup     MediumLookup

	mu    sync.Mutex
	cache map[string]string // medium_id -> canonical mount path
}

// New creates a Manager. mountRoot is typically "/mnt"; helperPath is the
// privileged mount helper binary (spec.md §6).
func New(mountRoot, helperPath string, lookup MediumLookup) *Manager {
	return &Manager{
		mountRoot:  mountRoot,
		helperPath: helperPath,
		lookup:     lookup,
		cache:      make(map[string]string),
	}
}

// EnsureMounted returns the canonical mount path for mediumID, mounting it
// via the privileged helper if necessary. Idempotent and cached per Manager.
func (m *Manager) EnsureMounted(ctx context.Context, mediumID string) (string, error) {
	m.mu.Lock()
	if p, ok := m.cache[mediumID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	expected := filepath.Join(m.mountRoot, mediumID)

	if resolved, ok := m.probeMounted(expected); ok {
		m.remember(mediumID, resolved)
		return resolved, nil
	}

	imagePath, err := m.lookup(ctx, mediumID)
	if err != nil {
		return "", classify.Wrap(classify.KindMountError, fmt.Errorf("lookup medium %s: %w", mediumID, err))
	}
	if _, statErr := os.Stat(imagePath); statErr != nil {
		return "", classify.Wrap(classify.KindMountError, fmt.Errorf("image missing for medium %s (%s): %w", mediumID, imagePath, statErr))
	}

	if err := m.invokeHelper(ctx, mediumID, imagePath); err != nil {
		return "", classify.Wrap(classify.KindMountError, fmt.Errorf("mount helper failed for medium %s: %w", mediumID, err))
	}

	m.remember(mediumID, expected)
	return expected, nil
}

func (m *Manager) remember(mediumID, path string) {
	m.mu.Lock()
	m.cache[mediumID] = path
	m.mu.Unlock()
}

// probeMounted checks whether expected is already a mount point, resolving
// through a symlink first if expected is one (spec.md §4.3: "If the path is
// a symlink, re-probe the resolved target").
func (m *Manager) probeMounted(expected string) (resolvedPath string, mounted bool) {
	target := expected
	if link, err := os.Readlink(expected); err == nil {
		if filepath.IsAbs(link) {
			target = link
		} else {
			target = filepath.Join(filepath.Dir(expected), link)
		}
	}

	mounted, err := isMountPoint(target)
	if err != nil || !mounted {
		return "", false
	}
	return target, true
}

// isMountPoint reports whether path appears as a mount target in
// /proc/mounts, the same source GoogleCloudPlatform/gcsfuse's test tooling
// polls to detect mount state.
func isMountPoint(path string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == path {
			return true, nil
		}
	}
	return false, sc.Err()
}

// invokeHelper runs the privileged mount helper as
// "<helperPath> <mediumID> <imagePath>", per spec.md §6.
func (m *Manager) invokeHelper(ctx context.Context, mediumID, imagePath string) error {
	cmd := exec.CommandContext(ctx, m.helperPath, mediumID, imagePath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s %s: %w: %s", m.helperPath, mediumID, imagePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}
