// Package executor performs the filesystem effects for one analyzer plan:
// atomic placement of content into the by-hash store and hardlink fan-out
// into the reconstructed archive tree, per spec.md §4.6.
package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/vm-wylbur/ntt-copier/internal/classify"
	"github.com/vm-wylbur/ntt-copier/internal/hashcopy"
	"github.com/vm-wylbur/ntt-copier/internal/model"
)

// dirMode is used for every directory the executor creates, per spec.md
// §4.6 ("mode 0o755").
const dirMode = 0o755

// Result reports what one plan's execution actually did, for the DB updater
// to record (spec.md §4.7: by_hash_created, created link count).
type Result struct {
	ByHashCreated bool
	LinksCreated  int64
}

// Executor applies plans against one archive layout.
type Executor struct {
	byHashRoot  string
	archiveRoot string
}

// New builds an Executor rooted at byHashRoot (content store) and
// archiveRoot (reconstructed directory tree).
func New(byHashRoot, archiveRoot string) *Executor {
	return &Executor{byHashRoot: byHashRoot, archiveRoot: archiveRoot}
}

// Execute performs the filesystem effects for plan and returns what
// actually happened. All steps are idempotent and safe to retry.
func (e *Executor) Execute(plan model.Plan) (Result, error) {
	switch plan.Action {
	case model.ActionSkip, model.ActionRecordSpecial:
		return Result{}, nil

	case model.ActionCreateDirectory:
		return Result{}, e.createDirectories(plan.ArchivePaths)

	case model.ActionCreateSymlink:
		return e.createSymlinks(plan.ArchivePaths, plan.SymlinkTarget)

	case model.ActionHandleEmptyFile:
		if err := e.ensureEmptyBlob(plan.BlobID); err != nil {
			return Result{}, err
		}
		links, err := e.linkFanOut(plan.BlobID, plan.ArchivePaths)
		return Result{LinksCreated: links}, err

	case model.ActionLinkExistingFile:
		links, err := e.linkFanOut(plan.BlobID, plan.ArchivePaths)
		return Result{LinksCreated: links}, err

	case model.ActionCopyNewFile:
		created, err := e.placeByHash(plan.TempPath, plan.BlobID)
		if err != nil {
			return Result{}, err
		}
		links, err := e.linkFanOut(plan.BlobID, plan.ArchivePaths)
		return Result{ByHashCreated: created, LinksCreated: links}, err

	default:
		return Result{}, fmt.Errorf("executor: unhandled action %s", plan.Action)
	}
}

// placeByHash renames tempPath over the by-hash path for blobID. If the
// destination already exists (another worker won the race), the temp file
// is discarded and by_hash_created is false (spec.md §4.6 step 3).
func (e *Executor) placeByHash(tempPath, blobID string) (created bool, err error) {
	dest, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	if err != nil {
		return false, classify.Classify(err)
	}

	if _, statErr := os.Stat(dest); statErr == nil {
		_ = os.Remove(tempPath)
		return false, nil
	}

	shard := filepath.Dir(dest)
	if err := os.MkdirAll(shard, dirMode); err != nil {
		return false, classify.Classify(fmt.Errorf("mkdir by-hash shard: %w", err))
	}
	if err := chownNewDirs(shard, e.byHashRoot); err != nil {
		return false, err
	}

	if err := os.Rename(tempPath, dest); err != nil {
		if os.IsExist(err) {
			_ = os.Remove(tempPath)
			return false, nil
		}
		// Another worker may have created dest between our Stat and Rename;
		// treat it the same as losing the race.
		if _, statErr := os.Stat(dest); statErr == nil {
			_ = os.Remove(tempPath)
			return false, nil
		}
		return false, classify.Classify(fmt.Errorf("rename %s to %s: %w", tempPath, dest, err))
	}
	return true, nil
}

// ensureEmptyBlob makes sure a zero-length by-hash file exists for the
// empty-file blob id (spec.md §4.6: "link_existing_file / handle_empty_file").
func (e *Executor) ensureEmptyBlob(blobID string) error {
	dest, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	if err != nil {
		return classify.Classify(err)
	}
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	shard := filepath.Dir(dest)
	if err := os.MkdirAll(shard, dirMode); err != nil {
		return classify.Classify(fmt.Errorf("mkdir by-hash shard: %w", err))
	}
	if err := chownNewDirs(shard, e.byHashRoot); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return classify.Classify(fmt.Errorf("create empty by-hash file: %w", err))
	}
	return f.Close()
}

// linkFanOut hardlinks the by-hash file for blobID to every archive path,
// creating only the leaf parent directories (spec.md §4.6 optimization).
// A pre-existing archive entry pointing at the same content is left alone;
// one pointing elsewhere is unlinked and replaced. Concurrent-create races
// are swallowed.
func (e *Executor) linkFanOut(blobID string, archivePaths []string) (int64, error) {
	source, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	if err != nil {
		return 0, classify.Classify(err)
	}

	sourceInfo, err := os.Stat(source)
	if err != nil {
		return 0, classify.Classify(fmt.Errorf("stat by-hash source %s: %w", source, err))
	}

	dests := make([]string, len(archivePaths))
	for i, p := range archivePaths {
		dests[i] = filepath.Join(e.archiveRoot, p)
	}

	for _, leaf := range leafParentDirs(dests) {
		if err := os.MkdirAll(leaf, dirMode); err != nil {
			return 0, classify.Classify(fmt.Errorf("mkdir archive dir %s: %w", leaf, err))
		}
		if err := chownNewDirs(leaf, e.archiveRoot); err != nil {
			return 0, err
		}
	}

	var created int64
	for _, dest := range dests {
		didCreate, err := e.linkOne(source, sourceInfo, dest)
		if err != nil {
			return created, err
		}
		if didCreate {
			created++
		}
	}
	return created, nil
}

func (e *Executor) linkOne(source string, sourceInfo os.FileInfo, dest string) (created bool, err error) {
	if existing, statErr := os.Lstat(dest); statErr == nil {
		if os.SameFile(existing, sourceInfo) {
			return false, nil
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return false, classify.Classify(fmt.Errorf("remove stale archive entry %s: %w", dest, err))
		}
	}

	if err := os.Link(source, dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			// peer worker created it concurrently; verify it now matches
			if existing, statErr := os.Lstat(dest); statErr == nil && os.SameFile(existing, sourceInfo) {
				return false, nil
			}
		}
		return false, classify.Classify(fmt.Errorf("link %s to %s: %w", source, dest, err))
	}
	return true, nil
}

// createDirectories creates each archive path as a directory.
func (e *Executor) createDirectories(archivePaths []string) error {
	for _, p := range archivePaths {
		dest := filepath.Join(e.archiveRoot, p)
		if err := os.MkdirAll(dest, dirMode); err != nil {
			return classify.Classify(fmt.Errorf("mkdir %s: %w", dest, err))
		}
		if err := chownNewDirs(dest, e.archiveRoot); err != nil {
			return err
		}
	}
	return nil
}

// createSymlinks creates a symlink at each archive path pointing at target.
// A pre-existing symlink is left alone (spec.md §4.6).
func (e *Executor) createSymlinks(archivePaths []string, target string) (Result, error) {
	for _, p := range archivePaths {
		dest := filepath.Join(e.archiveRoot, p)
		if _, err := os.Lstat(dest); err == nil {
			continue
		}
		dir := filepath.Dir(dest)
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return Result{}, classify.Classify(fmt.Errorf("mkdir archive dir for symlink %s: %w", dest, err))
		}
		if err := chownNewDirs(dir, e.archiveRoot); err != nil {
			return Result{}, err
		}
		if err := os.Symlink(target, dest); err != nil && !os.IsExist(err) {
			return Result{}, classify.Classify(fmt.Errorf("symlink %s -> %s: %w", dest, target, err))
		}
	}
	return Result{}, nil
}

// chownNewDirs walks from dir up to (but not including) root, handing
// ownership of any root-owned directory on that path to SUDO_UID/SUDO_GID.
// Mirrors ntt_copier_strategies.py's ensure_directory_ownership: when the
// worker runs under sudo, directories it creates should end up owned by the
// invoking user rather than left root-owned (spec.md §4.6).
func chownNewDirs(dir, root string) error {
	uid, gid, ok := sudoOwner()
	if !ok {
		return nil
	}

	root = filepath.Clean(root)
	for d := filepath.Clean(dir); d != root; d = filepath.Dir(d) {
		if !strings.HasPrefix(d, root+string(filepath.Separator)) {
			break
		}
		info, err := os.Lstat(d)
		if err != nil {
			break
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok || st.Uid != 0 {
			continue
		}
		if err := os.Chown(d, uid, gid); err != nil {
			return classify.Classify(fmt.Errorf("chown %s: %w", d, err))
		}
		if err := os.Chmod(d, dirMode); err != nil {
			return classify.Classify(fmt.Errorf("chmod %s: %w", d, err))
		}
	}
	return nil
}

// sudoOwner reads the invoking user's uid/gid from SUDO_UID/SUDO_GID, set by
// sudo itself. Absent either (not running under sudo), chownNewDirs is a
// no-op.
func sudoOwner() (uid, gid int, ok bool) {
	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return 0, 0, false
	}
	u, errU := strconv.Atoi(uidStr)
	g, errG := strconv.Atoi(gidStr)
	if errU != nil || errG != nil {
		return 0, 0, false
	}
	return u, g, true
}

// leafParentDirs returns the set of parent directories of paths that are
// not a strict prefix of any other path's parent, so mkdir is invoked only
// on leaves and ancestors are created implicitly by MkdirAll (spec.md §4.6
// "Optimization").
func leafParentDirs(paths []string) []string {
	parents := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		parents[filepath.Dir(p)] = struct{}{}
	}

	list := make([]string, 0, len(parents))
	for p := range parents {
		list = append(list, p)
	}
	sort.Strings(list)

	var leaves []string
	for i, p := range list {
		isPrefixOfNext := i+1 < len(list) && strings.HasPrefix(list[i+1], p+string(filepath.Separator))
		if !isPrefixOfNext {
			leaves = append(leaves, p)
		}
	}
	return leaves
}
