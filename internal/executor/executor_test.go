package executor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-wylbur/ntt-copier/internal/hashcopy"
	"github.com/vm-wylbur/ntt-copier/internal/model"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	root := t.TempDir()
	return New(filepath.Join(root, "by-hash"), filepath.Join(root, "archive"))
}

func TestExecuteCopyNewFilePlacesByHashAndLinks(t *testing.T) {
	e := newTestExecutor(t)

	tempDir := t.TempDir()
	tempPath := filepath.Join(tempDir, "staged")
	require.NoError(t, os.WriteFile(tempPath, []byte("payload"), 0o644))

	blobID := "ab" + "cd" + "efef00000000000000000000000000000000000000000000000000000000"
	plan := model.Plan{
		Action:       model.ActionCopyNewFile,
		BlobID:       blobID,
		TempPath:     tempPath,
		ArchivePaths: []string{"dir/one/file.txt", "dir/two/file.txt"},
	}

	result, err := e.Execute(plan)
	require.NoError(t, err)
	assert.True(t, result.ByHashCreated)
	assert.EqualValues(t, 2, result.LinksCreated)

	byHashPath, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	require.NoError(t, err)
	assert.FileExists(t, byHashPath)
	assert.NoFileExists(t, tempPath)

	for _, p := range plan.ArchivePaths {
		full := filepath.Join(e.archiveRoot, p)
		info, err := os.Lstat(full)
		require.NoError(t, err)
		byHashInfo, err := os.Stat(byHashPath)
		require.NoError(t, err)
		assert.True(t, os.SameFile(info, byHashInfo))
	}
}

func TestExecuteCopyNewFileLosesRaceToPeerWorker(t *testing.T) {
	e := newTestExecutor(t)
	blobID := "1234" + "56" + "0000000000000000000000000000000000000000000000000000000000"

	byHashPath, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(byHashPath), 0o755))
	require.NoError(t, os.WriteFile(byHashPath, []byte("winner"), 0o644))

	tempDir := t.TempDir()
	tempPath := filepath.Join(tempDir, "staged")
	require.NoError(t, os.WriteFile(tempPath, []byte("loser"), 0o644))

	plan := model.Plan{
		Action:       model.ActionCopyNewFile,
		BlobID:       blobID,
		TempPath:     tempPath,
		ArchivePaths: []string{"file.txt"},
	}

	result, err := e.Execute(plan)
	require.NoError(t, err)
	assert.False(t, result.ByHashCreated)
	assert.NoFileExists(t, tempPath)
}

func TestExecuteHandleEmptyFileCreatesZeroLengthBlob(t *testing.T) {
	e := newTestExecutor(t)
	plan := model.Plan{
		Action:       model.ActionHandleEmptyFile,
		BlobID:       model.EmptyBlobID,
		ArchivePaths: []string{"empty.txt"},
	}

	result, err := e.Execute(plan)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.LinksCreated)

	byHashPath, err := hashcopy.ByHashPath(e.byHashRoot, model.EmptyBlobID)
	require.NoError(t, err)
	info, err := os.Stat(byHashPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestExecuteLinkExistingFileIsIdempotent(t *testing.T) {
	e := newTestExecutor(t)
	blobID := "aaaa" + "bb" + "cc00000000000000000000000000000000000000000000000000000000"
	byHashPath, err := hashcopy.ByHashPath(e.byHashRoot, blobID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(byHashPath), 0o755))
	require.NoError(t, os.WriteFile(byHashPath, []byte("content"), 0o644))

	plan := model.Plan{
		Action:       model.ActionLinkExistingFile,
		BlobID:       blobID,
		ArchivePaths: []string{"a/b.txt"},
	}

	_, err = e.Execute(plan)
	require.NoError(t, err)

	result, err := e.Execute(plan)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.LinksCreated, "second execution should be a no-op, not a duplicate link")
}

func TestExecuteCreateDirectory(t *testing.T) {
	e := newTestExecutor(t)
	plan := model.Plan{Action: model.ActionCreateDirectory, ArchivePaths: []string{"a/b/c"}}

	_, err := e.Execute(plan)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(e.archiveRoot, "a/b/c"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExecuteCreateSymlinkLeavesExistingAlone(t *testing.T) {
	e := newTestExecutor(t)
	plan := model.Plan{Action: model.ActionCreateSymlink, ArchivePaths: []string{"link"}, SymlinkTarget: "/a/b"}

	_, err := e.Execute(plan)
	require.NoError(t, err)

	full := filepath.Join(e.archiveRoot, "link")
	target, err := os.Readlink(full)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", target)

	// re-executing with a different target must not overwrite
	plan.SymlinkTarget = "/different"
	_, err = e.Execute(plan)
	require.NoError(t, err)
	target, err = os.Readlink(full)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", target)
}

func TestChownNewDirsNoOpWithoutSudoEnv(t *testing.T) {
	os.Unsetenv("SUDO_UID")
	os.Unsetenv("SUDO_GID")
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, chownNewDirs(dir, root))
}

func TestChownNewDirsStopsAtRootAndSkipsNonRootOwnedDirs(t *testing.T) {
	t.Setenv("SUDO_UID", strconv.Itoa(os.Getuid()))
	t.Setenv("SUDO_GID", strconv.Itoa(os.Getgid()))

	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// root is owned by the test's own uid, not root, so chownNewDirs must
	// leave it (and everything under it) alone rather than erroring.
	require.NoError(t, chownNewDirs(dir, root))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestLeafParentDirsCollapsesNestedPaths(t *testing.T) {
	paths := []string{
		filepath.Join("root", "a", "one.txt"),
		filepath.Join("root", "a", "two.txt"),
		filepath.Join("root", "a", "b", "three.txt"),
	}
	leaves := leafParentDirs(paths)
	assert.ElementsMatch(t, []string{filepath.Join("root", "a", "b")}, leaves)
}
