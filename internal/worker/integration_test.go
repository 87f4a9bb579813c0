//go:build unix && !e2e

package worker

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-wylbur/ntt-copier/internal/analyzer"
	"github.com/vm-wylbur/ntt-copier/internal/diagnostics"
	"github.com/vm-wylbur/ntt-copier/internal/executor"
	"github.com/vm-wylbur/ntt-copier/internal/mimecache"
	"github.com/vm-wylbur/ntt-copier/internal/model"
	"github.com/vm-wylbur/ntt-copier/internal/testfs"
)

// TestRunArchivesHardlinkedSourceTree builds a source mount with two distinct
// contents (one duplicated across two paths, one unique) using the testfs
// harness, then drives the full claim-analyze-execute-commit loop over it
// and checks the resulting by-hash store and archive tree fan-out
// (spec.md §4.5, §4.6: hardlinked source paths collapse to one blob with
// two archive links; distinct content gets its own blob).
func TestRunArchivesHardlinkedSourceTree(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{
			{
				MountPoint: "/data",
				Files: []testfs.File{
					{
						Path:   []string{"reports/q1.csv", "backup/q1.csv"},
						Chunks: []testfs.Chunk{{Pattern: 'A', Size: "4KiB"}},
					},
					{
						Path:   []string{"reports/q2.csv"},
						Chunks: []testfs.Chunk{{Pattern: 'B', Size: "2KiB"}},
					},
				},
			},
		},
	}
	h := testfs.New(t, given)
	mountRoot := filepath.Join(h.Root(), "data")

	dupIno, err := inodeNumberOf(filepath.Join(mountRoot, "reports/q1.csv"))
	require.NoError(t, err)
	uniqueIno, err := inodeNumberOf(filepath.Join(mountRoot, "reports/q2.csv"))
	require.NoError(t, err)

	fsType := model.FsTypeFile
	dup := model.Inode{MediumID: "m1", InodeNumber: dupIno, FsType: &fsType, Size: 4096}
	unique := model.Inode{MediumID: "m1", InodeNumber: uniqueIno, FsType: &fsType, Size: 2048}

	claimer := &fakeClaimer{batches: [][]model.Inode{{dup, unique}}}
	paths := &fakePaths{byInode: map[int64][]model.Path{
		dupIno: {
			{MediumID: "m1", InodeNumber: dupIno, PathBytes: []byte("/reports/q1.csv")},
			{MediumID: "m1", InodeNumber: dupIno, PathBytes: []byte("/backup/q1.csv")},
		},
		uniqueIno: {
			{MediumID: "m1", InodeNumber: uniqueIno, PathBytes: []byte("/reports/q2.csv")},
		},
	}}
	committer := &fakeCommitter{}

	archiveRoot := filepath.Join(t.TempDir(), "archive")
	byHashRoot := filepath.Join(t.TempDir(), "by-hash")
	scratch := t.TempDir()

	w := New(Config{
		Claimer:     claimer,
		Paths:       paths,
		Commits:     committer,
		Analyzer:    analyzer.New(&fakeBlobLookup{}, scratch, scratch),
		Executor:    executor.New(byHashRoot, archiveRoot),
		Mounter:     &fakeMounter{path: mountRoot},
		Mimes:       mustOpenMimes(t),
		Diagnostics: diagnostics.New(nil, ""),
		Logger:      discardLogger(),
		MediumID:    "m1",
	})

	processed, err := w.Run(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	require.Len(t, committer.batches, 1)
	require.Len(t, committer.batches[0].Successes, 2)

	archiveVol := testfs.Volume{
		MountPoint: "/",
		Files: []testfs.File{
			{Path: []string{"reports/q1.csv", "backup/q1.csv"}},
			{Path: []string{"reports/q2.csv"}},
		},
	}
	reaped, err := testfs.ReapPaths(archiveRoot, []string{"/"})
	require.NoError(t, err)
	require.Len(t, reaped.Volumes, 1)
	testfs.AssertVolume(t, archiveVol, reaped.Volumes[0])

	var blobCount int
	require.NoError(t, filepath.WalkDir(byHashRoot, func(_ string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			blobCount++
		}
		return nil
	}))
	assert.Equal(t, 2, blobCount, "distinct content produces two by-hash blobs")
}

func inodeNumberOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return int64(stat.Ino), nil
}

func mustOpenMimes(t *testing.T) *mimecache.Cache {
	t.Helper()
	c, err := mimecache.Open("")
	require.NoError(t, err)
	return c
}
