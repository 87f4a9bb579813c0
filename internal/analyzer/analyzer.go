// Package analyzer turns one claimed inode and its non-excluded paths into
// a model.Plan, per spec.md §4.5: detect the source object's type, and for
// regular files, copy-hash-and-look-up to decide copy_new_file vs
// link_existing_file.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/vm-wylbur/ntt-copier/internal/classify"
	"github.com/vm-wylbur/ntt-copier/internal/db"
	"github.com/vm-wylbur/ntt-copier/internal/hashcopy"
	"github.com/vm-wylbur/ntt-copier/internal/model"
	"github.com/vm-wylbur/ntt-copier/internal/pathcodec"
)

// sniffLen is the number of leading bytes read for MIME sniffing (spec.md
// §4.5: "runs over the first 2 KiB of source content").
const sniffLen = 2048

// BlobLookup is the subset of *db.DB the analyzer needs to decide whether a
// freshly hashed file's content is already known.
type BlobLookup interface {
	LookupBlob(ctx context.Context, blobID string) (model.Blob, error)
}

var _ BlobLookup = (*db.DB)(nil)

// Analyzer produces plans for claimed inodes against one mounted medium.
type Analyzer struct {
	blobs       BlobLookup
	ramdiskRoot string
	nvmeTmp     string
}

// New builds an Analyzer. ramdiskRoot and nvmeTmp are the tiered scratch
// directories hashcopy.TempDir chooses between.
func New(blobs BlobLookup, ramdiskRoot, nvmeTmp string) *Analyzer {
	return &Analyzer{blobs: blobs, ramdiskRoot: ramdiskRoot, nvmeTmp: nvmeTmp}
}

// Analyze builds a plan for in, given the absolute, already-decoded source
// filesystem paths corresponding to its non-excluded path rows. An empty
// sourcePaths yields an ActionSkip plan with SkipReason "no_paths".
func (a *Analyzer) Analyze(ctx context.Context, in model.Inode, sourcePaths []string, archivePaths []string) (model.Plan, error) {
	plan := model.Plan{Inode: &in}

	if len(sourcePaths) == 0 {
		plan.Action = model.ActionSkip
		plan.SkipReason = "no_paths"
		return plan, nil
	}

	fsType, probeErr := detectFsType(in.FsType, sourcePaths[0])
	if probeErr != nil {
		plan.Action = model.ActionSkip
		plan.SkipReason = "fs_type_undetectable"
		return plan, classify.Classify(probeErr)
	}

	switch fsType {
	case model.FsTypeDir:
		plan.Action = model.ActionCreateDirectory
		plan.ArchivePaths = archivePaths
		return plan, nil

	case model.FsTypeSymlink:
		target, err := os.Readlink(sourcePaths[0])
		if err != nil {
			return plan, classify.Classify(fmt.Errorf("readlink %s: %w", sourcePaths[0], err))
		}
		plan.Action = model.ActionCreateSymlink
		plan.ArchivePaths = archivePaths
		plan.SymlinkTarget = target
		return plan, nil

	case model.FsTypeBlockDev, model.FsTypeCharDev, model.FsTypeFIFO, model.FsTypeSocket:
		plan.Action = model.ActionRecordSpecial
		plan.SpecialType = fsType
		return plan, nil

	case model.FsTypeFile:
		return a.analyzeRegularFile(ctx, plan, in, sourcePaths[0], archivePaths)

	default:
		plan.Action = model.ActionSkip
		plan.SkipReason = "fs_type_unknown"
		return plan, nil
	}
}

func (a *Analyzer) analyzeRegularFile(ctx context.Context, plan model.Plan, in model.Inode, sourcePath string, archivePaths []string) (model.Plan, error) {
	plan.ArchivePaths = archivePaths

	if in.Size == 0 {
		plan.Action = model.ActionHandleEmptyFile
		plan.BlobID = model.EmptyBlobID
		plan.MimeType = model.EmptyFileMimeType
		return plan, nil
	}

	mimeType, err := sniffMimeType(sourcePath)
	if err != nil {
		// best-effort per spec.md §4.5: "failure is logged but not fatal"
		slog.Warn("mime sniff failed", slog.String("path", sourcePath), slog.String("error", err.Error()))
		mimeType = ""
	}

	tempDir := hashcopy.TempDir(in.Size, a.ramdiskRoot, a.nvmeTmp)
	result, err := hashcopy.CopyToTemp(sourcePath, tempDir, fmt.Sprintf("inode-%d", in.InodeNumber))
	if err != nil {
		return plan, classify.Classify(fmt.Errorf("copy to temp %s: %w", sourcePath, err))
	}

	existing, err := a.blobs.LookupBlob(ctx, result.BlobID)
	if err != nil && err != db.ErrNotFound {
		_ = os.Remove(result.TempPath)
		return plan, classify.Wrap(classify.KindDBError, fmt.Errorf("lookup blob %s: %w", result.BlobID, err))
	}

	plan.BlobID = result.BlobID
	plan.MimeType = mimeType

	if err == nil && existing.BlobID != "" {
		// content already known: discard the temp copy (spec.md §4.5)
		_ = os.Remove(result.TempPath)
		plan.Action = model.ActionLinkExistingFile
		return plan, nil
	}

	plan.Action = model.ActionCopyNewFile
	plan.TempPath = result.TempPath
	return plan, nil
}

// detectFsType prefers the recorded fs_type, falling back to a live probe
// of the first source path. Symlink-ness must be checked before existence,
// since a broken symlink must still classify as symlink (spec.md §4.5).
func detectFsType(recorded *model.FsType, sourcePath string) (model.FsType, error) {
	if recorded != nil {
		return *recorded, nil
	}

	info, err := os.Lstat(sourcePath)
	if err != nil {
		return model.FsTypeUnknown, err
	}
	return classifyMode(info.Mode()), nil
}

// classifyMode maps an fs.FileMode to model.FsType, following the same bit
// classification shape as squashfs's mode.go UnixToMode.
func classifyMode(mode fs.FileMode) model.FsType {
	switch {
	case mode&fs.ModeSymlink != 0:
		return model.FsTypeSymlink
	case mode&fs.ModeDir != 0:
		return model.FsTypeDir
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return model.FsTypeCharDev
	case mode&fs.ModeDevice != 0:
		return model.FsTypeBlockDev
	case mode&fs.ModeNamedPipe != 0:
		return model.FsTypeFIFO
	case mode&fs.ModeSocket != 0:
		return model.FsTypeSocket
	case mode.IsRegular():
		return model.FsTypeFile
	default:
		return model.FsTypeUnknown
	}
}

func sniffMimeType(sourcePath string) (string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return http.DetectContentType(bytes.TrimRight(buf[:n], "\x00")), nil
}

// ArchivePath strips the leading '/' from a decoded source path and
// delegates escape handling to pathcodec, matching spec.md §4.6's
// "<archive_root>/<source_path>, strip leading /".
func ArchivePath(rawPathBytes []byte) string {
	return pathcodec.StripLeadingSlash(pathcodec.Decode(rawPathBytes))
}
