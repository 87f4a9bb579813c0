// Package model defines the domain entities shared across the copy worker:
// media, inodes, paths and blobs, plus the analyzer's plan types.
package model

import "time"

// FsType is the detected or recorded type of a source-side object.
type FsType string

const (
	FsTypeFile      FsType = "file"
	FsTypeDir       FsType = "dir"
	FsTypeSymlink   FsType = "symlink"
	FsTypeBlockDev  FsType = "blockdev"
	FsTypeCharDev   FsType = "chardev"
	FsTypeFIFO      FsType = "fifo"
	FsTypeSocket    FsType = "socket"
	FsTypeUnknown   FsType = "unknown"
)

// Sentinel claimed_by values marking an inode terminal without further retry.
const (
	ClaimSentinelMaxRetries = "MAX_RETRIES_EXCEEDED"
	claimSentinelExcludedPrefix = "EXCLUDED: "
)

// ExcludedClaim formats the sentinel claimed_by value for a terminally
// excluded inode, carrying the reason for audit.
func ExcludedClaim(reason string) string {
	return claimSentinelExcludedPrefix + reason
}

// IsExcludedClaim reports whether a claimed_by value is an EXCLUDED sentinel.
func IsExcludedClaim(claimedBy string) bool {
	return len(claimedBy) >= len(claimSentinelExcludedPrefix) &&
		claimedBy[:len(claimSentinelExcludedPrefix)] == claimSentinelExcludedPrefix
}

// Medium is one source image enumerated into the database as a unit of work.
type Medium struct {
	MediumID  string
	ImagePath string
	Problems  []byte // raw JSON, structured diagnostic event list
}

// Inode is one source-side object, keyed by (MediumID, InodeNumber).
type Inode struct {
	MediumID      string
	InodeNumber   int64
	ID            int64 // synthetic row id, claim-probe ordering key; NEVER used to match UPDATEs
	Size          uint64
	FsType        *FsType
	MimeType      *string
	BlobID        *string
	Copied        bool
	ByHashCreated bool
	ProcessedAt   *time.Time
	ClaimedBy     *string
	ClaimedAt     *time.Time
	Errors        []string
}

// Path is one directory-entry pointing at an inode.
type Path struct {
	MediumID      string
	InodeNumber   int64
	PathBytes     []byte
	BlobID        *string
	ExcludeReason *string
}

// Blob is one unique content, keyed by its content hash.
type Blob struct {
	BlobID      string
	NHardlinks  int64
	LastChecked *time.Time
}

// EmptyBlobID is the content hash of the zero-byte file, used to
// short-circuit hashing of empty files.
const EmptyBlobID = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// EmptyFileMimeType is the synthetic MIME type recorded for zero-byte files.
const EmptyFileMimeType = "application/x-empty"

// SymlinkMimeType is the synthetic MIME type recorded for symlinks.
const SymlinkMimeType = "inode/symlink"

// DirMimeType is the synthetic MIME type recorded for directories.
const DirMimeType = "inode/directory"

// SpecialMimeType formats the synthetic MIME type recorded for a special
// (block/char/fifo/socket) node.
func SpecialMimeType(t FsType) string {
	return "inode/" + string(t)
}

// Action is the analyzer's decision for one inode.
type Action int

const (
	ActionSkip Action = iota
	ActionCreateDirectory
	ActionCreateSymlink
	ActionRecordSpecial
	ActionHandleEmptyFile
	ActionCopyNewFile
	ActionLinkExistingFile
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionCreateDirectory:
		return "create_directory"
	case ActionCreateSymlink:
		return "create_symlink"
	case ActionRecordSpecial:
		return "record_special"
	case ActionHandleEmptyFile:
		return "handle_empty_file"
	case ActionCopyNewFile:
		return "copy_new_file"
	case ActionLinkExistingFile:
		return "link_existing_file"
	default:
		return "unknown"
	}
}

// Plan is the analyzer's output for one inode: an action tag plus all data
// the executor needs. Only the payload fields marked below for the current
// Action are meaningful (a tagged union, not a type hierarchy: see DESIGN.md).
type Plan struct {
	Inode  *Inode
	Action Action

	// ActionSkip
	SkipReason string

	// ActionCreateDirectory / ActionCreateSymlink / ActionHandleEmptyFile /
	// ActionCopyNewFile / ActionLinkExistingFile
	ArchivePaths []string // archive-relative paths (leading "/" stripped)

	// ActionCreateSymlink
	SymlinkTarget string

	// ActionRecordSpecial
	SpecialType FsType

	// ActionHandleEmptyFile / ActionCopyNewFile / ActionLinkExistingFile
	BlobID string

	// ActionCopyNewFile
	TempPath string

	// ActionHandleEmptyFile / ActionCopyNewFile / ActionLinkExistingFile
	MimeType string
}
