// Package classify maps filesystem and database exceptions into the error
// kinds spec.md §4.8 and §7 define, and decides whether each kind is
// retryable.
package classify

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// Kind is one of the error classes spec.md §7 names.
type Kind string

const (
	KindPathError       Kind = "path_error"
	KindIOError         Kind = "io_error"
	KindPermissionError Kind = "permission_error"
	KindHashError       Kind = "hash_error"
	KindMountError      Kind = "mount_error"
	KindDBError         Kind = "db_error"
	KindUnknown         Kind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried.
// io_error is permanent: the bytes cannot be read and will not become
// readable without operator action (spec.md §4.8). Everything else is
// retryable.
func (k Kind) Retryable() bool {
	return k != KindIOError
}

// Error wraps an underlying error with its classified Kind, so the DB
// updater can append a typed error string ("<kind>: <message>") to
// inode.errors per spec.md §4.7.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify inspects err and wraps it with its Kind. A MountError or
// HashError produced by the mount manager or hasher should already carry
// the correct Kind (call Wrap instead); Classify is for errors surfacing
// from path/filesystem operations during analyze and execute.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENAMETOOLONG):
		return &Error{Kind: KindPathError, Err: err}
	case errors.Is(err, syscall.EACCES), errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindPermissionError, Err: err}
	case errors.Is(err, syscall.EIO), looksLikeMediaError(err):
		return &Error{Kind: KindIOError, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}

// Wrap tags err with an explicit Kind, for callers (hasher, mount manager,
// DB layer) that already know the classification.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// looksLikeMediaError recognizes error strings produced by failing media
// that don't surface as a clean syscall errno (spec.md §4.8: "beyond EOF",
// "FAT-fs … error", "I/O error").
func looksLikeMediaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"beyond eof", "fat-fs", "i/o error"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
