package squashfs

import (
	"errors"
	"fmt"
)

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrUnsupportedCompression is returned when a block uses a compression id
	// with no registered Decompressor.
	ErrUnsupportedCompression = errors.New("squashfs: unsupported compression method")

	// ErrBadCompressedData is returned when a Decompressor rejects a block's bytes.
	ErrBadCompressedData = errors.New("squashfs: failed to decompress block")

	// ErrCorrupt is returned when a decoded record is internally inconsistent:
	// an unknown inode type, an oversized name, an out-of-range OOL xattr
	// pointer, a blocklist that overflows the inode's file size, and so on.
	ErrCorrupt = errors.New("squashfs: corrupt filesystem structure")

	// ErrUnsupportedFeature is returned when a superblock flag requires
	// behavior this reader does not implement.
	ErrUnsupportedFeature = errors.New("squashfs: unsupported feature flag")

	// ErrNoXattrs is returned by xattr lookups when the image carries no
	// xattr table at all.
	ErrNoXattrs = errors.New("squashfs: filesystem has no xattr table")

	// ErrXattrNotFound is returned when a named xattr key does not exist on an inode.
	ErrXattrNotFound = errors.New("squashfs: xattr not found")
)

// IOError wraps a failure from the Input capability, carrying the
// backend-provided error text alongside the absolute offset that failed.
type IOError struct {
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("squashfs: i/o error at offset %d: %s", e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
