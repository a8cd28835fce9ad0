package exfat

import "errors"

// These errors may be returned by any operation on the filesystem.
// They are always wrapped through the checkpoint package, so match them
// with errors.Is.
var (
	// ErrIO wraps any error coming from the underlying device. The native
	// error stays in the chain and can be retrieved with errors.As.
	ErrIO = errors.New("device I/O failed")

	// ErrBadBootSector means the volume does not carry a valid exFAT
	// main boot sector.
	ErrBadBootSector = errors.New("not a valid exFAT boot sector")

	// ErrChecksumMismatch means a stored checksum (boot region or upcase
	// table) does not match the recomputed one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptChain means a FAT chain walk hit a bad-cluster marker, a
	// free entry or an out-of-range cluster before the expected end.
	ErrCorruptChain = errors.New("corrupt cluster chain")

	// ErrCorruptEntrySet means a directory entry set failed structural or
	// checksum validation.
	ErrCorruptEntrySet = errors.New("corrupt directory entry set")

	ErrNoSpace     = errors.New("no free cluster available")
	ErrNameTooLong = errors.New("file name exceeds the supported length")

	ErrNotFound          = errors.New("file or directory not found")
	ErrAlreadyExists     = errors.New("file or directory already exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrNotADirectory     = errors.New("not a directory")
	ErrNotAFile          = errors.New("not a file")

	// ErrHandleClosed is returned by any operation on a closed handle.
	ErrHandleClosed = errors.New("handle is closed")

	// ErrReadOnly is returned by mutating operations on a read-only
	// volume or a read-only file.
	ErrReadOnly = errors.New("volume or file is read-only")

	// ErrUnsupported is returned for on-disk features this implementation
	// does not handle, like TexFAT volumes.
	ErrUnsupported = errors.New("unsupported filesystem feature")
)
