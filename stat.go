package exfat

import (
	"os"
	"time"
)

// FileInfo returns the os.FileInfo view of the decoded entry set.
func (e *entrySet) FileInfo() os.FileInfo {
	return entrySetFileInfo{*e}
}

type entrySetFileInfo struct {
	set entrySet
}

func (e entrySetFileInfo) Name() string {
	return e.set.name
}

// Size reports the valid data length: bytes beyond it are not real file
// content, only allocation.
func (e entrySetFileInfo) Size() int64 {
	return int64(e.set.stream.ValidDataLength)
}

func (e entrySetFileInfo) Mode() os.FileMode {
	var mode os.FileMode = 0666
	if e.set.header.FileAttributes&attrReadOnly != 0 {
		mode = 0444
	}
	if e.IsDir() {
		mode |= os.ModeDir | 0111
	}
	return mode
}

func (e entrySetFileInfo) ModTime() time.Time {
	return ParseTimestamp(
		e.set.header.LastModifiedTimestamp,
		e.set.header.LastModified10msIncrement,
		e.set.header.LastModifiedUTCOffset,
	)
}

func (e entrySetFileInfo) IsDir() bool {
	return e.set.isDirectory()
}

func (e entrySetFileInfo) Sys() interface{} {
	return e.set.header
}

// rootFileInfo describes the root directory, which has no entry set of its
// own.
type rootFileInfo struct{}

func (rootFileInfo) Name() string       { return "/" }
func (rootFileInfo) Size() int64        { return 0 }
func (rootFileInfo) Mode() os.FileMode  { return os.ModeDir | 0777 }
func (rootFileInfo) ModTime() time.Time { return time.Time{} }
func (rootFileInfo) IsDir() bool        { return true }
func (rootFileInfo) Sys() interface{}   { return nil }
