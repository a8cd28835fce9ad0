package exfat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/goexfat/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
)

// File is an open file (or, for the afero surface, directory) handle.
// It implements afero.File.
//
// While open, the handle exclusively owns mutation rights over its
// directory entry set. Writes mark the handle dirty; Sync and Close write
// the updated stream extension and primary entry back.
type File struct {
	fs   *Fs
	name string

	// set is the snapshot of the entry set this handle was opened from;
	// parentData locates it on disk for the write-back.
	set        *entrySet
	parentData *stream

	// data is the file content stream; data.size is the on-disk
	// data-length, validLength the valid-data-length.
	data        *stream
	validLength uint64

	offset int64
	open   bool
	dirty  bool

	// dir is set instead of data when the handle addresses a directory.
	dir       *Directory
	dirOffset int
}

// newDirectoryFile wraps an open directory into the afero.File shape.
func newDirectoryFile(d *Directory) *File {
	return &File{fs: d.fs, name: d.name, dir: d, open: true}
}

// Close flushes dirty metadata and invalidates the handle. Any I/O
// afterwards fails with ErrHandleClosed.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.open {
		return nil
	}
	if f.dirty {
		if err := f.syncLocked(); err != nil {
			return err
		}
	}
	f.open = false
	f.offset = 0
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	n, err := f.readAtLocked(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.readAtLocked(p, off)
}

// readAtLocked reads up to len(p) bytes at off. Bytes between the valid
// data length and the data length have never been written and read as
// zeros.
func (f *File) readAtLocked(p []byte, off int64) (int, error) {
	if !f.open {
		return 0, checkpoint.Wrap(ErrHandleClosed, ErrReadFile)
	}
	if f.dir != nil {
		return 0, checkpoint.Wrap(ErrNotAFile, ErrReadFile)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrReadFile)
	}
	if p == nil {
		return 0, nil
	}
	if uint64(off) >= f.data.size {
		return 0, io.EOF
	}

	n := len(p)
	if remain := f.data.size - uint64(off); uint64(n) > remain {
		n = int(remain)
	}

	fromDisk := 0
	if uint64(off) < f.validLength {
		fromDisk = n
		if remain := f.validLength - uint64(off); uint64(fromDisk) > remain {
			fromDisk = int(remain)
		}
		if err := f.data.readAt(p[:fromDisk], uint64(off)); err != nil {
			return 0, checkpoint.Wrap(err, ErrReadFile)
		}
	}
	for i := fromDisk; i < n; i++ {
		p[i] = 0
	}
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	n, err := f.writeAtLocked(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.writeAtLocked(p, off)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// writeAtLocked writes p at off, extending the cluster chain when the
// write goes past the allocated length. Writing past the valid data
// length first zero-fills the gap so the skipped range keeps reading as
// zeros once the valid length advances.
func (f *File) writeAtLocked(p []byte, off int64) (int, error) {
	if !f.open {
		return 0, checkpoint.Wrap(ErrHandleClosed, ErrWriteFile)
	}
	if f.dir != nil {
		return 0, checkpoint.Wrap(ErrNotAFile, ErrWriteFile)
	}
	if f.fs.readOnly {
		return 0, checkpoint.Wrap(ErrReadOnly, ErrWriteFile)
	}
	if f.set.header.FileAttributes&attrReadOnly != 0 {
		return 0, checkpoint.Wrap(ErrReadOnly, ErrWriteFile)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := uint64(off) + uint64(len(p))
	if end > f.data.size {
		if _, err := f.data.extend(end); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if uint64(off) > f.validLength {
		if err := f.zeroRange(f.validLength, uint64(off)); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if err := f.data.writeAt(p, uint64(off)); err != nil {
		return 0, checkpoint.Wrap(err, ErrWriteFile)
	}
	if end > f.validLength {
		f.validLength = end
	}
	f.dirty = true
	return len(p), nil
}

// zeroRange overwrites [from, to) of the data stream with zeros.
func (f *File) zeroRange(from, to uint64) error {
	zero := make([]byte, f.fs.sectorSize)
	for from < to {
		n := uint64(len(zero))
		if n > to-from {
			n = to - from
		}
		if err := f.data.writeAt(zero[:n], from); err != nil {
			return err
		}
		from += n
	}
	return nil
}

// Seek jumps to a specific offset in the file. This affects all Read and
// Write operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the resulting offset is
// negative.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.open {
		return 0, checkpoint.Wrap(ErrHandleClosed, ErrSeekFile)
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = int64(f.validLength) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

// Truncate changes the file size. Shrinking frees the clusters beyond the
// new end; growing allocates without writing, so the new range reads as
// zeros.
func (f *File) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.truncateLocked(size)
}

func (f *File) truncateLocked(size int64) error {
	if !f.open {
		return checkpoint.Wrap(ErrHandleClosed, ErrWriteFile)
	}
	if f.dir != nil {
		return checkpoint.Wrap(ErrNotAFile, ErrWriteFile)
	}
	if f.fs.readOnly {
		return checkpoint.Wrap(ErrReadOnly, ErrWriteFile)
	}
	if size < 0 {
		return checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}

	switch {
	case uint64(size) < f.data.size:
		if err := f.data.truncate(uint64(size)); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}
	case uint64(size) > f.data.size:
		if _, err := f.data.extend(uint64(size)); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if f.validLength > uint64(size) {
		f.validLength = uint64(size)
	}
	f.dirty = true
	return f.syncLocked()
}

// Sync writes the updated stream extension and primary entry back to the
// parent directory.
func (f *File) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.open {
		return checkpoint.Wrap(ErrHandleClosed, ErrWriteFile)
	}
	if f.dir != nil {
		return nil
	}
	return f.syncLocked()
}

func (f *File) syncLocked() error {
	if !f.dirty {
		return nil
	}

	f.set.stream.FirstCluster = f.data.firstCluster
	f.set.stream.DataLength = f.data.size
	f.set.stream.ValidDataLength = f.validLength
	if f.data.noFatChain {
		f.set.stream.GeneralSecondaryFlags |= streamFlagNoFatChain
	} else {
		f.set.stream.GeneralSecondaryFlags &^= streamFlagNoFatChain
	}

	ts, tenMs, utcOffset := NewTimestamp(f.fs.clock.Now())
	f.set.header.LastModifiedTimestamp = ts
	f.set.header.LastModified10msIncrement = tenMs
	f.set.header.LastModifiedUTCOffset = utcOffset

	hash := nameHash(f.fs.upcase.upcaseUnits(f.set.nameUnits))
	raw := encodeEntrySet(f.set.header, f.set.stream, f.set.nameUnits, hash)
	f.set.header.SetChecksum = binary.LittleEndian.Uint16(raw[2:4])
	if err := f.parentData.writeAt(raw, uint64(f.set.offset)); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := f.fs.device.Sync(); err != nil {
		return checkpoint.Wrap(checkpoint.Wrap(err, ErrIO), ErrWriteFile)
	}
	f.dirty = false
	return nil
}

func (f *File) Name() string {
	return f.name
}

// Readdir reads the contents of the directory handle.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.open {
		return nil, checkpoint.Wrap(ErrHandleClosed, ErrReadDir)
	}
	if f.dir == nil {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	var content []os.FileInfo
	err := f.dir.walk(func(set *entrySet) (bool, error) {
		content = append(content, set.FileInfo())
		return true, nil
	})
	if err != nil {
		// Sets decoded before the corruption are still returned.
		return content, checkpoint.Wrap(err, ErrReadDir)
	}

	if f.dirOffset > len(content) {
		f.dirOffset = len(content)
	}
	content = content[f.dirOffset:]

	if count <= 0 {
		f.dirOffset += len(content)
		return content, nil
	}

	var eof error
	if count >= len(content) {
		count = len(content)
		eof = io.EOF
	}
	f.dirOffset += count
	return content[:count], eof
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}
	return names, err
}

func (f *File) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if !f.open {
		return nil, checkpoint.From(ErrHandleClosed)
	}
	if f.dir != nil {
		if f.dir.isRoot || f.dir.self == nil {
			return rootFileInfo{}, nil
		}
		return f.dir.self.FileInfo(), nil
	}

	// Report the live handle state, not the last flushed snapshot.
	current := *f.set
	current.stream.ValidDataLength = f.validLength
	current.stream.DataLength = f.data.size
	return current.FileInfo(), nil
}
