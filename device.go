package exfat

import (
	"io"
	"os"

	"github.com/aligator/goexfat/checkpoint"
)

// Device is the block device a volume is mounted on.
//
// The filesystem addresses the device in bytes and always reads and writes
// whole sectors; the sector size is taken from the boot sector, never from
// the device. All methods may return an opaque error which is passed through
// to the caller wrapped in ErrIO.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the device size in bytes.
	Size() (int64, error)

	// Sync flushes any write-back cache of the device.
	Sync() error
}

// FileDevice adapts an *os.File (a regular image file or a raw block device
// node) to the Device interface.
type FileDevice struct {
	file *os.File
}

// NewFileDevice returns a Device backed by the given open file.
// The caller keeps ownership of the file and has to close it after the
// volume is closed.
func NewFileDevice(file *os.File) *FileDevice {
	return &FileDevice{file: file}
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.file.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.file.WriteAt(p, off)
}

// Size seeks to the end instead of using Stat so that it also works for
// block device nodes, where Stat reports zero.
func (d *FileDevice) Size() (int64, error) {
	size, err := d.file.Seek(0, io.SeekEnd)
	return size, checkpoint.From(err)
}

func (d *FileDevice) Sync() error {
	return checkpoint.From(d.file.Sync())
}

// RAMDevice is an in-memory Device. It backs the test volumes and the
// cmd/example program.
type RAMDevice struct {
	data []byte
}

// NewRAMDevice returns a zero-filled in-memory device of the given size.
func NewRAMDevice(size int64) *RAMDevice {
	return &RAMDevice{data: make([]byte, size)}
}

// RAMDeviceOf wraps an existing buffer without copying it.
func RAMDeviceOf(data []byte) *RAMDevice {
	return &RAMDevice{data: data}
}

// Bytes exposes the underlying buffer, for example to write a built image
// out to a file.
func (d *RAMDevice) Bytes() []byte {
	return d.data
}

func (d *RAMDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(d.data)) {
		return 0, checkpoint.From(io.ErrUnexpectedEOF)
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (d *RAMDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, checkpoint.From(io.ErrShortWrite)
	}
	return copy(d.data[off:], p), nil
}

func (d *RAMDevice) Size() (int64, error) {
	return int64(len(d.data)), nil
}

func (d *RAMDevice) Sync() error {
	return nil
}
