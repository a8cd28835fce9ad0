package exfat

import (
	"errors"
	"io"
	"io/fs"
)

// GoFs exposes a mounted volume as an io/fs.FS.
//
// Unlike the raw afero surface, the wrapper translates the volume's
// sentinel errors into the error values the io/fs contract demands, so
// fs.WalkDir, http.FS and friends can use errors.Is(err, fs.ErrNotExist)
// and the other standard checks against it.
type GoFs struct {
	*Fs
}

// NewGoFS mounts an exFAT volume from the given device as fs.FS compatible
// filesystem.
func NewGoFS(device Device, options ...Option) (*GoFs, error) {
	exfs, err := New(device, options...)
	if err != nil {
		return nil, err
	}

	return &GoFs{exfs}, nil
}

// NewGoFSSkipChecks mounts an exFAT volume from the given device as fs.FS
// compatible filesystem just like NewGoFS but it skips some filesystem
// validations which may allow you to open not perfectly standard exFAT
// volumes. Use with caution!
func NewGoFSSkipChecks(device Device, options ...Option) (*GoFs, error) {
	exfs, err := NewSkipChecks(device, options...)
	if err != nil {
		return nil, err
	}

	return &GoFs{exfs}, nil
}

// pathError maps the volume's sentinel errors onto the io/fs error values
// and wraps them into a *fs.PathError as the fs.FS contract requires.
// The original error chain stays reachable through Unwrap.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	mapped := err
	switch {
	case errors.Is(err, ErrNotFound):
		mapped = fs.ErrNotExist
	case errors.Is(err, ErrAlreadyExists):
		mapped = fs.ErrExist
	case errors.Is(err, ErrReadOnly):
		mapped = fs.ErrPermission
	case errors.Is(err, ErrHandleClosed):
		mapped = fs.ErrClosed
	case errors.Is(err, ErrNotAFile), errors.Is(err, ErrNotADirectory), errors.Is(err, ErrNameTooLong):
		mapped = fs.ErrInvalid
	}
	if mapped != err {
		// Keep the volume error visible behind the standard value.
		mapped = &wrappedFsError{std: mapped, cause: err}
	}
	return &fs.PathError{Op: op, Path: name, Err: mapped}
}

// wrappedFsError pairs an io/fs error value with the volume error that
// caused it: errors.Is matches both.
type wrappedFsError struct {
	std   error
	cause error
}

func (e *wrappedFsError) Error() string {
	return e.std.Error() + ": " + e.cause.Error()
}

func (e *wrappedFsError) Is(target error) bool {
	return errors.Is(e.std, target)
}

func (e *wrappedFsError) Unwrap() error {
	return e.cause
}

// Open opens the named file or directory.
//
// io/fs paths are unrooted; "." addresses the root directory. Invalid
// paths and misses are reported as *fs.PathError per the fs.FS contract.
func (g GoFs) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	file, err := g.Fs.Open(name)
	if err != nil {
		return nil, pathError("open", name, err)
	}

	f, ok := file.(*File)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	return GoFile{f, name}, nil
}

// GoFile adapts a volume file handle to fs.File and fs.ReadDirFile,
// translating errors like GoFs.Open does.
type GoFile struct {
	*File

	// path is the unrooted io/fs path the file was opened as, for error
	// reporting.
	path string
}

func (g GoFile) Stat() (fs.FileInfo, error) {
	info, err := g.File.Stat()
	if err != nil {
		return nil, pathError("stat", g.path, err)
	}
	return info, nil
}

func (g GoFile) Read(bytes []byte) (int, error) {
	n, err := g.File.Read(bytes)
	if err != nil {
		// io.EOF must stay bare for io.Reader loops.
		if errors.Is(err, ErrHandleClosed) {
			return n, pathError("read", g.path, err)
		}
		return n, err
	}
	return n, nil
}

func (g GoFile) Close() error {
	return g.File.Close()
}

func (g GoFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := g.File.Readdir(n)
	if err != nil && err != io.EOF {
		err = pathError("readdir", g.path, err)
	}

	goEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		goEntries[i] = GoDirEntry{e}
	}

	return goEntries, err
}

type GoDirEntry struct {
	fs.FileInfo
}

func (g GoDirEntry) Type() fs.FileMode {
	return g.FileInfo.Mode().Type()
}

func (g GoDirEntry) Info() (fs.FileInfo, error) {
	return g.FileInfo, nil
}
