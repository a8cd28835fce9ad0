// Package checkpoint decorates errors with caller information so that a
// bubbled-up error reads like a lightweight stack trace.
// Every error attached to a checkpoint stays visible to errors.Is and
// errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

type checkpoint struct {
	err  error
	prev error

	callerOk bool
	file     string
	line     int
}

// From wraps err in a new checkpoint carrying the caller's file and line.
// It returns nil if err is nil.
func From(err error) error {
	if err == nil {
		return nil
	}
	// io.EOF and io.ErrUnexpectedEOF must stay comparable by ==.
	// https://github.com/golang/go/issues/39155
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	_, file, line, ok := runtime.Caller(1)
	return &checkpoint{
		err:      err,
		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

// Wrap chains prev behind a new checkpoint and attaches err as an additional
// marker for that checkpoint. It returns nil if prev is nil, so call sites can
// wrap unconditionally:
//
//	var ErrReadBitmap = errors.New("could not read the allocation bitmap")
//
//	func (b *bitmap) load() error {
//		err := b.readSectors()
//		return checkpoint.Wrap(err, ErrReadBitmap)
//	}
//
// The caller can then match either error:
//
//	if errors.Is(err, ErrReadBitmap) { ... }
//
// as well as whatever readSectors returned.
func Wrap(prev, err error) error {
	if prev == nil {
		return nil
	}
	if prev == io.EOF {
		return io.EOF
	}

	_, file, line, ok := runtime.Caller(1)
	return &checkpoint{
		err:      err,
		prev:     prev,
		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

func (e *checkpoint) Error() string {
	var prevErrString string
	if e.prev != nil {
		prevErrString = e.prev.Error()
		if _, ok := e.prev.(*checkpoint); !ok {
			prevErrString = "File: unknown\n\t" + strings.ReplaceAll(prevErrString, "\n", "\n\t")
		}
	}

	location := "unknown"
	if e.callerOk {
		location = fmt.Sprintf("%s:%d", e.file, e.line)
	}
	if e.prev == nil {
		return fmt.Sprintf("File: %s\n\t%v", location, e.err)
	}
	return fmt.Sprintf("File: %s\n\t%v\n%v", location, e.err, prevErrString)
}

func (e *checkpoint) Unwrap() error {
	return e.prev
}

func (e *checkpoint) Is(target error) bool {
	return errors.Is(e.err, target)
}

func (e *checkpoint) As(target interface{}) bool {
	return e.err != nil && errors.As(e.err, target)
}
