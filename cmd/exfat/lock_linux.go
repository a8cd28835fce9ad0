//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockImage takes an exclusive advisory lock on the image so two tool
// invocations cannot mutate the same volume concurrently.
func lockImage(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_EX)
}

func unlockImage(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
