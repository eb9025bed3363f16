//go:build unix

package sys

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// AcquireOSFileLock takes a non-blocking flock(2) exclusive lock on lockPath,
// creating the file if needed.
func AcquireOSFileLock(lockPath string) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	release := func() error {
		// Remove before unlocking so a waiter never locks an unlinked file.
		_ = os.Remove(lockPath)
		_ = unix.Flock(fd, unix.LOCK_UN)
		return f.Close()
	}
	return f, release, nil
}
