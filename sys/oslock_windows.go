//go:build windows

package sys

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// AcquireOSFileLock locks the first byte of lockPath with LockFileEx.
func AcquireOSFileLock(lockPath string) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped
	err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	release := func() error {
		_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
		err := f.Close()
		_ = os.Remove(lockPath)
		return err
	}
	return f, release, nil
}
