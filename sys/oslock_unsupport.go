//go:build !unix && !windows

package sys

import (
	"errors"
	"os"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func AcquireOSFileLock(lockPath string) (*os.File, func() error, error) {
	return nil, nil, ErrOSFileLockNotSupported
}
