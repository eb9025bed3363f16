package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("storage directory is locked by another process")

// AcquireFileLock takes an exclusive OS advisory lock on path, retrying up to
// maxRetries times with retryInterval between attempts. The pid and acquisition
// time are written into the lock file for diagnostics. The returned release
// function unlocks and removes the file.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("AcquireFileLock: %w", err)
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, release, err := AcquireOSFileLock(path)
		if err == nil {
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
			binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
			_ = f.Truncate(0)
			_, _ = f.WriteAt(buf, 0)
			return release, nil
		}
		lastErr = err
		if errors.Is(err, ErrOSFileLockNotSupported) {
			break
		}
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("AcquireFileLock %s: %w: %v", path, ErrLocked, lastErr)
}

// ReadLockOwner returns the pid and lock time recorded in a lock file.
func ReadLockOwner(path string) (pid int, lockedAt time.Time, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(b) < 12 {
		return 0, time.Time{}, fmt.Errorf("lock file %s has unexpected size %d", path, len(b))
	}
	pid = int(binary.LittleEndian.Uint32(b[0:4]))
	lockedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12])))
	return pid, lockedAt, nil
}

// SyncDir fsyncs a directory so that renames and creates inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
