// OS-level scope locking.
//
// A scope directory is owned by one process at a time. The flock is
// held on a dedicated lock file for the whole lifetime of the open
// scope; a second open fails with busy instead of corrupting the
// writer maps. The mutex serializes the flock syscall against Close
// so the fd cannot be invalidated mid-syscall.
package scope

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/toschoo/nowdb/pkg/errs"
)

type dirLock struct {
	mu sync.Mutex
	f  *os.File
}

// acquire opens the lock file and takes the exclusive flock without
// blocking.
func (l *dirLock) acquire(path string) *errs.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errs.OS(errs.Open, path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return errs.New(errs.Busy, path, "scope is locked by another process")
	}
	l.f = f
	return nil
}

// release drops the flock and closes the lock file.
func (l *dirLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
