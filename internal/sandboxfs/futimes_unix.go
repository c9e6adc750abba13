//go:build unix

package sandboxfs

import (
	"os"
	"syscall"
	"time"
)

// futimes sets f's atime/mtime via its already-open file descriptor,
// never re-resolving the path, so a concurrent rename or a symlink swap
// cannot redirect the call outside the sandbox.
func futimes(f *os.File, atime, mtime time.Time) error {
	ts := []syscall.Timeval{
		syscall.NsecToTimeval(atime.UnixNano()),
		syscall.NsecToTimeval(mtime.UnixNano()),
	}
	return syscall.Futimes(int(f.Fd()), ts)
}
