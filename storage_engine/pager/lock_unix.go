//go:build unix

package pager

import (
	"os"

	"golang.org/x/sys/unix"

	"horizon/herrors"
)

// advisoryLock wraps a non-blocking flock(2) held on the main database
// file for the lifetime of a Pager. This is the "advisory file lock"
// named in spec §1's Non-goals: Horizon coordinates same-machine,
// multi-process opens this far and no further — it does not implement
// cross-process transaction coordination.
type advisoryLock struct {
	file *os.File
}

func acquireAdvisoryLock(file *os.File, readOnly bool) (*advisoryLock, error) {
	how := unix.LOCK_EX | unix.LOCK_NB
	if readOnly {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(file.Fd()), how); err != nil {
		return nil, herrors.Wrap(herrors.KindIO, "acquire advisory lock on database file (already open elsewhere?)", err)
	}
	return &advisoryLock{file: file}, nil
}

func (l *advisoryLock) release() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}
