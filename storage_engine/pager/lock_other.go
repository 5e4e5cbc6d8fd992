//go:build !unix

package pager

import "os"

// advisoryLock is a no-op on platforms without flock(2); Horizon degrades
// to no inter-process coordination there rather than failing to open.
type advisoryLock struct{}

func acquireAdvisoryLock(file *os.File, readOnly bool) (*advisoryLock, error) {
	return &advisoryLock{}, nil
}

func (l *advisoryLock) release() error { return nil }
