//go:build unix

package corpus

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type dirLock struct {
	f *os.File
}

func acquire(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}

		return nil, err
	}

	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l.f == nil {
		return nil
	}

	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil

	return err
}
