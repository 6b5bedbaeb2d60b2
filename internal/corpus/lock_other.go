//go:build !unix

package corpus

import (
	"errors"
	"os"
)

// dirLock falls back to exclusive creation of the lock file. A crashed
// process leaves the file behind and it must be removed by hand.
type dirLock struct {
	path string
}

func acquire(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}

		return nil, err
	}

	f.Close()

	return &dirLock{path: path}, nil
}

func (l *dirLock) release() error {
	if l.path == "" {
		return nil
	}

	err := os.Remove(l.path)
	l.path = ""

	return err
}
