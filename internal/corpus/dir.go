package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProgramExt is the file extension of persisted programs.
const ProgramExt = ".fzp"

const lockName = ".lock"

// ErrLocked is returned when another process owns the directory.
var ErrLocked = errors.New("corpus directory is locked by another process")

// Dir is a corpus directory owned by this process for its lifetime.
type Dir struct {
	path string
	lock *dirLock
}

// OpenDir creates path if needed and takes the directory lock.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	l, err := acquire(filepath.Join(path, lockName))
	if err != nil {
		return nil, err
	}

	return &Dir{path: path, lock: l}, nil
}

func (d *Dir) Path() string { return d.path }

// Close releases the directory lock.
func (d *Dir) Close() error { return d.lock.release() }

// Save persists e as <hash>.fzp. Existing files are left alone.
func (d *Dir) Save(e *Entry) error {
	path := filepath.Join(d.path, e.Hash+ProgramExt)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return writeAtomic(path, e.Data)
}

// WriteFile stores an arbitrary artifact under a subdirectory.
func (d *Dir) WriteFile(sub, name string, data []byte) (string, error) {
	dir := filepath.Join(d.path, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)

	return path, writeAtomic(path, data)
}

// Load adds every program file in the directory to s. Files that fail to
// decode are skipped and reported together.
func (d *Dir) Load(s *Store) (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ProgramExt) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(d.path, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		_, added, err := s.AddEncoded(data, "disk")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}

		if added {
			n++
		}
	}

	return n, errors.Join(errs...)
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}

	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)

		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}
