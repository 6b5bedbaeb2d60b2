package corpus

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher imports program files that appear in a directory into a Store.
type Watcher struct {
	w     *fsnotify.Watcher
	store *Store

	// OnAdd is called for every program that was new to the store.
	OnAdd func(*Entry)
	// OnError receives decode and watch errors. Nil drops them.
	OnError func(error)
}

// NewWatcher watches dir for program files.
func NewWatcher(dir string, s *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{w: w, store: s}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}

			// files are renamed into place, which shows up as a create
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			w.importFile(ev.Name)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}

			w.report(err)
		}
	}
}

func (w *Watcher) importFile(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ProgramExt) || strings.HasPrefix(base, ".") {
		return
	}

	// our own saves are named by hash and already stored
	if w.store.Has(strings.TrimSuffix(base, ProgramExt)) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.report(err)
		return
	}

	e, added, err := w.store.AddEncoded(data, "watch")
	if err != nil {
		w.report(err)
		return
	}

	if added && w.OnAdd != nil {
		w.OnAdd(e)
	}
}

func (w *Watcher) report(err error) {
	if w.OnError != nil {
		w.OnError(err)
	}
}
