package blacklist

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder is an atomically-swappable handle on the currently active Set.
type Holder struct {
	v atomic.Pointer[Set]
}

// NewHolder wraps an initial Set.
func NewHolder(s *Set) *Holder {
	h := &Holder{}
	h.v.Store(s)
	return h
}

// Load returns the currently active Set.
func (h *Holder) Load() *Set {
	return h.v.Load()
}

// Watcher reloads the blacklist file on change and updates a Holder.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	holder  *Holder
	onErr   func(error)
	done    chan struct{}
}

// WatchFile starts watching path for writes and keeps holder up to date.
func WatchFile(path string, holder *Holder, onErr func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, holder: holder, onErr: onErr, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			set, err := Load(w.path)
			if err != nil {
				if w.onErr != nil {
					w.onErr(err)
				}
				continue
			}
			w.holder.v.Store(set)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onErr != nil {
				w.onErr(err)
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
