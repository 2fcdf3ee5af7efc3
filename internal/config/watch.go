package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an atomically-swappable pointer to the currently active
// configuration. Callers hold a *Snapshot and call Load() once per
// session rather than touching a package-level global directly, so a
// reload never changes the configuration underneath a session already
// in flight.
type Snapshot struct {
	v atomic.Pointer[Config]
}

// NewSnapshot creates a Snapshot holding cfg.
func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(&cfg)
	return s
}

// Load returns the currently active configuration.
func (s *Snapshot) Load() Config {
	return *s.v.Load()
}

func (s *Snapshot) store(cfg Config) {
	s.v.Store(&cfg)
}

// Watcher reloads Config from disk whenever the underlying file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	snap     *Snapshot
	onErr    func(error)
	onReload func(Config)
	done     chan struct{}
}

// WatchFile starts watching path for writes and keeps snap up to date.
// onErr, if non-nil, receives reload errors; reload errors never stop
// watching and never clear the last-known-good snapshot. onReload, if
// non-nil, runs after each successful reload with the new configuration,
// so callers can push derived state (such as the limiter registry's
// configured rate) to components that don't read through the snapshot
// themselves.
func WatchFile(path string, snap *Snapshot, onErr func(error), onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     path,
		snap:     snap,
		onErr:    onErr,
		onReload: onReload,
		done:     make(chan struct{}),
	}
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
			cfg, err := Load(w.path)
			if err != nil {
				if w.onErr != nil {
					w.onErr(err)
				}
				continue
			}
			w.snap.store(cfg)
			if w.onReload != nil {
				w.onReload(cfg)
			}
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
