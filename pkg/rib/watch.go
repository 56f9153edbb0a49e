package rib

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce is how long StaticRoutesWatcher waits after the last
// filesystem event before re-reading the file, per spec §4.6.2's "1s
// debounce".
const reloadDebounce = time.Second

// StaticRoutesWatcher loads a static routes file into a RIB and keeps it in
// sync with the file's contents via fsnotify, debounced and diffed so an
// in-flight reload never touches routes the file didn't change.
type StaticRoutesWatcher struct {
	rib     *RIB
	path    string
	watcher *fsnotify.Watcher

	current map[routeKey]RouteEntry

	stop chan struct{}
	done chan struct{}
}

// routeKey identifies a static route entry independent of its action, so a
// reload can tell "same pattern+priority, action changed" from "brand new
// entry" when diffing.
type routeKey struct {
	pattern  string
	priority int
}

// NewStaticRoutesWatcher loads path into rib and starts watching its parent
// directory for changes. A missing file at startup is not an error: it
// warns and starts with an empty route set, watching the directory so the
// file can be created later.
func NewStaticRoutesWatcher(rib *RIB, path string) (*StaticRoutesWatcher, error) {
	w := &StaticRoutesWatcher{
		rib:     rib,
		path:    path,
		current: make(map[routeKey]RouteEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := w.reload(); err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Warn("rib: static routes file does not exist, starting with an empty route set")
		} else {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	w.watcher = watcher

	go w.run()
	return w, nil
}

// Close stops the watcher's background goroutine and releases the
// underlying fsnotify watcher. It leaves the RIB's currently loaded static
// routes in place.
func (w *StaticRoutesWatcher) Close() error {
	close(w.stop)
	<-w.done
	return w.watcher.Close()
}

func (w *StaticRoutesWatcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("rib: static routes watcher reported an error")

		case <-timerC:
			timerC = nil
			if err := w.reload(); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("path", w.path).
					Warn("rib: failed to reload static routes, retaining current routes")
			}
		}
	}
}

// reload parses the static routes file and applies a diff to the RIB:
// entries whose (pattern, priority) key is unchanged and whose action is
// identical are left untouched; stale keys are removed; new or changed
// keys are (re)inserted.
func (w *StaticRoutesWatcher) reload() error {
	entries, err := LoadStaticRoutesFile(w.path)
	if err != nil {
		return err
	}

	next := make(map[routeKey]RouteEntry, len(entries))
	for _, e := range entries {
		next[routeKey{pattern: e.Pattern.String(), priority: e.Priority}] = e
	}

	var toKeep []RouteEntry
	changed := false
	for k, e := range next {
		if old, ok := w.current[k]; ok && sameAction(old.Action, e.Action) {
			toKeep = append(toKeep, old)
			continue
		}
		toKeep = append(toKeep, e)
		changed = true
	}
	if len(next) != len(w.current) {
		changed = true
	}

	if changed {
		w.rib.ReplaceProtocolRoutes(StaticProtocolID, toKeep)
	}
	w.current = next
	return nil
}

func sameAction(a, b Action) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ActionVia:
		return a.Via.Equal(b.Via)
	case ActionDrop:
		return a.Reason == b.Reason
	default:
		return true
	}
}
