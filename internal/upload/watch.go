// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package upload

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSettle is how long a dropped file must stay unchanged before it
// is reported. Copies into the directory produce a burst of write events.
const DefaultSettle = 500 * time.Millisecond

// Drop is a PDF that appeared in the watched directory for a reference key.
type Drop struct {
	Key  string
	Path string
}

// Matcher maps a file name to a reference key.
type Matcher func(name string) (key string, ok bool)

// MatchKeys returns a Matcher for the given reference keys. A file matches a
// key when its base name, without extension, equals the key with brackets
// and surrounding space removed, ignoring case: "[3]" matches "3.pdf" and
// "Smith2020" matches "smith2020.PDF".
func MatchKeys(keys func() []string) Matcher {
	return func(name string) (string, bool) {
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			return "", false
		}
		stem := normalizeKey(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
		for _, k := range keys() {
			if normalizeKey(k) == stem {
				return k, true
			}
		}
		return "", false
	}
}

// FileName is the drop file name expected for key.
func FileName(key string) string {
	return normalizeKey(key) + ".pdf"
}

func normalizeKey(k string) string {
	k = strings.TrimSpace(k)
	k = strings.TrimPrefix(k, "[")
	k = strings.TrimSuffix(k, "]")
	return strings.ToLower(strings.TrimSpace(k))
}

// DirWatcher reports PDFs dropped into a directory that match a
// reference key.
type DirWatcher struct {
	dir    string
	match  Matcher
	settle time.Duration
	logger *zap.Logger

	w    *fsnotify.Watcher
	out  chan Drop
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	once    sync.Once
}

// WatchOption customises a DirWatcher.
type WatchOption func(*DirWatcher)

// WithSettle sets the quiet period before a file is reported.
func WithSettle(d time.Duration) WatchOption {
	return func(w *DirWatcher) { w.settle = d }
}

// WithWatchLogger sets the diagnostics logger.
func WithWatchLogger(l *zap.Logger) WatchOption {
	return func(d *DirWatcher) { d.logger = l }
}

// Watch starts watching dir, creating it if needed. Files already present
// that match are reported once after start; call Rescan to report them
// again after the keys accepted by match change.
func Watch(dir string, match Matcher, opts ...WatchOption) (*DirWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	d := &DirWatcher{
		dir:     dir,
		match:   match,
		settle:  DefaultSettle,
		logger:  zap.NewNop(),
		w:       w,
		out:     make(chan Drop, 16),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.Rescan()

	d.wg.Add(1)
	go d.loop()
	return d, nil
}

// Rescan reports the files already in the directory that match now. A file
// that did not match when it was written produces no further events, so
// callers rescan whenever a new set of reference keys becomes missing.
func (d *DirWatcher) Rescan() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("scanning drop dir", zap.String("dir", d.dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			d.schedule(filepath.Join(d.dir, e.Name()))
		}
	}
}

// Drops returns the channel of matched files. It is closed by Close.
func (d *DirWatcher) Drops() <-chan Drop { return d.out }

// Close stops watching and closes the Drops channel.
func (d *DirWatcher) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)

		d.mu.Lock()
		for _, t := range d.pending {
			t.Stop()
		}
		d.pending = nil
		d.mu.Unlock()

		err = d.w.Close()
		d.wg.Wait()
		close(d.out)
	})
	return err
}

func (d *DirWatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-d.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				d.schedule(ev.Name)
			}
		case err, ok := <-d.w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error", zap.String("dir", d.dir), zap.Error(err))
		case <-d.done:
			return
		}
	}
}

// schedule reports path once no further events for it arrive within the
// settle period.
func (d *DirWatcher) schedule(path string) {
	if _, ok := d.match(filepath.Base(path)); !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return
	}
	if t, ok := d.pending[path]; ok {
		t.Reset(d.settle)
		return
	}
	d.pending[path] = time.AfterFunc(d.settle, func() { d.fire(path) })
}

func (d *DirWatcher) fire(path string) {
	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	key, ok := d.match(filepath.Base(path))
	if !ok {
		return
	}
	select {
	case d.out <- Drop{Key: key, Path: path}:
		d.logger.Debug("reference dropped", zap.String("reference_key", key), zap.String("path", path))
	case <-d.done:
	}
}
