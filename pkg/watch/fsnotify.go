package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// DefaultDebounce is the quiet period after the last write to a file before
// the portable source reports it as closed.
const DefaultDebounce = 500 * time.Millisecond

// fsnotifySource is the portable Source. fsnotify has neither close-write
// nor paired renames: writes are debounced into CloseWrite and a rename
// reports the old path as MovedFrom while the new path arrives as a create.
type fsnotifySource struct {
	w        *fsnotify.Watcher
	debounce time.Duration
	events   chan Event
	done     chan struct{}
	loopDone chan struct{}

	knownDirs *sharded.Set

	mu     sync.Mutex
	timers map[string]*time.Timer

	// sendMu keeps debounce callbacks from sending on a closed channel.
	sendMu sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// NewFsnotify creates the portable source.
func NewFsnotify(debounce time.Duration) (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &fsnotifySource{
		w:         w,
		debounce:  debounce,
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		knownDirs: sharded.NewSet(16),
		timers:    make(map[string]*time.Timer),
	}
	go s.loop()
	return s, nil
}

func (s *fsnotifySource) Add(root string) error {
	return walkTree(filepath.Clean(root), s.addDir, nil)
}

func (s *fsnotifySource) Events() <-chan Event { return s.events }

func (s *fsnotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.w.Close()
		<-s.loopDone

		s.mu.Lock()
		for p, t := range s.timers {
			t.Stop()
			delete(s.timers, p)
		}
		s.mu.Unlock()

		s.sendMu.Lock()
		s.closed = true
		close(s.events)
		s.sendMu.Unlock()
	})
	return err
}

func (s *fsnotifySource) addDir(dir string) error {
	if err := s.w.Add(dir); err != nil {
		return err
	}
	s.knownDirs.Store(util.NormalizePath(dir))
	return nil
}

func (s *fsnotifySource) emit(e Event) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *fsnotifySource) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			plog.Warn("Watcher error", "error", err)
		}
	}
}

func (s *fsnotifySource) handle(ev fsnotify.Event) {
	p := ev.Name
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Lstat(p)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && !s.knownDirs.Has(util.NormalizePath(p)) {
				if err := walkTree(p, s.addDir, s.emit); err != nil {
					plog.Warn("Failed to watch new directory", "path", p, "error", err)
				}
			}
			return
		}
		if info.Mode().IsRegular() {
			s.schedule(p)
		}
	case ev.Has(fsnotify.Remove):
		s.cancel(p)
		s.emit(Event{Kind: Delete, Path: p, IsDir: s.forgetDir(p)})
	case ev.Has(fsnotify.Rename):
		s.cancel(p)
		s.emit(Event{Kind: MovedFrom, Path: p, IsDir: s.forgetDir(p)})
	}
}

// forgetDir drops p and everything below it from the known directories and
// reports whether p was one.
func (s *fsnotifySource) forgetDir(p string) bool {
	key := util.NormalizePath(p)
	isDir := s.knownDirs.Has(key)
	if isDir {
		s.knownDirs.DeletePrefix(key)
		s.w.Remove(p)
	}
	return isDir
}

// schedule (re)starts the debounce timer of a file.
func (s *fsnotifySource) schedule(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[p]; ok {
		t.Reset(s.debounce)
		return
	}
	s.timers[p] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, p)
		s.mu.Unlock()
		s.emit(Event{Kind: CloseWrite, Path: p})
	})
}

func (s *fsnotifySource) cancel(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[p]; ok {
		t.Stop()
		delete(s.timers, p)
	}
}
