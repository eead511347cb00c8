//go:build linux

package watch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

const (
	watchMask = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF |
		unix.IN_ONLYDIR | unix.IN_DONT_FOLLOW

	// pairTimeout is how long a MovedFrom waits for the MovedTo carrying
	// the same cookie before it is reported as a move out of the tree.
	pairTimeout = 50 * time.Millisecond

	eventBufferSize = 4096
)

type pendingMove struct {
	path  string
	isDir bool
	at    time.Time
}

type inotifySource struct {
	fd     int
	file   *os.File
	events chan Event
	done   chan struct{}

	mu   sync.Mutex
	dirs map[int]string // wd -> directory
	wds  map[string]int // directory -> wd

	// Owned by the read loop.
	pending map[uint32]pendingMove
	order   []uint32

	closeOnce sync.Once
}

// NewInotify creates a Linux inotify source.
func NewInotify() (Source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}
	s := &inotifySource{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "inotify"),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		dirs:    make(map[int]string),
		wds:     make(map[string]int),
		pending: make(map[uint32]pendingMove),
	}
	go s.readLoop()
	return s, nil
}

func (s *inotifySource) Add(root string) error {
	return walkTree(filepath.Clean(root), s.addWatch, nil)
}

func (s *inotifySource) Events() <-chan Event { return s.events }

func (s *inotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.file.Close()
	})
	return err
}

func (s *inotifySource) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(s.fd, dir, watchMask)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.dirs[wd]; ok && old != dir {
		delete(s.wds, old)
	}
	s.dirs[wd] = dir
	s.wds[dir] = wd
	return nil
}

func (s *inotifySource) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *inotifySource) readLoop() {
	defer close(s.events)

	buf := make([]byte, unix.SizeofInotifyEvent*eventBufferSize)
	for {
		n, err := s.file.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				plog.Warn("Reading filesystem events failed, watching stopped", "error", err)
				return
			}
		} else {
			s.handleBatch(buf[:n])
		}

		s.flushPending(time.Now())
		s.file.SetReadDeadline(s.nextDeadline())
	}
}

// handleBatch decodes the packed inotify_event records of one read.
func (s *inotifySource) handleBatch(b []byte) {
	for off := 0; off+unix.SizeofInotifyEvent <= len(b); {
		wd := int32(binary.NativeEndian.Uint32(b[off:]))
		mask := binary.NativeEndian.Uint32(b[off+4:])
		cookie := binary.NativeEndian.Uint32(b[off+8:])
		nameLen := int(binary.NativeEndian.Uint32(b[off+12:]))

		start := off + unix.SizeofInotifyEvent
		end := start + nameLen
		if end > len(b) {
			plog.Warn("Truncated filesystem event, dropping rest of batch")
			return
		}
		name := strings.TrimRight(string(b[start:end]), "\x00")
		s.handle(int(wd), mask, cookie, name)
		off = end
	}
}

func (s *inotifySource) handle(wd int, mask, cookie uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		plog.Warn("Filesystem event queue overflowed, changes are lost until the next rescan")
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		s.forget(wd)
		return
	}
	if mask&unix.IN_DELETE_SELF != 0 {
		// IN_IGNORED follows.
		return
	}

	s.mu.Lock()
	dir, ok := s.dirs[wd]
	s.mu.Unlock()
	if !ok {
		return
	}
	p := filepath.Join(dir, name)
	isDir := mask&unix.IN_ISDIR != 0

	switch {
	case mask&unix.IN_CREATE != 0:
		// Files report CloseWrite once written; only directories need arming.
		if isDir {
			s.arm(p)
		}
	case mask&unix.IN_CLOSE_WRITE != 0:
		s.emit(Event{Kind: CloseWrite, Path: p})
	case mask&unix.IN_DELETE != 0:
		s.emit(Event{Kind: Delete, Path: p, IsDir: isDir})
	case mask&unix.IN_MOVED_FROM != 0:
		s.pending[cookie] = pendingMove{path: p, isDir: isDir, at: time.Now()}
		s.order = append(s.order, cookie)
	case mask&unix.IN_MOVED_TO != 0:
		if from, ok := s.pending[cookie]; ok {
			delete(s.pending, cookie)
			if isDir {
				s.renameWatches(from.path, p)
			}
			s.emit(Event{Kind: MovedTo, Path: p, IsDir: isDir, SourcePath: from.path})
			return
		}
		s.emit(Event{Kind: MovedTo, Path: p, IsDir: isDir})
		if isDir {
			s.arm(p)
		}
	}
}

// arm watches a directory that appeared in the tree and reports the files
// already inside it.
func (s *inotifySource) arm(dir string) {
	if err := walkTree(dir, s.addWatch, s.emit); err != nil {
		plog.Warn("Failed to watch new directory", "path", dir, "error", err)
	}
}

// flushPending reports moves that waited pairTimeout without a partner: the
// path left the watched trees. Paired cookies are dropped from the order.
func (s *inotifySource) flushPending(now time.Time) {
	kept := s.order[:0]
	for _, cookie := range s.order {
		m, ok := s.pending[cookie]
		if !ok {
			continue
		}
		if now.Sub(m.at) < pairTimeout {
			kept = append(kept, cookie)
			continue
		}
		delete(s.pending, cookie)
		if m.isDir {
			s.unwatchTree(m.path)
		}
		s.emit(Event{Kind: MovedFrom, Path: m.path, IsDir: m.isDir})
	}
	s.order = kept
}

// nextDeadline is when the oldest pending move expires, or the zero time
// when nothing waits for a partner.
func (s *inotifySource) nextDeadline() time.Time {
	if len(s.order) == 0 {
		return time.Time{}
	}
	return s.pending[s.order[0]].at.Add(pairTimeout)
}

// renameWatches rewrites the directories of watches below a renamed
// directory. The kernel keeps the watches themselves.
func (s *inotifySource) renameWatches(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir, wd := range s.wds {
		if !under(dir, from) {
			continue
		}
		moved := to + strings.TrimPrefix(dir, from)
		delete(s.wds, dir)
		s.wds[moved] = wd
		s.dirs[wd] = moved
	}
}

// unwatchTree drops the watches of a directory moved out of scope, which
// the kernel would otherwise keep following.
func (s *inotifySource) unwatchTree(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir, wd := range s.wds {
		if !under(dir, root) {
			continue
		}
		if _, err := unix.InotifyRmWatch(s.fd, uint32(wd)); err != nil {
			plog.Debug("Failed to remove watch", "path", dir, "error", err)
		}
		delete(s.wds, dir)
		delete(s.dirs, wd)
	}
}

func (s *inotifySource) forget(wd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir, ok := s.dirs[wd]; ok {
		delete(s.dirs, wd)
		if s.wds[dir] == wd {
			delete(s.wds, dir)
		}
	}
}
