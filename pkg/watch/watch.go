// Package watch observes source trees and reports normalized change events.
//
// Watches are recursive and extend themselves: a directory created or moved
// into a watched tree is armed, and the files already inside it are
// reported as CloseWrite so nothing written before the watch existed is
// missed.
package watch

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Kind is the type of a change event.
type Kind int

const (
	// CloseWrite reports a file closed after writing.
	CloseWrite Kind = iota + 1
	// Delete reports a removed file or directory.
	Delete
	// MovedFrom reports a path moved out of the watched trees.
	MovedFrom
	// MovedTo reports a path moved into place. SourcePath is set when the
	// old location was watched too.
	MovedTo
)

var kindToString = map[Kind]string{
	CloseWrite: "close_write",
	Delete:     "delete",
	MovedFrom:  "moved_from",
	MovedTo:    "moved_to",
}

func (k Kind) String() string {
	if s, ok := kindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one change below a watched root. Paths are absolute.
type Event struct {
	Kind       Kind
	Path       string
	IsDir      bool
	SourcePath string
}

// Source delivers events for the trees it was asked to watch.
type Source interface {
	// Add arms recursive watches below root.
	Add(root string) error
	// Events is closed after Close.
	Events() <-chan Event
	Close() error
}

// Watcher selects a Source implementation.
type Watcher int

const (
	Inotify Watcher = iota
	Fsnotify
)

var watcherToString = map[Watcher]string{Inotify: "inotify", Fsnotify: "fsnotify"}
var stringToWatcher map[string]Watcher

func init() {
	stringToWatcher = util.InvertMap(watcherToString)
}

func (w Watcher) String() string {
	if s, ok := watcherToString[w]; ok {
		return s
	}
	return fmt.Sprintf("unknown_watcher(%d)", int(w))
}

// ParseWatcher parses a watcher name. The empty string selects inotify.
func ParseWatcher(s string) (Watcher, error) {
	if s == "" {
		return Inotify, nil
	}
	if w, ok := stringToWatcher[strings.ToLower(s)]; ok {
		return w, nil
	}
	return 0, fmt.Errorf("invalid watcher: %q. Must be 'inotify' or 'fsnotify'", s)
}

func (w Watcher) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Watcher) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("watcher should be a string, got %s", data)
	}
	v, err := ParseWatcher(s)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// New creates a source of the given kind.
func New(w Watcher) (Source, error) {
	switch w {
	case Inotify:
		return NewInotify()
	case Fsnotify:
		return NewFsnotify(DefaultDebounce)
	default:
		return nil, fmt.Errorf("unsupported watcher: %s", w)
	}
}

// walkTree calls addDir for dir and every directory below it and reports
// each regular file found as CloseWrite through emit.
func walkTree(dir string, addDir func(string) error, emit func(Event)) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			plog.Warn("Cannot watch path, skipping", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := addDir(p); err != nil {
				if p == dir {
					return err
				}
				plog.Warn("Failed to watch directory", "path", p, "error", err)
				return filepath.SkipDir
			}
			return nil
		}
		if emit != nil && d.Type().IsRegular() {
			emit(Event{Kind: CloseWrite, Path: p})
		}
		return nil
	})
}

// under reports whether p is dir or lies below it.
func under(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+string(filepath.Separator))
}
