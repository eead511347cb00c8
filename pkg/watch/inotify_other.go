//go:build !linux

package watch

import "errors"

// NewInotify is only available on Linux.
func NewInotify() (Source, error) {
	return nil, errors.New("the inotify watcher requires linux, use the fsnotify watcher")
}
