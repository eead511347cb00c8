package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// tempFilePrefix marks in-progress writes. Walk skips them.
const tempFilePrefix = ".pgl-mirror-tmp-"

// Local mirrors into a directory on a locally mounted filesystem. One Local
// is shared by all workers.
type Local struct {
	root string
	fs   billy.Filesystem
	tc   *transcode.Transcoder
	// mkdirGroup collapses concurrent creation of the same directory.
	mkdirGroup singleflight.Group
}

// NewLocal roots a backend at dir, which must exist.
func NewLocal(dir string, tc *transcode.Transcoder) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve mirror root %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("mirror root %q is not accessible: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mirror root %q is not a directory", abs)
	}
	return &Local{root: abs, fs: osfs.New(abs), tc: tc}, nil
}

// Root returns the absolute mirror root.
func (l *Local) Root() string { return l.root }

func (l *Local) FileExists(ctx context.Context, key string) (bool, error) {
	info, err := l.fs.Lstat(denorm(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (l *Local) DirExists(ctx context.Context, key string) (bool, error) {
	info, err := l.fs.Lstat(denorm(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.IsDir(), nil
}

func (l *Local) EnsureDirTree(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err, _ := l.mkdirGroup.Do(key, func() (any, error) {
		if err := l.fs.MkdirAll(denorm(key), util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", key, err)
		}
		return nil, nil
	})
	return err
}

// StoreCompressed writes into a temp file next to the target and renames it
// into place, so readers never see a partial mirror file.
func (l *Local) StoreCompressed(ctx context.Context, src io.Reader, size int64, key string) (stats transcode.Stats, retErr error) {
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	dir := parentKey(key)
	if err := l.EnsureDirTree(ctx, dir); err != nil {
		return stats, err
	}

	tmp, err := l.fs.TempFile(denorm(dir), tempFilePrefix)
	if errors.Is(err, fs.ErrNotExist) {
		// Pruned by a concurrent delete after EnsureDirTree.
		if err := l.EnsureDirTree(ctx, dir); err != nil {
			return stats, err
		}
		tmp, err = l.fs.TempFile(denorm(dir), tempFilePrefix)
	}
	if err != nil {
		return stats, fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			l.fs.Remove(tmpName)
		}
	}()

	stats, err = l.tc.Compress(tmp, src)
	if err != nil {
		tmp.Close()
		return stats, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("failed to close temp file for %s: %w", key, err)
	}

	// Replace, never append. Rename over an existing file is not portable.
	if err := l.fs.Remove(denorm(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return stats, fmt.Errorf("failed to remove existing %s: %w", key, err)
	}
	if err := l.fs.Rename(tmpName, denorm(key)); err != nil {
		return stats, fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return stats, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	info, err := l.fs.Lstat(denorm(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			plog.Debug("Nothing to delete", "path", key)
			return nil
		}
		return fmt.Errorf("stat %s: %w", key, err)
	}

	if info.IsDir() {
		err = billyutil.RemoveAll(l.fs, denorm(key))
	} else {
		err = l.fs.Remove(denorm(key))
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	l.pruneEmptyDirs(parentKey(key))
	return nil
}

func (l *Local) Rename(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	if _, err := l.fs.Lstat(denorm(from)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			plog.Debug("Nothing to move", "from", from, "to", to)
			return nil
		}
		return fmt.Errorf("stat %s: %w", from, err)
	}

	// The source tree is authoritative, so whatever sits at the target goes.
	if err := billyutil.RemoveAll(l.fs, denorm(to)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear rename target %s: %w", to, err)
	}
	if err := l.EnsureDirTree(ctx, parentKey(to)); err != nil {
		return err
	}
	err := l.fs.Rename(denorm(from), denorm(to))
	if errors.Is(err, fs.ErrNotExist) {
		if err := l.EnsureDirTree(ctx, parentKey(to)); err != nil {
			return err
		}
		err = l.fs.Rename(denorm(from), denorm(to))
	}
	if err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	l.pruneEmptyDirs(parentKey(from))
	return nil
}

func (l *Local) Walk(ctx context.Context, fn func(key string) error) error {
	return billyutil.Walk(l.fs, ".", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() || strings.HasPrefix(info.Name(), tempFilePrefix) {
			return nil
		}
		return fn(filepath.ToSlash(filepath.Clean(p)))
	})
}

func (l *Local) Close() error { return nil }

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping below the mirror root. Concurrent writers may refill a directory
// at any moment, so a failed removal just ends the climb.
func (l *Local) pruneEmptyDirs(dir string) {
	for dir != "" {
		entries, err := l.fs.ReadDir(denorm(dir))
		if err != nil || len(entries) > 0 {
			return
		}
		if err := l.fs.Remove(denorm(dir)); err != nil {
			return
		}
		plog.Debug("Pruned empty directory", "path", dir)
		dir = parentKey(dir)
	}
}

func denorm(key string) string {
	if key == "" {
		return "."
	}
	return filepath.FromSlash(path.Clean(key))
}
