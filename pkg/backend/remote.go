package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

// remoteEntry is one name in a remote directory listing.
type remoteEntry struct {
	name  string
	isDir bool
}

// remoteConn is the narrow set of primitives a file-transfer protocol must
// offer. Paths are absolute on the server.
type remoteConn interface {
	list(dir string) ([]remoteEntry, error)
	mkdir(dir string) error
	put(p string, r io.Reader) error
	remove(p string) error
	// rmdir deletes an empty directory and fails on a non-empty one.
	rmdir(dir string) error
	// removeAll deletes a directory recursively.
	removeAll(dir string) error
	rename(from, to string) error
	close() error

	// notExist classifies "no such file" and "permission denied" answers.
	notExist(err error) bool
	// broken reports whether err left the connection unusable.
	broken(err error) bool
}

// remote implements Backend over a remoteConn. It is owned by exactly one
// worker and is not safe for concurrent use.
type remote struct {
	conn    remoteConn
	root    string
	cache   *dirCache
	tc      *transcode.Transcoder
	staging *Staging
}

func newRemote(conn remoteConn, root string, opts Options) *remote {
	return &remote{
		conn:    conn,
		root:    root,
		cache:   newDirCache(opts.ListingCacheSize),
		tc:      opts.Transcoder,
		staging: opts.Staging,
	}
}

func (r *remote) abs(key string) string {
	if key == "" {
		return r.root
	}
	return path.Join(r.root, key)
}

// wrap marks protocol errors that killed the connection.
func (r *remote) wrap(op, p string, err error) error {
	if r.conn.broken(err) {
		r.cache.purge()
		return fmt.Errorf("%s %s: %w: %v", op, p, ErrConnectionLost, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// listDir returns the listing of dir, from the cache if possible. A missing
// or unreadable directory lists as empty.
func (r *remote) listDir(dir string) (listing, error) {
	if l, ok := r.cache.get(dir); ok {
		return l, nil
	}
	entries, err := r.conn.list(dir)
	if err != nil {
		if !r.conn.notExist(err) {
			return nil, r.wrap("list", dir, err)
		}
		entries = nil
	}
	l := make(listing, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		l[e.name] = e.isDir
	}
	r.cache.put(dir, l)
	return l, nil
}

// lookup reports whether key exists and whether it is a directory.
func (r *remote) lookup(key string) (exists, isDir bool, err error) {
	p := r.abs(key)
	l, err := r.listDir(path.Dir(p))
	if err != nil {
		return false, false, err
	}
	isDir, exists = l[path.Base(p)]
	return exists, isDir, nil
}

// lookupFresh is lookup with the parent listing fetched from the server.
// Mutations use it: other workers write through their own connections, so a
// cached listing may miss entries they created.
func (r *remote) lookupFresh(key string) (exists, isDir bool, err error) {
	r.cache.invalidate(path.Dir(r.abs(key)))
	return r.lookup(key)
}

func (r *remote) FileExists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, isDir, err := r.lookup(key)
	return exists && !isDir, err
}

func (r *remote) DirExists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if key == "" {
		return true, nil
	}
	exists, isDir, err := r.lookup(key)
	return exists && isDir, err
}

// EnsureDirTree creates missing directories one level at a time, since
// many servers cannot create intermediate directories.
func (r *remote) EnsureDirTree(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	current := ""
	for _, part := range strings.Split(key, "/") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if current == "" {
			current = part
		} else {
			current = current + "/" + part
		}

		exists, err := r.DirExists(ctx, current)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		p := r.abs(current)
		mkErr := r.conn.mkdir(p)
		r.cache.invalidate(path.Dir(p))
		if mkErr != nil {
			// Another worker's connection may have won the race.
			if exists, err := r.DirExists(ctx, current); err == nil && exists {
				continue
			}
			return r.wrap("mkdir", p, mkErr)
		}
	}
	return nil
}

func (r *remote) StoreCompressed(ctx context.Context, src io.Reader, size int64, key string) (transcode.Stats, error) {
	if err := ctx.Err(); err != nil {
		return transcode.Stats{}, err
	}

	// Compress before touching the server so a source read error leaves
	// the existing mirror file in place.
	payload, err := r.staging.stage(r.tc, src, size)
	if err != nil {
		return transcode.Stats{}, fmt.Errorf("failed to compress %s: %w", key, err)
	}
	defer payload.release()

	p := r.abs(key)
	exists, _, err := r.lookupFresh(key)
	if err != nil {
		return payload.stats, err
	}
	if exists {
		if err := r.conn.remove(p); err != nil && !r.conn.notExist(err) {
			return payload.stats, r.wrap("delete", p, err)
		}
	}

	err = r.upload(ctx, key, payload)
	if err != nil && r.conn.notExist(err) {
		// A parent listed through this connection was pruned through another.
		plog.Debug("Upload target directory vanished, retrying", "path", key)
		r.cache.purge()
		if err := payload.rewind(); err != nil {
			return payload.stats, fmt.Errorf("failed to retry upload of %s: %w", key, err)
		}
		err = r.upload(ctx, key, payload)
	}
	return payload.stats, err
}

// upload creates the parents of key and stores payload there.
func (r *remote) upload(ctx context.Context, key string, payload *staged) error {
	if err := r.EnsureDirTree(ctx, parentKey(key)); err != nil {
		return err
	}
	p := r.abs(key)
	err := r.conn.put(p, payload.r)
	r.cache.invalidate(path.Dir(p))
	if err != nil {
		return r.wrap("upload", p, err)
	}
	return nil
}

func (r *remote) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exists, isDir, err := r.lookupFresh(key)
	if err != nil {
		return err
	}
	if !exists {
		plog.Debug("Nothing to delete", "path", key)
		return nil
	}

	if err := r.removeEntry(key, isDir); err != nil {
		return err
	}
	return r.pruneEmptyDirs(parentKey(key))
}

func (r *remote) removeEntry(key string, isDir bool) error {
	p := r.abs(key)
	var err error
	if isDir {
		err = r.conn.removeAll(p)
		// Listings of the removed subtree are stale.
		r.cache.purge()
	} else {
		err = r.conn.remove(p)
		r.cache.invalidate(path.Dir(p))
	}
	if err != nil && !r.conn.notExist(err) {
		return r.wrap("delete", p, err)
	}
	return nil
}

func (r *remote) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	exists, isDir, err := r.lookupFresh(from)
	if err != nil {
		return err
	}
	if !exists {
		plog.Debug("Nothing to move", "from", from, "to", to)
		return nil
	}

	toExists, toIsDir, err := r.lookupFresh(to)
	if err != nil {
		return err
	}
	if toExists {
		if err := r.removeEntry(to, toIsDir); err != nil {
			return err
		}
	}

	err = r.move(ctx, from, to, isDir)
	if err != nil && r.conn.notExist(err) {
		// Either the target parent was pruned through another connection
		// or the source is gone; look again with nothing cached.
		r.cache.purge()
		exists, isDir, lerr := r.lookup(from)
		if lerr != nil {
			return lerr
		}
		if !exists {
			plog.Debug("Nothing to move", "from", from, "to", to)
			return nil
		}
		err = r.move(ctx, from, to, isDir)
	}
	if err != nil {
		return err
	}
	return r.pruneEmptyDirs(parentKey(from))
}

// move creates the parents of to and renames from there.
func (r *remote) move(ctx context.Context, from, to string, isDir bool) error {
	if err := r.EnsureDirTree(ctx, parentKey(to)); err != nil {
		return err
	}
	fromPath, toPath := r.abs(from), r.abs(to)
	err := r.conn.rename(fromPath, toPath)
	if isDir {
		r.cache.purge()
	} else {
		r.cache.invalidate(path.Dir(fromPath), path.Dir(toPath))
	}
	if err != nil {
		return r.wrap("rename", fromPath, err)
	}
	return nil
}

func (r *remote) Walk(ctx context.Context, fn func(key string) error) error {
	return r.walkDir(ctx, "", fn)
}

func (r *remote) walkDir(ctx context.Context, dirKey string, fn func(key string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := r.conn.list(r.abs(dirKey))
	if err != nil {
		if r.conn.notExist(err) {
			return nil
		}
		return r.wrap("list", r.abs(dirKey), err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		key := e.name
		if dirKey != "" {
			key = dirKey + "/" + e.name
		}
		if e.isDir {
			err = r.walkDir(ctx, key, fn)
		} else {
			err = fn(key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pruneEmptyDirs climbs from dir towards the mirror root removing empty
// directories. Listings are fetched fresh; another connection may have
// written into them.
func (r *remote) pruneEmptyDirs(dir string) error {
	for dir != "" {
		p := r.abs(dir)
		r.cache.invalidate(p)
		l, err := r.listDir(p)
		if err != nil {
			return err
		}
		if len(l) > 0 {
			return nil
		}
		err = r.conn.rmdir(p)
		r.cache.invalidate(p, path.Dir(p))
		if err != nil {
			if r.conn.broken(err) {
				return r.wrap("rmdir", p, err)
			}
			return nil
		}
		plog.Debug("Pruned empty directory", "path", dir)
		dir = parentKey(dir)
	}
	return nil
}

func (r *remote) Close() error {
	r.cache.purge()
	if err := r.conn.close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
