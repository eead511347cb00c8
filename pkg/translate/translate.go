// Package translate turns filesystem change events into mirror jobs.
//
// The translator never touches the mirror. Whether a path to delete or move
// still exists there is the worker's concern: both operations are no-ops
// on missing paths.
package translate

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/job"
	"github.com/paulschiretz/pgl-mirror/pkg/jobqueue"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/mirrorpath"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// Translator turns watch events into mirror jobs.
type Translator struct {
	mapper  *mirrorpath.Mapper
	filter  *mirrorpath.Filter
	roots   []string // cleaned, longest first
	metrics metrics.Metrics
}

// New creates a translator for the given source roots.
func New(mapper *mirrorpath.Mapper, filter *mirrorpath.Filter, roots []string, m metrics.Metrics) *Translator {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		cleaned = append(cleaned, filepath.Clean(r))
	}
	// Nested roots resolve to the innermost one.
	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Translator{mapper: mapper, filter: filter, roots: cleaned, metrics: m}
}

// Run translates events until the channel closes or ctx is cancelled and
// pushes the resulting jobs. Pushing never blocks.
func (t *Translator) Run(ctx context.Context, events <-chan watch.Event, q *jobqueue.Queue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			t.metrics.AddEventsReceived(1)
			for _, j := range t.Translate(e) {
				if err := q.Push(j); err != nil {
					return err
				}
			}
		}
	}
}

// Translate returns the jobs for one event, possibly none.
func (t *Translator) Translate(e watch.Event) []job.Job {
	root, ok := t.rootOf(e.Path)
	if !ok {
		plog.Debug("Event outside watched roots, dropping", "kind", e.Kind, "path", e.Path)
		return nil
	}

	switch e.Kind {
	case watch.CloseWrite:
		if e.IsDir {
			return nil
		}
		return t.compress(root, e.Path)

	case watch.Delete, watch.MovedFrom:
		if e.IsDir {
			return t.deleteDir(root, e.Path)
		}
		return t.deleteFile(root, e.Path)

	case watch.MovedTo:
		if e.SourcePath == "" {
			// Moved in from outside. Directory contents arrive as CloseWrite
			// from the watch source.
			if e.IsDir {
				return nil
			}
			return t.compress(root, e.Path)
		}
		oldRoot, ok := t.rootOf(e.SourcePath)
		if !ok {
			if e.IsDir {
				return t.compressTree(root, e.Path)
			}
			return t.compress(root, e.Path)
		}
		if e.IsDir {
			return t.moveDir(oldRoot, e.SourcePath, root, e.Path)
		}
		return t.moveFile(oldRoot, e.SourcePath, root, e.Path)

	default:
		plog.Debug("Unknown event kind, dropping", "kind", e.Kind, "path", e.Path)
		return nil
	}
}

func (t *Translator) rootOf(p string) (string, bool) {
	p = filepath.Clean(p)
	for _, r := range t.roots {
		if p == r || strings.HasPrefix(p, r+string(filepath.Separator)) {
			return r, true
		}
	}
	return "", false
}

// tracked applies the extension and ignore lists together with the
// directory exclusions, exactly as the scanner does.
func (t *Translator) tracked(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return t.filter.Tracked(rel) && !t.filter.InExcludedDir(rel)
}

// dirIncluded reports whether a directory may have mirror contents.
func (t *Translator) dirIncluded(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !t.filter.ExcludedDir(rel) && !t.filter.InExcludedDir(rel)
}

func (t *Translator) fileKey(root, p string) (string, bool) {
	key, err := t.mapper.ToMirrorPath(root, p)
	if err != nil {
		plog.Debug("Cannot map source file", "path", p, "error", err)
		return "", false
	}
	return key, true
}

func (t *Translator) dirKey(root, dir string) (string, bool) {
	key, err := t.mapper.ToMirrorDir(root, dir)
	if err != nil {
		plog.Debug("Cannot map source directory", "path", dir, "error", err)
		return "", false
	}
	return key, true
}

func (t *Translator) compress(root, p string) []job.Job {
	if !t.tracked(root, p) {
		return nil
	}
	key, ok := t.fileKey(root, p)
	if !ok {
		return nil
	}
	return []job.Job{job.Compress{Source: p, Dest: key}}
}

func (t *Translator) deleteFile(root, p string) []job.Job {
	if !t.tracked(root, p) {
		return nil
	}
	key, ok := t.fileKey(root, p)
	if !ok {
		return nil
	}
	return []job.Job{job.Delete{Path: key}}
}

func (t *Translator) deleteDir(root, dir string) []job.Job {
	if !t.dirIncluded(root, dir) {
		return nil
	}
	key, ok := t.dirKey(root, dir)
	if !ok {
		return nil
	}
	return []job.Job{job.Delete{Path: key, Dir: true}}
}

// compressTree emits a Compress for every tracked file below dir, in
// lexicographic order.
func (t *Translator) compressTree(root, dir string) []job.Job {
	if !t.dirIncluded(root, dir) {
		return nil
	}
	var jobs []job.Job
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			plog.Debug("Cannot read moved directory", "path", p, "error", err)
			return nil
		}
		if d.IsDir() {
			if p != dir && !t.dirIncluded(root, p) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			jobs = append(jobs, t.compress(root, p)...)
		}
		return nil
	})
	return jobs
}

func (t *Translator) moveFile(oldRoot, oldPath, newRoot, newPath string) []job.Job {
	trackedOld := t.tracked(oldRoot, oldPath)
	trackedNew := t.tracked(newRoot, newPath)

	if oldRoot != newRoot {
		// Mirror keys of different roots live under different top-level
		// names: drop the old entry and compress the new one.
		return append(t.deleteFile(oldRoot, oldPath), t.compress(newRoot, newPath)...)
	}

	switch {
	case !trackedOld && !trackedNew:
		return nil
	case !trackedOld && trackedNew:
		return t.compress(newRoot, newPath)
	case trackedOld && !trackedNew:
		return t.deleteFile(oldRoot, oldPath)
	default:
		from, ok1 := t.fileKey(oldRoot, oldPath)
		to, ok2 := t.fileKey(newRoot, newPath)
		if !ok1 || !ok2 {
			return nil
		}
		return []job.Job{job.Move{From: from, To: to}}
	}
}

func (t *Translator) moveDir(oldRoot, oldDir, newRoot, newDir string) []job.Job {
	oldIncluded := t.dirIncluded(oldRoot, oldDir)
	newIncluded := t.dirIncluded(newRoot, newDir)

	if oldRoot != newRoot || oldIncluded != newIncluded {
		return append(t.deleteDir(oldRoot, oldDir), t.compressTree(newRoot, newDir)...)
	}
	if !oldIncluded {
		return nil
	}
	// Directory renames are mirrored regardless of the file filters.
	from, ok1 := t.dirKey(oldRoot, oldDir)
	to, ok2 := t.dirKey(newRoot, newDir)
	if !ok1 || !ok2 {
		return nil
	}
	return []job.Job{job.Move{From: from, To: to}}
}
