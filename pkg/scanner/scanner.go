// Package scanner reconciles the mirror with the source trees.
//
// Existence is the only consistency signal: a forward pass compresses
// tracked files that have no mirror entry, a reverse pass deletes mirror
// entries whose source file is gone from every root.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/backend"
	"github.com/paulschiretz/pgl-mirror/pkg/job"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/mirrorpath"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Pusher accepts jobs. jobqueue.Queue implements it.
type Pusher interface {
	Push(j job.Job) error
}

// Scanner reconciles the mirror with the source roots.
type Scanner struct {
	mapper  *mirrorpath.Mapper
	filter  *mirrorpath.Filter
	roots   []string
	metrics metrics.Metrics
}

// New creates a scanner for the given source roots.
func New(mapper *mirrorpath.Mapper, filter *mirrorpath.Filter, roots []string, m metrics.Metrics) *Scanner {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		cleaned = append(cleaned, filepath.Clean(r))
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Scanner{mapper: mapper, filter: filter, roots: cleaned, metrics: m}
}

// Forward walks every root depth-first in lexicographic order and pushes a
// Compress for each tracked file missing from the mirror. It returns the
// number of jobs pushed.
func (s *Scanner) Forward(ctx context.Context, b backend.Backend, q Pusher) (int, error) {
	pushed := 0
	for _, root := range s.roots {
		n, err := s.forwardRoot(ctx, root, b, q)
		pushed += n
		if err != nil {
			return pushed, err
		}
	}
	return pushed, nil
}

func (s *Scanner) forwardRoot(ctx context.Context, root string, b backend.Backend, q Pusher) (int, error) {
	pushed := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			plog.Warn("Error accessing path, skipping", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if rel != "." && s.filter.ExcludedDir(rel) {
				plog.Debug("SKIPDIR", "reason", "excluded by pattern", "dir", rel)
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.filter.Tracked(rel) {
			return nil
		}
		s.metrics.AddFilesScanned(1)

		key, err := s.mapper.ToMirrorPath(root, p)
		if err != nil {
			plog.Warn("Cannot map source file, skipping", "path", p, "error", err)
			return nil
		}
		exists, err := b.FileExists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", key, err)
		}
		if exists {
			s.metrics.AddFilesUpToDate(1)
			return nil
		}
		if err := q.Push(job.Compress{Source: p, Dest: key}); err != nil {
			return err
		}
		pushed++
		return nil
	})
	if err != nil {
		return pushed, fmt.Errorf("forward scan of %s failed: %w", root, err)
	}
	return pushed, nil
}

// Reverse walks the mirror and pushes a Delete for every mirrored file
// whose source is not a regular file in any root. Keys without the mirror
// suffix are left alone. It returns the number of jobs pushed.
func (s *Scanner) Reverse(ctx context.Context, b backend.Backend, q Pusher) (int, error) {
	pushed := 0
	err := b.Walk(ctx, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.mapper.HasSuffix(key) {
			return nil
		}
		s.metrics.AddFilesScanned(1)
		if s.sourceExists(key) {
			s.metrics.AddFilesUpToDate(1)
			return nil
		}
		if err := q.Push(job.Delete{Path: key}); err != nil {
			return err
		}
		pushed++
		return nil
	})
	if err != nil {
		return pushed, fmt.Errorf("reverse scan failed: %w", err)
	}
	return pushed, nil
}

func (s *Scanner) sourceExists(key string) bool {
	for _, root := range s.roots {
		src, err := s.mapper.ToSourcePath(root, key)
		if err != nil {
			continue
		}
		if info, err := os.Stat(src); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}
