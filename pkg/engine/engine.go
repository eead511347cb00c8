// Package engine runs the mirror: it checks the paths, locks a local mirror,
// reconciles the mirror with the sources and then keeps it current from
// filesystem events until interrupted.
//
// Shutdown is a drain, not an abort. Cancelling the context passed to
// Execute stops the watch source and the rescans; jobs already queued are
// still executed before Execute returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-mirror/pkg/backend"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/jobqueue"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/mirrorpath"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/scanner"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
	"github.com/paulschiretz/pgl-mirror/pkg/translate"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
	"github.com/paulschiretz/pgl-mirror/pkg/worker"
)

// ErrSourceStopped is returned when the watch source ends its event stream
// while the engine is still running.
var ErrSourceStopped = errors.New("watch source stopped unexpectedly")

// Engine orchestrates a mirror run.
type Engine struct {
	cfg     config.Config
	dest    backend.Destination
	mapper  *mirrorpath.Mapper
	filter  *mirrorpath.Filter
	metrics metrics.Metrics
	opts    backend.Options

	// Replaced in tests.
	open      worker.OpenFunc
	newSource func(w watch.Watcher) (watch.Source, error)
}

// New prepares an engine for a validated configuration. It fails on an
// unsupported destination scheme without touching the network.
func New(cfg config.Config) (*Engine, error) {
	dest, err := backend.ParseDestination(cfg.Destination)
	if err != nil {
		return nil, err
	}
	if dest.Scheme == backend.SchemeLocal {
		expanded, err := util.ExpandPath(dest.Path)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("could not determine absolute path for target %s: %w", dest.Path, err)
		}
		dest.Path = abs
	}

	mapper, err := mirrorpath.New(cfg.Suffix())
	if err != nil {
		return nil, err
	}
	filter := mirrorpath.NewFilter(cfg.Filter.Extensions, cfg.Filter.IgnoreNames(), cfg.Filter.ExcludeDirs)

	perf := cfg.Engine.Performance
	tc := transcode.New(cfg.Compression.Codec, cfg.Compression.Level, int64(perf.BufferSizeKB)<<10)

	var m metrics.Metrics
	if cfg.Engine.Metrics {
		m = &metrics.MirrorMetrics{}
	} else {
		m = &metrics.NoopMetrics{}
	}

	e := &Engine{
		cfg:     cfg,
		dest:    dest,
		mapper:  mapper,
		filter:  filter,
		metrics: m,
		opts: backend.Options{
			User:             cfg.Remote.User,
			Password:         cfg.Remote.Password,
			Timeout:          cfg.Remote.Timeout(),
			KnownHostsFile:   cfg.Remote.KnownHostsFile,
			InsecureHostKey:  cfg.Remote.InsecureHostKey,
			S3Endpoint:       cfg.Remote.S3.Endpoint,
			S3Region:         cfg.Remote.S3.Region,
			S3Secure:         cfg.Remote.S3.Secure,
			ListingCacheSize: perf.ListingCacheSize,
			Transcoder:       tc,
			Staging:          backend.NewStaging(int64(perf.StagingMemoryMB)<<20, ""),
		},
		newSource: watch.New,
	}
	e.open = func(ctx context.Context) (backend.Backend, error) {
		return backend.Open(ctx, e.dest, e.opts)
	}
	return e, nil
}

// localTarget returns the mirror directory for a local destination, "" otherwise.
func (e *Engine) localTarget() string {
	if e.dest.Scheme == backend.SchemeLocal {
		return e.dest.Path
	}
	return ""
}

// Execute runs the engine until the work of the selected mode is done or,
// in watch mode, until ctx is cancelled. An interrupt is a graceful shutdown
// and returns nil.
func (e *Engine) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := e.localTarget()
	plan := preflight.Plan{
		SourcesAccessible: true,
		RootsDisjoint:     true,
		TargetAccessible:  true,
		TargetWritable:    !e.cfg.Runtime.DryRun,
	}
	if err := preflight.Run(plan, e.cfg.Sources, target); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	if target != "" && !e.cfg.Runtime.DryRun {
		release, err := e.acquireTargetLock(ctx, target)
		if err != nil {
			return err
		}
		defer release()
	}

	if e.cfg.Engine.Metrics {
		interval := time.Duration(e.cfg.Engine.ProgressIntervalSeconds) * time.Second
		e.metrics.StartProgress("Mirror progress", interval)
		defer func() {
			e.metrics.StopProgress()
			e.metrics.LogSummary("Mirror finished")
		}()
	}

	// The scanner always reads the real mirror, also in dry-run mode.
	scanB, err := e.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open mirror %s: %w", e.dest, err)
	}
	scanOpen := true
	closeScan := func() {
		if scanOpen {
			scanOpen = false
			if err := scanB.Close(); err != nil {
				plog.Debug("Failed to close scan backend", "error", err)
			}
		}
	}
	defer closeScan()

	q := jobqueue.New()
	poolCfg := worker.Config{
		Threads:     e.cfg.Engine.Performance.Threads,
		DryRun:      e.cfg.Runtime.DryRun,
		Metrics:     e.metrics,
		DisplayBase: displayBase(e.cfg.Sources),
	}
	if e.dest.Remote() {
		poolCfg.Open = e.open
	} else {
		poolCfg.Shared = scanB
	}
	pool, err := worker.New(q, poolCfg)
	if err != nil {
		return err
	}
	// In-flight and queued jobs outlive the interrupt.
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	drain := func() {
		q.Close()
		plog.Debug("Draining job queue", "pending", q.Pending())
		pool.Wait()
	}

	sc := scanner.New(e.mapper, e.filter, e.cfg.Sources, e.metrics)

	plog.Info("Starting mirror", "sources", e.cfg.Sources, "destination", e.dest, "mode", e.mode())

	switch {
	case e.cfg.Runtime.Reverse:
		n, err := sc.Reverse(ctx, scanB, q)
		drain()
		if err != nil && !isInterrupt(ctx, err) {
			return fmt.Errorf("reverse scan failed: %w", err)
		}
		plog.Info("Reverse reconciliation completed", "orphans", n)
		return nil

	case e.cfg.Runtime.Once:
		n, err := sc.Forward(ctx, scanB, q)
		drain()
		if err != nil && !isInterrupt(ctx, err) {
			return fmt.Errorf("forward scan failed: %w", err)
		}
		plog.Info("Reconciliation completed", "jobs", n)
		return nil
	}

	err = e.watch(ctx, sc, scanB, closeScan, q)
	drain()
	if err != nil {
		return err
	}
	plog.Info("Mirror stopped")
	return nil
}

// watch arms the watch source, reconciles once and then translates events
// until ctx is cancelled. The source is armed before the scan so no change
// made during the scan is lost.
func (e *Engine) watch(ctx context.Context, sc *scanner.Scanner, scanB backend.Backend, closeScan func(), q *jobqueue.Queue) error {
	src, err := e.newSource(e.cfg.Engine.Watcher)
	if err != nil {
		return fmt.Errorf("failed to start %s watcher: %w", e.cfg.Engine.Watcher, err)
	}
	for _, root := range e.cfg.Sources {
		if err := src.Add(root); err != nil {
			src.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		plog.Debug("Watching source root", "root", root)
	}

	n, err := sc.Forward(ctx, scanB, q)
	if err != nil {
		src.Close()
		if isInterrupt(ctx, err) {
			return nil
		}
		return fmt.Errorf("forward scan failed: %w", err)
	}
	plog.Info("Initial reconciliation completed", "jobs", n)
	if e.dest.Remote() {
		// Workers hold their own connections; an idle one would only time out.
		closeScan()
	}

	tr := translate.New(e.mapper, e.filter, e.cfg.Sources, e.metrics)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := tr.Run(gctx, src.Events(), q)
		if err == nil && gctx.Err() == nil {
			return ErrSourceStopped
		}
		return err
	})
	if schedule := e.cfg.Engine.RescanSchedule; schedule != "" {
		g.Go(func() error {
			return sc.RunPeriodic(gctx, schedule, e.open, q)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if err := src.Close(); err != nil {
			plog.Warn("Failed to close watch source", "error", err)
		}
		return nil
	})

	plog.Info("Watching for changes", "watcher", e.cfg.Engine.Watcher, "roots", len(e.cfg.Sources))
	err = g.Wait()
	if err != nil && !isInterrupt(ctx, err) {
		return err
	}
	return nil
}

// acquireTargetLock locks the local mirror directory.
// It returns a release function that must be called to unlock the directory.
func (e *Engine) acquireTargetLock(ctx context.Context, target string) (func(), error) {
	appID := fmt.Sprintf("pgl-mirror:%s", target)

	plog.Debug("Attempting to acquire lock", "path", target)
	lock, err := lockfile.Acquire(ctx, target, appID, e.cfg.Sources)
	if err != nil {
		if errors.Is(err, lockfile.ErrLockActive) {
			return nil, fmt.Errorf("another mirror is running for this target: %w", err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")
	return lock.Release, nil
}

func (e *Engine) mode() string {
	switch {
	case e.cfg.Runtime.Reverse:
		return "reverse"
	case e.cfg.Runtime.Once:
		return "once"
	default:
		return "watch"
	}
}

// displayBase is the directory source paths are logged relative to. The
// parents are used so the root names stay visible, matching the mirror keys.
func displayBase(roots []string) string {
	parents := make([]string, len(roots))
	for i, r := range roots {
		parents[i] = filepath.Dir(filepath.Clean(r))
	}
	return mirrorpath.CommonPrefix(parents)
}

// isInterrupt reports whether err is the cancellation of ctx.
func isInterrupt(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}
