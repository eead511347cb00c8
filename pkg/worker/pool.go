// Package worker executes mirror jobs from a queue.
//
// A pool runs a fixed number of workers. With a shared backend every worker
// uses the same handle; with an OpenFunc each worker owns its own handle
// and reopens it after the connection was lost. Jobs touching the same
// mirror key never run at the same time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/paulschiretz/pgl-mirror/pkg/backend"
	"github.com/paulschiretz/pgl-mirror/pkg/job"
	"github.com/paulschiretz/pgl-mirror/pkg/jobqueue"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/mirrorpath"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// lockStripes is the number of per-key lock stripes.
const lockStripes = 256

// OpenFunc opens a new backend handle owned by one worker.
type OpenFunc func(ctx context.Context) (backend.Backend, error)

// Config configures a Pool. Exactly one of Shared and Open must be set.
type Config struct {
	Threads int
	DryRun  bool
	Shared  backend.Backend
	Open    OpenFunc
	Metrics metrics.Metrics

	// DisplayBase shortens source paths in the COMPRESS log; see mirrorpath.Display.
	DisplayBase string
}

// Pool is a fixed set of workers draining one job queue.
type Pool struct {
	queue   *jobqueue.Queue
	threads int
	dryRun  bool
	shared  backend.Backend
	open    OpenFunc
	metrics metrics.Metrics
	locks   *sharded.KeyedMutex
	display string

	wg      sync.WaitGroup
	workers []*worker
}

// worker holds the backend handle of one worker goroutine.
type worker struct {
	id    int
	b     backend.Backend
	owned bool
}

// New creates a pool for q. Workers run after Start.
func New(q *jobqueue.Queue, cfg Config) (*Pool, error) {
	if (cfg.Shared == nil) == (cfg.Open == nil) {
		return nil, errors.New("worker pool needs either a shared backend or an open function")
	}
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}
	m := cfg.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Pool{
		queue:   q,
		threads: threads,
		dryRun:  cfg.DryRun,
		shared:  cfg.Shared,
		open:    cfg.Open,
		metrics: m,
		locks:   sharded.NewKeyedMutex(lockStripes),
		display: cfg.DisplayBase,
	}, nil
}

// Start opens the per-worker handles and starts the workers. Handles are
// opened before any worker runs so a bad destination fails the start. ctx
// should not be the interrupt context: in-flight jobs are never cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.workers = make([]*worker, p.threads)
	for i := range p.workers {
		w := &worker{id: i + 1, b: p.shared}
		if p.open != nil && !p.dryRun {
			b, err := p.open(ctx)
			if err != nil {
				p.closeWorkers()
				return fmt.Errorf("worker %d failed to connect: %w", w.id, err)
			}
			w.b, w.owned = b, true
		}
		p.workers[i] = w
	}

	plog.Debug("Starting workers", "threads", p.threads, "dry_run", p.dryRun)
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.loop(ctx, w)
	}
	return nil
}

// Wait blocks until every worker has exited, which happens once the queue
// is closed and drained, and then closes the handles the workers owned.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.closeWorkers()
}

func (p *Pool) closeWorkers() {
	for _, w := range p.workers {
		if w != nil && w.owned && w.b != nil {
			if err := w.b.Close(); err != nil {
				plog.Debug("Failed to close worker backend", "worker", w.id, "error", err)
			}
			w.b = nil
		}
	}
}

func (p *Pool) loop(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		j, ok := p.queue.Pop()
		if !ok {
			return
		}
		if err := p.execute(ctx, w, j); err != nil {
			p.metrics.AddJobsFailed(1)
			plog.Warn("Job failed", append([]any{"kind", j.Kind(), "worker", w.id, "error", err}, job.LogArgs(j)...)...)
			if errors.Is(err, backend.ErrConnectionLost) {
				p.reconnect(ctx, w)
			}
		}
		p.queue.Done()
	}
}

// reconnect replaces a dead handle. On failure the worker stays without a
// handle and retries on its next job.
func (p *Pool) reconnect(ctx context.Context, w *worker) {
	if !w.owned {
		return
	}
	if w.b != nil {
		w.b.Close()
		w.b = nil
	}
	b, err := p.open(ctx)
	if err != nil {
		plog.Warn("Reconnect failed", "worker", w.id, "error", err)
		return
	}
	plog.Info("Worker reconnected", "worker", w.id)
	w.b = b
}

func (p *Pool) execute(ctx context.Context, w *worker, j job.Job) error {
	if p.dryRun {
		plog.Notice("[DRY RUN] "+string(j.Kind()), job.LogArgs(j)...)
		return nil
	}

	unlock := p.locks.Lock(j.Keys()...)
	defer unlock()

	if w.b == nil {
		b, err := p.open(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", backend.ErrConnectionLost, err)
		}
		w.b = b
	}

	switch j := j.(type) {
	case job.Compress:
		return p.compress(ctx, w.b, j)
	case job.Delete:
		if err := w.b.Delete(ctx, j.Path); err != nil {
			return err
		}
		p.metrics.AddJobsDeleted(1)
		plog.Notice("DELETE", job.LogArgs(j)...)
		return nil
	case job.Move:
		if err := w.b.Rename(ctx, j.From, j.To); err != nil {
			return err
		}
		p.metrics.AddJobsMoved(1)
		plog.Notice("MOVE", job.LogArgs(j)...)
		return nil
	default:
		return fmt.Errorf("unknown job type %T", j)
	}
}

func (p *Pool) compress(ctx context.Context, b backend.Backend, j job.Compress) error {
	f, err := os.Open(j.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Removed again before we got to it; its own event handles the mirror.
			plog.Debug("Source vanished before compression", "source", j.Source)
			return nil
		}
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		plog.Debug("Source is not a regular file, skipping", "source", j.Source)
		return nil
	}

	stats, err := b.StoreCompressed(ctx, f, info.Size(), j.Dest)
	p.metrics.AddBytesRead(stats.BytesRead)
	if err != nil {
		return err
	}
	p.metrics.AddBytesWritten(stats.BytesWritten)
	p.metrics.AddJobsCompressed(1)
	plog.Notice("COMPRESS",
		"source", mirrorpath.Display(p.display, j.Source),
		"dest", j.Dest,
		"size", util.ByteCountIEC(info.Size()),
		"compressed", util.ByteCountIEC(stats.BytesWritten),
	)
	return nil
}
