// Package jobqueue is an unbounded multi-producer multi-consumer FIFO of
// jobs with drain accounting: every pushed job must be acknowledged with
// Done, and Wait blocks until all of them are.
package jobqueue

import (
	"errors"
	"sync"

	"github.com/paulschiretz/pgl-mirror/pkg/job"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("job queue is closed")

// Queue is an unbounded FIFO of jobs with completion tracking.
type Queue struct {
	mu      sync.Mutex
	ready   *sync.Cond // signalled when items arrive or the queue closes
	drained *sync.Cond // signalled when pending reaches zero

	items   []job.Job
	head    int
	pending int // pushed but not yet acknowledged
	closed  bool
}

// New returns an empty open queue.
func New() *Queue {
	q := &Queue{}
	q.ready = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Push appends j. It never blocks.
func (q *Queue) Push(j job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, j)
	q.pending++
	q.ready.Signal()
	return nil
}

// Pop blocks until a job is available. It returns false once the queue is
// closed and empty.
func (q *Queue) Pop() (job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && !q.closed {
		q.ready.Wait()
	}
	if q.head == len(q.items) {
		return nil, false
	}
	j := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return j, true
}

// Done acknowledges one popped job.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		panic("jobqueue: Done called more times than jobs were pushed")
	}
	q.pending--
	if q.pending == 0 {
		q.drained.Broadcast()
	}
}

// Wait blocks until every pushed job has been acknowledged.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.drained.Wait()
	}
}

// Close rejects further pushes and wakes blocked consumers. Jobs already
// queued are still handed out by Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready.Broadcast()
}

// Len returns the number of queued jobs not yet popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Pending returns the number of pushed jobs not yet acknowledged.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
