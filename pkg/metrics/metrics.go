// Package metrics counts what the mirror engine did.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting mirror statistics.
type Metrics interface {
	AddJobsCompressed(n int64)
	AddJobsDeleted(n int64)
	AddJobsMoved(n int64)
	AddJobsFailed(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddFilesScanned(n int64)
	AddFilesUpToDate(n int64)
	AddEventsReceived(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters of a mirror run.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	JobsCompressed atomic.Int64
	JobsDeleted    atomic.Int64
	JobsMoved      atomic.Int64
	JobsFailed     atomic.Int64
	BytesRead      atomic.Int64
	BytesWritten   atomic.Int64
	FilesScanned   atomic.Int64
	FilesUpToDate  atomic.Int64
	EventsReceived atomic.Int64

	mu        sync.Mutex
	stopChan  chan struct{}
	doneChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddJobsCompressed(n int64) { m.JobsCompressed.Add(n) }
func (m *MirrorMetrics) AddJobsDeleted(n int64)    { m.JobsDeleted.Add(n) }
func (m *MirrorMetrics) AddJobsMoved(n int64)      { m.JobsMoved.Add(n) }
func (m *MirrorMetrics) AddJobsFailed(n int64)     { m.JobsFailed.Add(n) }
func (m *MirrorMetrics) AddBytesRead(n int64)      { m.BytesRead.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)   { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddFilesScanned(n int64)   { m.FilesScanned.Add(n) }
func (m *MirrorMetrics) AddFilesUpToDate(n int64)  { m.FilesUpToDate.Add(n) }
func (m *MirrorMetrics) AddEventsReceived(n int64) { m.EventsReceived.Add(n) }

// StartProgress logs a summary every interval until StopProgress. The
// engine runs indefinitely while watching, so it restarts the clock only
// on the first call.
func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startTime.IsZero() {
		m.startTime = time.Now()
	}
	if m.stopChan != nil || interval <= 0 {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops the ticker and waits for a summary in flight.
func (m *MirrorMetrics) StopProgress() {
	m.mu.Lock()
	stop, done := m.stopChan, m.doneChan
	m.stopChan, m.doneChan = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// LogSummary prints the counters with a custom message.
func (m *MirrorMetrics) LogSummary(msg string) {
	m.mu.Lock()
	startTime := m.startTime
	m.mu.Unlock()

	duration := time.Duration(0)
	if !startTime.IsZero() {
		duration = time.Since(startTime)
	}

	plog.Info(msg,
		"events_received", m.EventsReceived.Load(),
		"files_scanned", m.FilesScanned.Load(),
		"files_uptodate", m.FilesUpToDate.Load(),
		"jobs_compressed", m.JobsCompressed.Load(),
		"jobs_deleted", m.JobsDeleted.Load(),
		"jobs_moved", m.JobsMoved.Load(),
		"jobs_failed", m.JobsFailed.Load(),
		"bytes_read", util.ByteCountIEC(m.BytesRead.Load()),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddJobsCompressed(n int64)                        {}
func (m *NoopMetrics) AddJobsDeleted(n int64)                           {}
func (m *NoopMetrics) AddJobsMoved(n int64)                             {}
func (m *NoopMetrics) AddJobsFailed(n int64)                            {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddFilesScanned(n int64)                          {}
func (m *NoopMetrics) AddFilesUpToDate(n int64)                         {}
func (m *NoopMetrics) AddEventsReceived(n int64)                        {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
