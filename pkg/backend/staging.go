package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-mirror/pkg/limiter"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

// maxRetainedStagingBuffer caps the buffers kept for reuse.
const maxRetainedStagingBuffer = 8 * 1024 * 1024

// Staging compresses a source completely before a remote upload starts, so
// a slow or failing source read never leaves a partial file on the server.
// Payloads go to memory while the shared budget allows and to a temp file
// otherwise.
type Staging struct {
	budget  *limiter.Memory
	buffers *pool.StagingBufferPool
	tempDir string
}

// NewStaging creates a stager with an in-memory budget of budget bytes.
// tempDir "" uses the OS default.
func NewStaging(budget int64, tempDir string) *Staging {
	return &Staging{
		budget:  limiter.NewMemory(budget),
		buffers: pool.NewStagingBufferPool(maxRetainedStagingBuffer),
		tempDir: tempDir,
	}
}

// staged is a compressed payload ready for upload.
type staged struct {
	r       io.Reader
	size    int64
	stats   transcode.Stats
	release func()
}

// rewind moves the payload back to its start for another upload attempt.
func (s *staged) rewind() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return errors.New("staged payload cannot be rewound")
	}
	_, err := seeker.Seek(0, io.SeekStart)
	return err
}

// reservation estimates the in-memory footprint of a compressed payload.
// Incompressible input grows slightly, so a margin is added.
func reservation(size int64) int64 {
	if size < 0 {
		return -1
	}
	return size + size/100 + 4096
}

func (s *Staging) stage(tc *transcode.Transcoder, src io.Reader, size int64) (*staged, error) {
	if n := reservation(size); n > 0 && s.budget.TryAcquire(n) {
		buf := s.buffers.Get()
		stats, err := tc.Compress(buf, src)
		if err != nil {
			s.buffers.Put(buf)
			s.budget.Release(n)
			return nil, err
		}
		return &staged{
			r:     bytes.NewReader(buf.Bytes()),
			size:  int64(buf.Len()),
			stats: stats,
			release: func() {
				s.buffers.Put(buf)
				s.budget.Release(n)
			},
		}, nil
	}
	return s.stageFile(tc, src)
}

func (s *Staging) stageFile(tc *transcode.Transcoder, src io.Reader) (*staged, error) {
	f, err := os.CreateTemp(s.tempDir, "pgl-mirror-stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	stats, err := tc.Compress(f, src)
	if err != nil {
		cleanup()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to rewind staging file: %w", err)
	}
	return &staged{r: f, size: stats.BytesWritten, stats: stats, release: cleanup}, nil
}
