// Package lockfile keeps two mirror processes from writing the same local mirror.
//
// The lock is a JSON file in the mirror root, created with O_EXCL and kept
// fresh by a heartbeat. A lock whose heartbeat stopped longer than the stale
// timeout ago belongs to a crashed process and is taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// LockFileName is the name of the lock file created in the mirror root.
// It carries no mirror suffix, so scans never treat it as a mirrored file.
const LockFileName = ".~pgl-mirror.lock"

// Owner describes the process holding the lock.
type Owner struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appID"`
	Sources    []string  `json:"sources,omitempty"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Resolves takeover races
}

// ErrLockActive is matched by errors.Is when the mirror is locked by a live process.
var ErrLockActive = errors.New("mirror is locked by another process")

// ActiveError reports who holds an active lock.
type ActiveError struct {
	Owner Owner
	Age   time.Duration
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("%s: PID %d on host '%s' (App: %s, sources: %s), last updated %s ago",
		ErrLockActive, e.Owner.PID, e.Owner.Hostname, e.Owner.AppID,
		strings.Join(e.Owner.Sources, ", "), e.Age.Truncate(time.Second))
}

func (e *ActiveError) Unwrap() error { return ErrLockActive }

// ErrLostRace is returned when another process wins a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file on disk is empty or not valid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
	// retryDelay separates acquisition attempts and corrupt-read retries.
	retryDelay = 50 * time.Millisecond
)

const maxAttempts = 3

// Lock is a held mirror lock.
type Lock struct {
	path string

	mu    sync.Mutex
	owner Owner
	held  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Acquire takes the lock for the mirror rooted at dir.
// ctx bounds the acquisition attempt only, not the heartbeat.
// It returns an error matching ErrLockActive if a live process holds the lock.
func Acquire(ctx context.Context, dir, appID string, sources []string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(appID, sources)
		if err != nil {
			return nil, err
		}

		err = create(path, owner)
		if err == nil {
			return start(path, owner), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		current, err := read(path)
		switch {
		case errors.Is(err, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", err)
		case os.IsNotExist(err):
			// Released between our create and read.
			continue
		case err != nil:
			plog.Debug("Cannot read lock file, retrying", "path", path, "error", err)
			sleep(ctx, retryDelay)
			continue
		default:
			age := time.Since(current.LastUpdate)
			if age < staleTimeout {
				return nil, &ActiveError{Owner: current, Age: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", current.PID, "host", current.Hostname, "age", age.Truncate(time.Second))
		}

		if err := takeOver(path, owner); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over lock, retrying", "error", err)
			}
			sleep(ctx, retryDelay)
			continue
		}
		return start(path, owner), nil
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts (contention)", path, maxAttempts)
}

func newOwner(appID string, sources []string) (Owner, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Owner{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Owner{}, err
	}
	return Owner{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		AppID:      appID,
		Sources:    sources,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

// create writes the lock file with O_EXCL, so it only succeeds for the first process.
func create(path string, owner Owner) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	if err := encode(f, owner); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// takeOver replaces a stale or corrupt lock atomically and reads it back to check
// that no other process replaced it in the meantime.
func takeOver(path string, owner Owner) error {
	if err := replace(path, owner); err != nil {
		return err
	}
	got, err := read(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if got.PID != owner.PID || got.Nonce != owner.Nonce {
		return ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return nil
}

func start(path string, owner Owner) *Lock {
	removeLeftoverTemps(path)
	l := &Lock{path: path, owner: owner, held: true, stop: make(chan struct{})}
	l.wg.Add(1)
	go l.heartbeat()
	return l
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	close(l.stop)
	l.mu.Unlock()

	// The heartbeat must not rename a fresh lock file over our removal.
	l.wg.Wait()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	defer l.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.owner.LastUpdate = time.Now().UTC()
			owner := l.owner
			l.mu.Unlock()
			if err := replace(l.path, owner); err != nil {
				// Try again next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// replace writes owner to a temp file next to path and renames it over path, so
// readers never see a partially written lock.
func replace(path string, owner Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		// Gone after a successful rename.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmp.Name(), "error", err)
		}
	}()

	if err := encode(tmp, owner); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	// Must close the file before renaming (mandatory on Windows).
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// removeLeftoverTemps deletes temp files of crashed heartbeats. Only files older than
// the stale timeout are removed; younger ones may belong to a live writer.
func removeLeftoverTemps(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()).Truncate(time.Second))
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func encode(w io.Writer, owner Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// read parses the lock file. Empty or invalid content is retried a few times since a
// file system may briefly expose a file that is still being written.
func read(path string) (Owner, error) {
	var lastErr error
	for i := range maxAttempts {
		if i > 0 {
			time.Sleep(retryDelay)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Owner{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
			continue
		}
		var owner Owner
		if lastErr = json.Unmarshal(data, &owner); lastErr == nil {
			return owner, nil
		}
	}
	return Owner{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
