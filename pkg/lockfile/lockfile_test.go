package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeOwner(t *testing.T, path string, owner Owner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("failed to marshal lock content: %v", err)
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write lock file: %v", err)
	}
}

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, "test-app", []string{"/srv/cstrike"})
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}

	owner, err := read(lockPath)
	if err != nil {
		t.Fatalf("lock file not readable after acquiring lock: %v", err)
	}
	if owner.PID != int64(os.Getpid()) || owner.AppID != "test-app" {
		t.Errorf("unexpected lock owner %+v", owner)
	}
	if len(owner.Sources) != 1 || owner.Sources[0] != "/srv/cstrike" {
		t.Errorf("expected sources in lock file, got %v", owner.Sources)
	}

	lock.Release()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}
}

// TestContention ensures that a second process cannot acquire an active lock.
func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "app-1", []string{"/srv/tf"})
	if err != nil {
		t.Fatalf("Process 1 failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, "app-2", nil)
	if !errors.Is(err, ErrLockActive) {
		t.Fatalf("expected ErrLockActive, but got %v", err)
	}
	var active *ActiveError
	if !errors.As(err, &active) {
		t.Fatalf("expected error of type *ActiveError, but got %T: %v", err, err)
	}
	if active.Owner.AppID != "app-1" {
		t.Errorf("expected lock error to report AppID 'app-1', but got '%s'", active.Owner.AppID)
	}
}

// TestStaleLockTakeover verifies that a lock without heartbeat is taken over.
func TestStaleLockTakeover(t *testing.T) {
	testCases := []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{"Stale heartbeat", func(t *testing.T, path string) {
			writeOwner(t, path, Owner{
				PID:        12345, // A fake PID from a "dead" process
				Hostname:   "stale-host",
				AppID:      "stale-app",
				LastUpdate: time.Now().Add(-(staleTimeout + time.Minute)),
				Nonce:      "stale-nonce",
			})
		}},
		{"Corrupt file", func(t *testing.T, path string) {
			if err := os.WriteFile(path, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
				t.Fatal(err)
			}
		}},
		{"Empty file", func(t *testing.T, path string) {
			if err := os.WriteFile(path, nil, util.UserWritableFilePerms); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			lockPath := filepath.Join(dir, LockFileName)
			tc.write(t, lockPath)

			lock, err := Acquire(context.Background(), dir, "new-app", nil)
			if err != nil {
				t.Fatalf("failed to take over lock: %v", err)
			}
			defer lock.Release()

			owner, err := read(lockPath)
			if err != nil {
				t.Fatalf("failed to read lock after takeover: %v", err)
			}
			if owner.AppID != "new-app" {
				t.Errorf("expected new lock to have AppID 'new-app', but got '%s'", owner.AppID)
			}
		})
	}
}

// TestHeartbeatEffect ensures an active lock with a heartbeat is not considered stale.
func TestHeartbeatEffect(t *testing.T) {
	originalHeartbeat := heartbeatInterval
	originalStale := staleTimeout
	heartbeatInterval = 50 * time.Millisecond
	staleTimeout = 3 * heartbeatInterval
	t.Cleanup(func() {
		heartbeatInterval = originalHeartbeat
		staleTimeout = originalStale
	})

	dir := t.TempDir()
	lock1, err := Acquire(context.Background(), dir, "app-1", nil)
	if err != nil {
		t.Fatalf("failed to acquire initial lock: %v", err)
	}
	defer lock1.Release()

	// Longer than the stale timeout: only the heartbeat keeps the lock fresh.
	time.Sleep(staleTimeout + heartbeatInterval)

	if _, err := Acquire(context.Background(), dir, "app-2", nil); !errors.Is(err, ErrLockActive) {
		t.Fatalf("expected ErrLockActive, but got %v", err)
	}
}

// TestReleaseIdempotency verifies that calling Release multiple times is safe.
func TestReleaseIdempotency(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(context.Background(), dir, "test-app", nil)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	lock.Release()
	lock.Release()

	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Fatal("lock file still exists after multiple releases")
	}

	// The mirror can be locked again afterwards.
	lock2, err := Acquire(context.Background(), dir, "test-app", nil)
	if err != nil {
		t.Fatalf("failed to re-acquire released lock: %v", err)
	}
	lock2.Release()
}

func TestAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), "test-app", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireMissingDirectory(t *testing.T) {
	_, err := Acquire(context.Background(), filepath.Join(t.TempDir(), "missing"), "test-app", nil)
	if err == nil || errors.Is(err, ErrLockActive) {
		t.Errorf("expected a filesystem error, got %v", err)
	}
}

// TestRead tests the retry logic for reading a lock file.
func TestRead(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	t.Run("Reads valid file", func(t *testing.T) {
		writeOwner(t, lockPath, Owner{PID: 1, AppID: "valid", Nonce: "abc"})
		owner, err := read(lockPath)
		if err != nil {
			t.Fatalf("failed to read valid content: %v", err)
		}
		if owner.AppID != "valid" {
			t.Errorf("expected AppID 'valid', got '%s'", owner.AppID)
		}
	})

	t.Run("Fails on persistently empty file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte{}, util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to write empty file: %v", err)
		}
		if _, err := read(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Fails on persistently corrupt file", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("{corrupt"), util.UserWritableFilePerms); err != nil {
			t.Fatalf("failed to write corrupt file: %v", err)
		}
		if _, err := read(lockPath); !errors.Is(err, ErrCorruptLockFile) {
			t.Errorf("expected ErrCorruptLockFile, got: %v", err)
		}
	})

	t.Run("Missing file is not corrupt", func(t *testing.T) {
		_, err := read(filepath.Join(t.TempDir(), "absent.lock"))
		if !os.IsNotExist(err) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})
}

func TestRemoveLeftoverTemps(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")

	oldTempPath := filepath.Join(dir, "test.lock.123.tmp")
	if err := os.WriteFile(oldTempPath, []byte("old"), 0644); err != nil {
		t.Fatalf("failed to create old temp file: %v", err)
	}
	oldTime := time.Now().Add(-(staleTimeout + time.Minute))
	if err := os.Chtimes(oldTempPath, oldTime, oldTime); err != nil {
		t.Fatalf("failed to set mod time on old temp file: %v", err)
	}

	newTempPath := filepath.Join(dir, "test.lock.456.tmp")
	if err := os.WriteFile(newTempPath, []byte("new"), 0644); err != nil {
		t.Fatalf("failed to create new temp file: %v", err)
	}

	removeLeftoverTemps(lockPath)

	if _, err := os.Stat(oldTempPath); !os.IsNotExist(err) {
		t.Error("expected old temporary file to be deleted, but it still exists")
	}
	if _, err := os.Stat(newTempPath); err != nil {
		t.Errorf("expected new temporary file to be kept: %v", err)
	}
}
