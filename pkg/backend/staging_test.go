package backend

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

func decompressAll(t *testing.T, r io.Reader) string {
	t.Helper()
	zr, err := transcode.NewReader(transcode.Bzip2, r)
	if err != nil {
		t.Fatalf("failed to open decompressor: %v", err)
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("failed to decompress: %v", err)
	}
	return string(b)
}

func countStagingFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read staging dir: %v", err)
	}
	return len(entries)
}

func TestStaging_InMemory(t *testing.T) {
	dir := t.TempDir()
	s := NewStaging(1<<20, dir)
	payload := strings.Repeat("sound/ambient/wind.wav ", 100)

	st, err := s.stage(newTestTranscoder(), strings.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if _, ok := st.r.(*bytes.Reader); !ok {
		t.Errorf("expected an in-memory payload, got %T", st.r)
	}
	if s.budget.Available() == s.budget.Capacity() {
		t.Error("expected budget to be reserved while staged")
	}
	if n := countStagingFiles(t, dir); n != 0 {
		t.Errorf("expected no staging files, found %d", n)
	}
	if got := decompressAll(t, st.r); got != payload {
		t.Error("staged payload does not round trip")
	}
	if st.stats.BytesRead != int64(len(payload)) {
		t.Errorf("BytesRead = %d, want %d", st.stats.BytesRead, len(payload))
	}

	st.release()
	if s.budget.Available() != s.budget.Capacity() {
		t.Errorf("expected full budget after release, have %d of %d", s.budget.Available(), s.budget.Capacity())
	}
}

func TestStaging_FallsBackToFile(t *testing.T) {
	testCases := []struct {
		name   string
		budget int64
		size   int64
	}{
		{name: "Budget exhausted", budget: 16, size: 1000},
		{name: "Staging disabled", budget: 0, size: 1000},
		{name: "Unknown size", budget: 1 << 20, size: -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			s := NewStaging(tc.budget, dir)
			payload := strings.Repeat("x", 1000)

			st, err := s.stage(newTestTranscoder(), strings.NewReader(payload), tc.size)
			if err != nil {
				t.Fatalf("stage failed: %v", err)
			}
			if _, ok := st.r.(*os.File); !ok {
				t.Fatalf("expected a file-backed payload, got %T", st.r)
			}
			if n := countStagingFiles(t, dir); n != 1 {
				t.Errorf("expected 1 staging file, found %d", n)
			}
			if got := decompressAll(t, st.r); got != payload {
				t.Error("staged payload does not round trip")
			}

			st.release()
			if n := countStagingFiles(t, dir); n != 0 {
				t.Errorf("expected staging file to be removed on release, found %d", n)
			}
		})
	}
}

func TestStaging_ReadErrorReleasesBudget(t *testing.T) {
	s := NewStaging(1<<20, t.TempDir())
	if _, err := s.stage(newTestTranscoder(), errReader{}, 100); err == nil {
		t.Fatal("expected an error from a failing source")
	}
	if s.budget.Available() != s.budget.Capacity() {
		t.Error("budget leaked after a failed stage")
	}
}
