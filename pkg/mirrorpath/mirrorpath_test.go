package mirrorpath

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := New(".bz2")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty suffix")
	}
	if _, err := New("x/bz2"); err == nil {
		t.Error("expected error for suffix containing a separator")
	}
}

func TestToMirrorPath(t *testing.T) {
	m := newTestMapper(t)
	root := filepath.FromSlash("/srv/css/cstrike")

	testCases := []struct {
		name    string
		source  string
		want    string
		wantErr error
	}{
		{name: "file in root", source: "/srv/css/cstrike/readme.txt", want: "cstrike/readme.txt.bz2"},
		{name: "nested file", source: "/srv/css/cstrike/maps/de_test.bsp", want: "cstrike/maps/de_test.bsp.bz2"},
		{name: "unclean path", source: "/srv/css/cstrike/maps/../sound/a.wav", want: "cstrike/sound/a.wav.bz2"},
		{name: "sibling of root", source: "/srv/css/cstrike2/a.bsp", wantErr: ErrOutsideRoot},
		{name: "parent of root", source: "/srv/css/a.bsp", wantErr: ErrOutsideRoot},
		{name: "root itself", source: "/srv/css/cstrike", wantErr: ErrOutsideRoot},
		{name: "relative path", source: "cstrike/a.bsp", wantErr: ErrNotAbsolute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.ToMirrorPath(root, filepath.FromSlash(tc.source))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v (key %q)", tc.wantErr, err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ToMirrorPath = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestToMirrorDir(t *testing.T) {
	m := newTestMapper(t)
	root := filepath.FromSlash("/srv/css/cstrike")

	got, err := m.ToMirrorDir(root, root)
	if err != nil || got != "cstrike" {
		t.Errorf("ToMirrorDir(root) = %q, %v; want %q", got, err, "cstrike")
	}
	got, err = m.ToMirrorDir(root, filepath.Join(root, "maps", "graphs"))
	if err != nil || got != "cstrike/maps/graphs" {
		t.Errorf("ToMirrorDir(nested) = %q, %v; want %q", got, err, "cstrike/maps/graphs")
	}
}

func TestToSourcePath(t *testing.T) {
	m := newTestMapper(t)
	root := filepath.FromSlash("/srv/css/cstrike")

	testCases := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{name: "nested key", key: "cstrike/maps/de_test.bsp.bz2", want: "/srv/css/cstrike/maps/de_test.bsp"},
		{name: "missing suffix", key: "cstrike/maps/de_test.bsp", wantErr: ErrNoSuffix},
		{name: "suffix only", key: "cstrike/.bz2", wantErr: ErrOutsideRoot},
		{name: "other root", key: "tf/maps/a.bsp.bz2", wantErr: ErrOutsideRoot},
		{name: "root name only", key: "cstrike.bz2", wantErr: ErrOutsideRoot},
		{name: "absolute key", key: "/cstrike/a.bsp.bz2", wantErr: ErrMalformedKey},
		{name: "unclean key", key: "cstrike//a.bsp.bz2", wantErr: ErrMalformedKey},
		{name: "escaping key", key: "../cstrike/a.bsp.bz2", wantErr: ErrMalformedKey},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.ToSourcePath(root, tc.key)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v (path %q)", tc.wantErr, err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := filepath.FromSlash(tc.want); got != want {
				t.Errorf("ToSourcePath = %q, want %q", got, want)
			}
		})
	}
}

// Mapping a key to its source and back must reproduce the key exactly, and
// mapping a source path to its key and back must reproduce the path.
func TestMappingInverse(t *testing.T) {
	m := newTestMapper(t)
	root := filepath.FromSlash("/srv/css/cstrike")

	relPaths := []string{
		"a.bsp",
		"maps/de_test.bsp",
		"materials/models/props/crate.vtf",
		"sound/ambient/wind loop.wav",
		"maps/archive.bsp.bz2",
		"weird.name.with.dots.txt",
	}

	for _, rel := range relPaths {
		t.Run(rel, func(t *testing.T) {
			source := filepath.Join(root, filepath.FromSlash(rel))
			key, err := m.ToMirrorPath(root, source)
			if err != nil {
				t.Fatalf("ToMirrorPath failed: %v", err)
			}
			back, err := m.ToSourcePath(root, key)
			if err != nil {
				t.Fatalf("ToSourcePath failed: %v", err)
			}
			if back != source {
				t.Errorf("ToSourcePath(ToMirrorPath(p)) = %q, want %q", back, source)
			}
			again, err := m.ToMirrorPath(root, back)
			if err != nil {
				t.Fatalf("ToMirrorPath failed on round trip: %v", err)
			}
			if again != key {
				t.Errorf("ToMirrorPath(ToSourcePath(k)) = %q, want %q", again, key)
			}
		})
	}
}

func TestValidateRoot(t *testing.T) {
	if err := ValidateRoot(string(filepath.Separator)); err == nil {
		t.Error("expected the filesystem root to be rejected")
	}
	if err := ValidateRoot("relative/dir"); !errors.Is(err, ErrNotAbsolute) {
		t.Errorf("expected ErrNotAbsolute, got %v", err)
	}
}

func TestCommonPrefix(t *testing.T) {
	testCases := []struct {
		name  string
		paths []string
		want  string
	}{
		{name: "empty", paths: nil, want: ""},
		{name: "single", paths: []string{"/srv/css/cstrike"}, want: "/srv/css/cstrike"},
		{name: "siblings", paths: []string{"/srv/css/cstrike", "/srv/css/custom"}, want: "/srv/css"},
		{name: "component boundary", paths: []string{"/srv/css", "/srv/css2"}, want: "/srv"},
		{name: "only root shared", paths: []string{"/a/b", "/c/d"}, want: "/"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			paths := make([]string, len(tc.paths))
			for i, p := range tc.paths {
				paths[i] = filepath.FromSlash(p)
			}
			if got := CommonPrefix(paths); got != filepath.FromSlash(tc.want) {
				t.Errorf("CommonPrefix(%v) = %q, want %q", tc.paths, got, tc.want)
			}
		})
	}
}

func TestDisplay(t *testing.T) {
	base := filepath.FromSlash("/srv/css")
	if got := Display(base, filepath.FromSlash("/srv/css/cstrike/maps/a.bsp")); got != filepath.FromSlash("cstrike/maps/a.bsp") {
		t.Errorf("Display = %q", got)
	}
	other := filepath.FromSlash("/opt/a.bsp")
	if got := Display(base, other); got != other {
		t.Errorf("Display of an unrelated path = %q, want %q", got, other)
	}
	if got := Display("", other); got != other {
		t.Errorf("Display with empty base = %q, want %q", got, other)
	}
}
