package preflight

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestCheckSourceAccessible(t *testing.T) {
	t.Run("Happy Path - Source is a directory", func(t *testing.T) {
		srcDir := t.TempDir()
		if err := CheckSourceAccessible(srcDir); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Source does not exist", func(t *testing.T) {
		err := CheckSourceAccessible(filepath.Join(t.TempDir(), "nonexistent"))
		if err == nil {
			t.Fatal("expected an error for non-existent source, but got nil")
		}
		if !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about non-existent source, but got: %v", err)
		}
	})

	t.Run("Error - Source is a file", func(t *testing.T) {
		srcFile := filepath.Join(t.TempDir(), "server.cfg")
		if err := os.WriteFile(srcFile, []byte("hostname test"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckSourceAccessible(srcFile)
		if err == nil {
			t.Fatal("expected an error when source is a file, but got nil")
		}
		if !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about source not being a directory, but got: %v", err)
		}
	})

	t.Run("Error - Source cannot be listed", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for this user")
		}
		srcDir := filepath.Join(t.TempDir(), "locked")
		if err := os.Mkdir(srcDir, 0000); err != nil {
			t.Fatalf("failed to create locked dir: %v", err)
		}
		t.Cleanup(func() { os.Chmod(srcDir, 0755) })
		if err := CheckSourceAccessible(srcDir); err == nil {
			t.Error("expected an error for an unreadable source, but got nil")
		}
	})
}

func TestCheckRootsDisjoint(t *testing.T) {
	testCases := []struct {
		name    string
		sources []string
		target  string
		wantErr string
	}{
		{"Disjoint roots and target", []string{"/srv/cstrike", "/srv/tf"}, "/var/www/fastdl", ""},
		{"Sibling with shared prefix", []string{"/srv/cstrike", "/srv/cstrike2"}, "", ""},
		{"Remote target", []string{"/srv/cstrike"}, "", ""},
		{"Nested roots", []string{"/srv/cstrike", "/srv/cstrike/maps"}, "", "are nested"},
		{"Duplicate roots", []string{"/srv/tf", "/srv/tf/"}, "", "are nested"},
		{"Target inside source", []string{"/srv/cstrike"}, "/srv/cstrike/fastdl", "lies inside source root"},
		{"Source inside target", []string{"/var/www/fastdl/cstrike"}, "/var/www/fastdl", "lies inside target"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sources := make([]string, len(tc.sources))
			for i, s := range tc.sources {
				sources[i] = filepath.FromSlash(s)
			}
			err := CheckRootsDisjoint(sources, filepath.FromSlash(tc.target))
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckTargetAccessible(t *testing.T) {
	t.Run("Happy Path - Target Exists", func(t *testing.T) {
		if err := CheckTargetAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Target Does Not Exist", func(t *testing.T) {
		err := CheckTargetAccessible(filepath.Join(t.TempDir(), "fastdl"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about missing target, but got: %v", err)
		}
	})

	t.Run("Error - Target Is a File", func(t *testing.T) {
		targetFile := filepath.Join(t.TempDir(), "target.txt")
		if err := os.WriteFile(targetFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckTargetAccessible(targetFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about 'not a directory', but got: %v", err)
		}
	})
}

func TestCheckTargetWritable(t *testing.T) {
	t.Run("Happy Path - Directory is writable", func(t *testing.T) {
		targetDir := t.TempDir()
		if err := CheckTargetWritable(targetDir); err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
		if _, err := os.Stat(filepath.Join(targetDir, writeProbeName)); !os.IsNotExist(err) {
			t.Errorf("expected probe file to be removed, stat returned %v", err)
		}
	})

	t.Run("Error - Target is a file", func(t *testing.T) {
		targetFile := filepath.Join(t.TempDir(), "target.txt")
		os.WriteFile(targetFile, []byte("i am a file"), 0644)
		err := CheckTargetWritable(targetFile)
		if err == nil || !strings.Contains(err.Error(), "target path exists but is not a directory") {
			t.Errorf("expected error about target being a file, but got: %v", err)
		}
	})

	t.Run("Error - Target does not exist", func(t *testing.T) {
		err := CheckTargetWritable(filepath.Join(t.TempDir(), "nonexistent"))
		if err == nil || !strings.Contains(err.Error(), "target directory does not exist") {
			t.Errorf("expected error about non-existent target, but got: %v", err)
		}
	})

	t.Run("Error - Destination not writable", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission bits are not enforced for this user")
		}
		unwritableDir := filepath.Join(t.TempDir(), "unwritable")
		if err := os.Mkdir(unwritableDir, 0555); err != nil { // r-x r-x r-x
			t.Fatalf("failed to create unwritable dir: %v", err)
		}
		t.Cleanup(func() { os.Chmod(unwritableDir, 0755) })

		err := CheckTargetWritable(unwritableDir)
		if err == nil || !strings.Contains(err.Error(), "not writable") {
			t.Errorf("expected error about 'not writable', but got: %v", err)
		}
	})
}

func TestRun(t *testing.T) {
	src := t.TempDir()
	target := t.TempDir()
	all := Plan{SourcesAccessible: true, RootsDisjoint: true, TargetAccessible: true, TargetWritable: true}

	if err := Run(all, []string{src}, target); err != nil {
		t.Errorf("expected all checks to pass, got %v", err)
	}
	if err := Run(all, []string{src}, ""); err != nil {
		t.Errorf("expected target checks to be skipped for a remote target, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "gone")
	if err := Run(all, []string{src}, missing); err == nil {
		t.Error("expected a missing target to fail")
	}
	if err := Run(Plan{}, []string{missing}, missing); err != nil {
		t.Errorf("expected an empty plan to check nothing, got %v", err)
	}
}
