package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestRunConfigFromFlags(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cstrike")
	if err := os.Mkdir(src, 0755); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, config.ConfigFileName)

	fileConfig := config.NewDefault()
	fileConfig.Path = configPath
	fileConfig.Compression.Codec = transcode.Zstd
	fileConfig.Engine.Performance.Threads = 4
	if err := config.Generate(fileConfig, false); err != nil {
		t.Fatal(err)
	}

	t.Run("Flags override the config file", func(t *testing.T) {
		cfg, err := runConfigFromFlags(map[string]interface{}{
			"config":      configPath,
			"sources":     []string{src},
			"destination": "/var/www/fastdl",
			"threads":     2,
			"once":        true,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Compression.Codec != transcode.Zstd {
			t.Errorf("expected codec from file, got %s", cfg.Compression.Codec)
		}
		if cfg.Engine.Performance.Threads != 2 {
			t.Errorf("expected threads from flag, got %d", cfg.Engine.Performance.Threads)
		}
		if !cfg.Runtime.Once {
			t.Error("expected once mode")
		}
	})

	t.Run("Missing sources fail validation", func(t *testing.T) {
		_, err := runConfigFromFlags(map[string]interface{}{
			"config":      configPath,
			"destination": "/var/www/fastdl",
		})
		if err == nil {
			t.Error("expected an error without sources")
		}
	})

	t.Run("Malformed config file", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := runConfigFromFlags(map[string]interface{}{
			"config":      bad,
			"sources":     []string{src},
			"destination": "/var/www/fastdl",
		})
		if err == nil {
			t.Error("expected an error for a malformed config file")
		}
	})
}

func TestRunMirror_InvalidDestinationScheme(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cstrike")
	if err := os.Mkdir(src, 0755); err != nil {
		t.Fatal(err)
	}
	err := RunMirror(context.Background(), map[string]interface{}{
		"config":      filepath.Join(t.TempDir(), "absent.json"),
		"sources":     []string{src},
		"destination": "gopher://example.com/fastdl",
	})
	if err == nil {
		t.Error("expected an error for an unsupported destination scheme")
	}
}

func TestRunMirror_Once(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "cstrike")
	if err := os.MkdirAll(filepath.Join(src, "maps"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "maps", "ctf_2fort.bsp"), []byte("map"), 0644); err != nil {
		t.Fatal(err)
	}
	mirror := t.TempDir()

	err := RunMirror(context.Background(), map[string]interface{}{
		"config":      filepath.Join(base, "absent.json"),
		"sources":     []string{src},
		"destination": mirror,
		"codec":       "gz",
		"once":        true,
	})
	if err != nil {
		t.Fatalf("RunMirror failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mirror, "cstrike", "maps", "ctf_2fort.bsp.gz")); err != nil {
		t.Errorf("expected mirrored file: %v", err)
	}
}
