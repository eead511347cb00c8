package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// silenceStdout hides usage and version output written by the commands.
func silenceStdout(t *testing.T) {
	t.Helper()
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	orig, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = devNull, devNull
	t.Cleanup(func() {
		os.Stdout, os.Stderr = orig, origErr
		devNull.Close()
	})
}

func TestRun(t *testing.T) {
	src := filepath.Join(t.TempDir(), "cstrike")
	if err := os.Mkdir(src, 0755); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(t.TempDir(), "absent.json")

	testCases := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "No arguments prints usage", args: nil},
		{name: "Help", args: []string{"help"}},
		{name: "Subcommand help", args: []string{"run", "-h"}},
		{name: "Version", args: []string{"version"}},
		{name: "Unknown command", args: []string{"backup"}, wantErr: true},
		{name: "Run without paths", args: []string{"run", "-once"}, wantErr: true},
		{name: "Run with bad scheme", args: []string{"run", "-config", config, src, "gopher://example.com/fastdl"}, wantErr: true},
		{name: "Run with missing target", args: []string{"run", "-config", config, "-once", src, filepath.Join(t.TempDir(), "missing")}, wantErr: true},
		{name: "Run with zero threads", args: []string{"run", "-threads", "0", src, "/var/www/fastdl"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			silenceStdout(t)
			err := run(context.Background(), tc.args)
			if tc.wantErr && err == nil {
				t.Error("expected an error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestRun_InitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl-mirror.config.json")
	if err := run(context.Background(), []string{"init", "-config", path, "-codec", "zst"}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}
