package flagparse

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// equalSlices is a helper to compare two string slices for equality.
func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func TestParseExcludeList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Mixed Quoted and Unquoted", "a,'b,c',d", []string{"a", "b,c", "d"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Multiple Quoted Items", "'a b','c d'", []string{"a b", "c d"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"item with spaces", "b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Nested Quotes 2", "\"it's a test\",d", []string{"it's a test", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
		{"Unix Path with Slashes", "/home/user/test,/var/log", []string{"/home/user/test", "/var/log"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseExcludeList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				// This is a pass, so we can return early.
				return
			}

			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		input   string
		want    Command
		wantErr bool
	}{
		{"run", Run, false},
		{"init", Init, false},
		{"version", Version, false},
		{"none", None, true},
		{"backup", None, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseCommand(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseCommand(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseCommand(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		command Command
		want    map[string]interface{}
		wantErr error
	}{
		{
			name:    "Run with one source",
			args:    []string{"run", "/srv/cstrike", "/var/www/fastdl"},
			command: Run,
			want: map[string]interface{}{
				"sources":     []string{"/srv/cstrike"},
				"destination": "/var/www/fastdl",
			},
		},
		{
			name:    "Run with flags before and after paths",
			args:    []string{"run", "-threads", "4", "-dry-run", "/srv/cstrike", "/srv/tf", "ftp://fastdl.example.com/", "-reverse", "-exclude-dirs", "downloads,'my logs'"},
			command: Run,
			want: map[string]interface{}{
				"threads":      4,
				"dry-run":      true,
				"reverse":      true,
				"exclude-dirs": []string{"downloads", "my logs"},
				"sources":      []string{"/srv/cstrike", "/srv/tf"},
				"destination":  "ftp://fastdl.example.com/",
			},
		},
		{
			name:    "Run keeps everything after the terminator positional",
			args:    []string{"run", "-once", "--", "-odd-source", "/var/www/fastdl"},
			command: Run,
			want: map[string]interface{}{
				"once":        true,
				"sources":     []string{"-odd-source"},
				"destination": "/var/www/fastdl",
			},
		},
		{
			name:    "Unset flags are not reported",
			args:    []string{"run", "-codec", "zst", "-rescan", "@hourly", "a", "b"},
			command: Run,
			want: map[string]interface{}{
				"codec":       "zst",
				"rescan":      "@hourly",
				"sources":     []string{"a"},
				"destination": "b",
			},
		},
		{
			name:    "Run without destination",
			args:    []string{"run", "/srv/cstrike"},
			command: Run,
			wantErr: ErrMissingPaths,
		},
		{
			name:    "Init with overrides",
			args:    []string{"init", "-config", "/etc/pgl-mirror.config.json", "-force", "-extensions", "bsp,mdl"},
			command: Init,
			want: map[string]interface{}{
				"config":     "/etc/pgl-mirror.config.json",
				"force":      true,
				"extensions": []string{"bsp", "mdl"},
			},
		},
		{
			name:    "Version",
			args:    []string{"version"},
			command: Version,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			command, flagMap, err := Parse(tc.args)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if command != tc.command {
				t.Errorf("expected command %v, got %v", tc.command, command)
			}
			if tc.want == nil {
				if len(flagMap) != 0 {
					t.Errorf("expected no flags, got %v", flagMap)
				}
				return
			}
			if diff := cmp.Diff(tc.want, flagMap); diff != "" {
				t.Errorf("flag map mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"Unknown command", []string{"backup"}},
		{"Unknown flag", []string{"run", "-nope", "a", "b"}},
		{"Zero threads", []string{"run", "-threads", "0", "a", "b"}},
		{"Init with positional", []string{"init", "somewhere"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := Parse(tc.args); err == nil {
				t.Errorf("expected an error for %v", tc.args)
			}
		})
	}
}
