// Package mirrorpath maps source files to mirror keys and back.
//
// A mirror key is a forward-slash path relative to the mirror root. It is
// built from the source path relative to the parent of its source root, so
// the root's own base name becomes the first key element, and carries the
// compressed-format suffix appended to the file name:
//
//	root   /srv/tf2/tf
//	source /srv/tf2/tf/maps/ctf_2fort.bsp
//	key    tf/maps/ctf_2fort.bsp.bz2
package mirrorpath

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths or keys that do not belong to the given source root.
	ErrOutsideRoot = errors.New("path is outside of the source root")
	// ErrNoSuffix is returned when a mirror key does not end with the mirror suffix.
	ErrNoSuffix = errors.New("mirror key does not carry the mirror suffix")
	// ErrNotAbsolute is returned when a source root or source path is relative.
	ErrNotAbsolute = errors.New("path is not absolute")
	// ErrMalformedKey is returned for keys that are not clean, relative, slash-separated paths.
	ErrMalformedKey = errors.New("malformed mirror key")
)

// Mapper converts between source paths and mirror keys for one suffix.
type Mapper struct {
	suffix string
}

// New returns a Mapper appending suffix to mirrored file names.
func New(suffix string) (*Mapper, error) {
	if suffix == "" {
		return nil, errors.New("mirror suffix cannot be empty")
	}
	if strings.ContainsAny(suffix, `/\`) {
		return nil, fmt.Errorf("mirror suffix %q cannot contain a path separator", suffix)
	}
	return &Mapper{suffix: suffix}, nil
}

// Suffix returns the suffix appended to mirrored files.
func (m *Mapper) Suffix() string {
	return m.suffix
}

// HasSuffix reports whether key names a mirrored file.
func (m *Mapper) HasSuffix(key string) bool {
	return strings.HasSuffix(key, m.suffix) && len(key) > len(m.suffix)
}

// ValidateRoot checks that root can serve as a source root. The filesystem
// root has no base name to anchor keys on and is rejected.
func ValidateRoot(root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("source root %q: %w", root, ErrNotAbsolute)
	}
	clean := filepath.Clean(root)
	if filepath.Dir(clean) == clean {
		return fmt.Errorf("source root %q has no base name", root)
	}
	return nil
}

// ToMirrorPath returns the mirror key of the file sourcePath below sourceRoot.
func (m *Mapper) ToMirrorPath(sourceRoot, sourcePath string) (string, error) {
	dir, err := m.ToMirrorDir(sourceRoot, sourcePath)
	if err != nil {
		return "", err
	}
	if !strings.Contains(dir, "/") {
		// The root itself is a directory, never a mirrored file.
		return "", fmt.Errorf("%q is the source root itself: %w", sourcePath, ErrOutsideRoot)
	}
	return dir + m.suffix, nil
}

// ToMirrorDir returns the key of a source directory (or the suffix-less key
// of a file). The source root maps to its base name.
func (m *Mapper) ToMirrorDir(sourceRoot, sourceDir string) (string, error) {
	if err := ValidateRoot(sourceRoot); err != nil {
		return "", err
	}
	if !filepath.IsAbs(sourceDir) {
		return "", fmt.Errorf("source path %q: %w", sourceDir, ErrNotAbsolute)
	}
	root := filepath.Clean(sourceRoot)
	rel, err := filepath.Rel(root, filepath.Clean(sourceDir))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q not below %q: %w", sourceDir, sourceRoot, ErrOutsideRoot)
	}
	key := filepath.Base(root)
	if rel != "." {
		key = key + "/" + filepath.ToSlash(rel)
	}
	return key, nil
}

// ToSourcePath is the inverse of ToMirrorPath: it strips the suffix from key
// and resolves it against the parent of sourceRoot.
func (m *Mapper) ToSourcePath(sourceRoot, key string) (string, error) {
	if err := ValidateRoot(sourceRoot); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if !m.HasSuffix(key) {
		return "", fmt.Errorf("%q: %w", key, ErrNoSuffix)
	}
	root := filepath.Clean(sourceRoot)
	trimmed := strings.TrimSuffix(key, m.suffix)
	first, rest, found := strings.Cut(trimmed, "/")
	if !found || rest == "" || first != filepath.Base(root) {
		return "", fmt.Errorf("%q does not belong to %q: %w", key, sourceRoot, ErrOutsideRoot)
	}
	return filepath.Join(root, filepath.FromSlash(rest)), nil
}

// ValidateKey checks that key is a clean, relative, slash-separated path
// that stays inside the mirror root.
func ValidateKey(key string) error {
	switch {
	case key == "", key == ".":
		return fmt.Errorf("empty key: %w", ErrMalformedKey)
	case strings.HasPrefix(key, "/"), strings.Contains(key, `\`):
		return fmt.Errorf("%q: %w", key, ErrMalformedKey)
	case path.Clean(key) != key:
		return fmt.Errorf("%q is not clean: %w", key, ErrMalformedKey)
	case key == "..", strings.HasPrefix(key, "../"):
		return fmt.Errorf("%q escapes the mirror root: %w", key, ErrMalformedKey)
	}
	return nil
}

// CommonPrefix returns the deepest directory shared by all paths, or "" when
// they share none.
func CommonPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	sep := string(filepath.Separator)
	prefix := strings.Split(filepath.Clean(paths[0]), sep)
	for _, p := range paths[1:] {
		parts := strings.Split(filepath.Clean(p), sep)
		n := 0
		for n < len(prefix) && n < len(parts) && prefix[n] == parts[n] {
			n++
		}
		prefix = prefix[:n]
	}
	if len(prefix) == 0 {
		return ""
	}
	joined := strings.Join(prefix, sep)
	if joined == "" {
		return sep
	}
	return joined
}

// Display renders p relative to base for log output, falling back to p.
func Display(base, p string) string {
	if base == "" {
		return p
	}
	rel, err := filepath.Rel(base, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}
