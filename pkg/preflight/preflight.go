// Package preflight provides functions for validation and checks that run before
// the mirror engine starts. These checks are stateless and idempotent: apart from a
// short-lived probe file in the target they never change the system's state.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const writeProbeName = ".pgl-mirror-writetest.tmp"

// CheckSourceAccessible validates that the source root exists, is a directory and
// can be listed.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	d, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("source directory %s is not readable: %w", srcPath, err)
	}
	defer d.Close()
	if _, err := d.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("source directory %s cannot be listed: %w", srcPath, err)
	}
	return nil
}

// CheckRootsDisjoint rejects source roots nested inside one another and a local target
// that lies inside a source root or contains one. target may be "".
func CheckRootsDisjoint(sources []string, target string) error {
	for i, a := range sources {
		for _, b := range sources[i+1:] {
			if within(a, b) || within(b, a) {
				return fmt.Errorf("source roots %s and %s are nested", a, b)
			}
		}
		if target == "" {
			continue
		}
		if within(target, a) {
			return fmt.Errorf("target %s lies inside source root %s", target, a)
		}
		if within(a, target) {
			return fmt.Errorf("source root %s lies inside target %s", a, target)
		}
	}
	return nil
}

// within reports whether p equals dir or lies below it.
func within(p, dir string) bool {
	p, dir = filepath.Clean(p), filepath.Clean(dir)
	if p == dir {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// CheckTargetAccessible performs pre-flight checks to ensure a local mirror target is usable.
// It provides more user-friendly errors than letting the backend fail.
//
// The checks include:
//  1. The target path exists and is a directory. The mirror root is never created
//     implicitly, so a missing mount shows up here instead of filling the wrong disk.
//  2. On Linux, the filesystem holding the target is not mounted read-only.
func CheckTargetAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("target directory %s does not exist", targetPath)
		}
		return fmt.Errorf("cannot access target path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return platformCheckTargetFilesystem(targetPath)
}

// CheckTargetWritable ensures the target directory is writable by creating and
// deleting a probe file.
func CheckTargetWritable(targetPath string) error {
	info, err := os.Stat(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("target directory does not exist: %s", targetPath)
		}
		return fmt.Errorf("cannot access target path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	tempFile := filepath.Join(targetPath, writeProbeName)
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}
