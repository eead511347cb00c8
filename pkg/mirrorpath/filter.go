package mirrorpath

import (
	"path/filepath"
	"strings"
)

// DefaultExtensions lists the file types a game server offers for download.
var DefaultExtensions = []string{
	"bsp",               // maps
	"mdl", "vtx", "vvd", // models
	"vtf", "vmt", "png", // textures
	"wav", "mp3",        // sounds
	"pcf",               // particles
	"ttf", "otf",        // fonts
	"txt",
}

// DefaultIgnoreNames lists the stock maps every client already ships with.
var DefaultIgnoreNames = []string{
	"cs_assault.bsp", "cs_compound.bsp", "cs_havana.bsp",
	"cs_italy.bsp", "cs_militia.bsp", "cs_office.bsp",
	"de_aztec.bsp", "de_cbble.bsp", "de_chateau.bsp",
	"de_dust.bsp", "de_dust2.bsp", "de_inferno.bsp",
	"de_nuke.bsp", "de_piranesi.bsp", "de_port.bsp",
	"de_prodigy.bsp", "de_tides.bsp", "de_train.bsp",
	"test_hardware.bsp", "test_speakers.bsp",
}

// Filter decides which source files have a mirror counterpart.
//
// A file is tracked when its extension is in the tracked set and its name is
// not ignored. The two checks are only ever made together.
type Filter struct {
	extensions  map[string]struct{}
	ignore      exclusionSet
	excludeDirs exclusionSet
}

// NewFilter builds a Filter. Extensions may be given with or without the
// leading dot and are matched case-sensitively. Ignore patterns and directory
// exclusions are matched case-insensitively and may contain globs.
func NewFilter(extensions, ignoreNames, excludeDirs []string) *Filter {
	f := &Filter{
		extensions:  make(map[string]struct{}, len(extensions)),
		ignore:      makeExclusionSet(ignoreNames),
		excludeDirs: makeExclusionSet(excludeDirs),
	}
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext != "" {
			f.extensions[ext] = struct{}{}
		}
	}
	return f
}

// TrackedExtension reports whether the file name carries a tracked extension.
func (f *Filter) TrackedExtension(name string) bool {
	ext := filepath.Ext(name)
	if len(ext) < 2 {
		return false
	}
	_, ok := f.extensions[ext[1:]]
	return ok
}

// Ignored reports whether the file name is on the ignore list.
func (f *Filter) Ignored(relPath string) bool {
	return f.ignore.matches(relPath, filepath.Base(relPath))
}

// Tracked reports whether a source file should exist in the mirror. relPath
// may be any path ending in the file name; directory patterns in the ignore
// list need it relative to the source root.
func (f *Filter) Tracked(relPath string) bool {
	return f.TrackedExtension(filepath.Base(relPath)) && !f.Ignored(relPath)
}

// ExcludedDir reports whether a directory, relative to its source root, is
// skipped by scans.
func (f *Filter) ExcludedDir(relPath string) bool {
	if f.excludeDirs.empty() {
		return false
	}
	return f.excludeDirs.matches(relPath, filepath.Base(relPath))
}

// InExcludedDir reports whether relPath lies inside an excluded directory.
// relPath itself is not tested.
func (f *Filter) InExcludedDir(relPath string) bool {
	if f.excludeDirs.empty() {
		return false
	}
	for dir := filepath.Dir(relPath); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if f.ExcludedDir(dir) {
			return true
		}
	}
	return false
}
