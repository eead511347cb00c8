package mirrorpath

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

type exclusionMatchType int

const (
	literalMatch exclusionMatchType = iota
	prefixMatch
	suffixMatch
	globMatch
)

// exclusionSet holds categorized name patterns for fast matching.
type exclusionSet struct {
	// literals are exact relative-path matches.
	literals map[string]struct{}
	// basenameLiterals are exact base name matches such as "de_dust2.bsp".
	basenameLiterals map[string]struct{}
	nonLiterals      []exclusion
}

type exclusion struct {
	pattern       string
	cleanPattern  string // pattern without the wildcard for prefix/suffix matches
	matchType     exclusionMatchType
	matchBasename bool // match against the base name instead of the relative path
}

// makeExclusionSet analyzes patterns once so matching stays cheap on the
// event path. Patterns without a slash match base names anywhere in a tree.
func makeExclusionSet(patterns []string) exclusionSet {
	set := exclusionSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
		nonLiterals:      make([]exclusion, 0, len(patterns)),
	}

	shouldMatchBasename := func(p string) bool { return !strings.Contains(p, "/") }

	for _, p := range patterns {
		p = normalizePattern(p)
		if p == "" {
			continue
		}
		switch {
		case strings.ContainsAny(p, "*?[]"):
			if strings.HasSuffix(p, "/*") {
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:      p,
					cleanPattern: strings.TrimSuffix(p, "/*"),
					matchType:    prefixMatch,
				})
			} else if strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?[]") {
				// e.g. "test_*"
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:       p,
					cleanPattern:  strings.TrimSuffix(p, "*"),
					matchType:     prefixMatch,
					matchBasename: shouldMatchBasename(p),
				})
			} else if strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]") {
				// e.g. "*.bak"
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern:       p,
					cleanPattern:  p[1:],
					matchType:     suffixMatch,
					matchBasename: shouldMatchBasename(p),
				})
			} else {
				set.nonLiterals = append(set.nonLiterals, exclusion{
					pattern: p, cleanPattern: p, matchType: globMatch, matchBasename: shouldMatchBasename(p),
				})
			}
		case strings.HasSuffix(p, "/"):
			// "maps/workshop/" is a full-path directory prefix.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern:      p,
				cleanPattern: strings.TrimSuffix(p, "/"),
				matchType:    prefixMatch,
			})
		case shouldMatchBasename(p):
			set.basenameLiterals[p] = struct{}{}
		default:
			set.literals[p] = struct{}{}
		}
	}
	return set
}

func (es *exclusionSet) empty() bool {
	return len(es.literals) == 0 && len(es.basenameLiterals) == 0 && len(es.nonLiterals) == 0
}

// matches reports whether the relative path or its base name matches any pattern.
func (es *exclusionSet) matches(relPath, basename string) bool {
	normalizedPath := normalizePattern(relPath)
	normalizedBasename := normalizePattern(basename)

	if _, ok := es.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[normalizedBasename]; ok {
		return true
	}

	for _, p := range es.nonLiterals {
		pathToCheck := normalizedPath
		if p.matchBasename {
			pathToCheck = normalizedBasename
		}

		switch p.matchType {
		case prefixMatch:
			if !strings.HasPrefix(pathToCheck, p.cleanPattern) {
				continue
			}
			// A directory prefix "maps" must not match "mapsextra".
			if !p.matchBasename && pathToCheck != p.cleanPattern && !strings.HasPrefix(pathToCheck, p.cleanPattern+"/") {
				continue
			}
			return true
		case suffixMatch:
			if strings.HasSuffix(pathToCheck, p.cleanPattern) {
				return true
			}
		case globMatch:
			match, err := path.Match(p.cleanPattern, pathToCheck)
			if err != nil {
				plog.Warn("Invalid ignore pattern", "pattern", p.cleanPattern, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}

// normalizePattern converts a path or pattern into the case-insensitive,
// forward-slash form used for matching.
func normalizePattern(p string) string {
	return strings.ToLower(filepath.ToSlash(strings.TrimSpace(p)))
}
