package indexer

import (
	"path"
	"strings"
)

// matchGlob matches a relative slash-separated path against a glob pattern
// supporting "**" (any number of segments), "*" and "?" within a segment.
// Matching is case-sensitive.
func matchGlob(pattern, relPath string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(relPath, "/"))
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	if pattern[0] == "**" {
		// "**" absorbs zero or more leading segments.
		for skip := 0; skip <= len(segments); skip++ {
			if matchSegments(pattern[1:], segments[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segments) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segments[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segments[1:])
}

// matchAny reports whether any pattern matches the path. A pattern without a
// slash is also tried against the basename, so "*.log" excludes logs at any
// depth.
func matchAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if matchGlob(p, relPath) {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, path.Base(relPath)); ok {
				return true
			}
		}
	}
	return false
}
