package scanner

import (
	"path"
	"strings"
)

// IgnorePattern is one line of a .deflatignore file, with gitignore
// semantics: a leading ! negates, a trailing / matches directories only, a
// leading / anchors at the scan root, and ** spans any number of
// directories.
type IgnorePattern struct {
	raw      string
	negate   bool
	dirOnly  bool
	anchored bool
	segments []string
}

// ParseIgnorePattern parses a gitignore-style pattern string.
func ParseIgnorePattern(line string) IgnorePattern {
	p := IgnorePattern{raw: line}
	if strings.HasPrefix(line, "!") {
		p.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}
	// a pattern with an inner slash is relative to the root
	if strings.Contains(line, "/") {
		p.anchored = true
	}
	p.segments = strings.Split(line, "/")
	return p
}

// String returns the pattern as written.
func (p IgnorePattern) String() string { return p.raw }

// IsNegation returns true if this pattern is a negation pattern.
func (p IgnorePattern) IsNegation() bool { return p.negate }

// Match reports whether the slash-separated relative path of a file is
// covered by the pattern. A directory pattern covers every file below it.
func (p IgnorePattern) Match(rel string) bool {
	segs := strings.Split(rel, "/")
	if p.dirOnly {
		// only the directories of the file may match
		segs = segs[:len(segs)-1]
	}
	for i := 0; i < len(segs); i++ {
		if p.anchored && i > 0 {
			break
		}
		if p.matchPrefix(segs[i:]) {
			return true
		}
	}
	return false
}

// matchPrefix matches the pattern against a leading run of segs. File
// patterns must consume every segment unless they name a directory that
// contains the file.
func (p IgnorePattern) matchPrefix(segs []string) bool {
	for n := len(segs); n > 0; n-- {
		if matchSegments(p.segments, segs[:n]) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}
