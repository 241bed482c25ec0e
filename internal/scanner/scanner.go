// Package scanner finds task files below a directory. It skips hidden and
// excluded directories, previous outputs, and paths listed in .deflatignore
// files.
package scanner

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileInfo represents information about a discovered file.
type FileInfo struct {
	Path     string // Relative path from root
	FullPath string // Absolute path
	Size     int64  // File size in bytes
}

// Options configures the scanner behavior.
type Options struct {
	SkipHidden     bool     // Skip hidden files and directories (starting with .)
	Excludes       []string // Directory names never entered
	IgnoreFileName string   // Name of the ignore file (default: .deflatignore)
	Suffix         string   // Suffix of task files
	OutputSuffix   string   // Suffix of files written by deflat, never scanned
}

// DefaultOptions returns scanner options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		SkipHidden:     true,
		Excludes:       []string{"errors", ".git", "node_modules"},
		IgnoreFileName: ".deflatignore",
		Suffix:         ".json",
		OutputSuffix:   ".deflat.json",
	}
}

// OutputPath returns where the patched version of a task file goes.
func (o Options) OutputPath(taskPath string) string {
	return strings.TrimSuffix(taskPath, o.Suffix) + o.OutputSuffix
}

// Scanner provides file tree scanning capabilities.
type Scanner struct {
	opts Options
}

// New creates a new Scanner with the given options.
func New(opts Options) *Scanner {
	return &Scanner{opts: opts}
}

// Scan walks root and returns its task files ordered by path.
func (s *Scanner) Scan(root string) ([]FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	ignores, err := s.loadIgnorePatterns(absRoot, "")
	if err != nil {
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}

	var files []FileInfo
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entries are skipped, the walk goes on
			return nil
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if d.IsDir() {
			if (s.opts.SkipHidden && strings.HasPrefix(name, ".")) || s.excluded(name) {
				return filepath.SkipDir
			}
			nested, err := s.loadIgnorePatterns(p, rel)
			if err == nil {
				ignores = append(ignores, nested...)
			}
			return nil
		}

		if s.opts.SkipHidden && strings.HasPrefix(name, ".") {
			return nil
		}
		if !d.Type().IsRegular() || !s.isTask(name) || ignored(rel, ignores) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{Path: rel, FullPath: p, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *Scanner) isTask(name string) bool {
	if s.opts.OutputSuffix != "" && strings.HasSuffix(name, s.opts.OutputSuffix) {
		return false
	}
	return strings.HasSuffix(name, s.opts.Suffix)
}

func (s *Scanner) excluded(name string) bool {
	for _, ex := range s.opts.Excludes {
		if strings.EqualFold(name, ex) {
			return true
		}
	}
	return false
}

// loadIgnorePatterns reads the ignore file of dir. Patterns of nested files
// are rewritten relative to the scan root.
func (s *Scanner) loadIgnorePatterns(dir, rel string) ([]IgnorePattern, error) {
	if s.opts.IgnoreFileName == "" {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(dir, s.opts.IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []IgnorePattern
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rel != "" {
			neg := ""
			if strings.HasPrefix(line, "!") {
				neg, line = "!", line[1:]
			}
			if !strings.Contains(strings.TrimSuffix(line, "/"), "/") {
				line = "**/" + line
			}
			line = neg + "/" + rel + "/" + strings.TrimPrefix(line, "/")
		}
		patterns = append(patterns, ParseIgnorePattern(line))
	}
	return patterns, sc.Err()
}

// ignored applies the patterns in order; a later negation re-includes.
func ignored(rel string, patterns []IgnorePattern) bool {
	out := false
	for _, p := range patterns {
		if p.Match(rel) {
			out = !p.IsNegation()
		}
	}
	return out
}

// Scan is a convenience function that scans a directory with default options.
func Scan(root string) ([]FileInfo, error) {
	return New(DefaultOptions()).Scan(root)
}
