// Package dirty remembers which task files were already processed, keyed by
// a hash of their content, so batch runs only redo tasks that changed.
package dirty

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultCacheDir is the default directory for storing dirty state.
const DefaultCacheDir = ".deflat"

// DefaultCacheFile is the default filename for dirty state.
const DefaultCacheFile = "batch.json"

// Entry is the recorded outcome of one task file.
type Entry struct {
	Path        string    `json:"path"`
	Hash        string    `json:"hash"`
	Code        int       `json:"code"`
	Committed   int       `json:"committed"`
	Unresolved  int       `json:"unresolved"`
	ProcessedAt time.Time `json:"processed_at"`
}

// dirtyData is the on-disk JSON structure.
type dirtyData struct {
	Version int     `json:"version"`
	Salt    string  `json:"salt,omitempty"`
	Files   []Entry `json:"files"`
}

// Tracker records processed task files.
type Tracker struct {
	mu        sync.RWMutex
	files     map[string]Entry
	cacheDir  string
	cacheFile string
	salt      string
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCacheDir sets the cache directory.
func WithCacheDir(dir string) Option {
	return func(t *Tracker) {
		t.cacheDir = dir
	}
}

// WithCacheFile sets the cache filename.
func WithCacheFile(file string) Option {
	return func(t *Tracker) {
		t.cacheFile = file
	}
}

// WithSalt mixes s into every hash. Passing a fingerprint of the settings
// that affect results makes a settings change invalidate every entry.
func WithSalt(s string) Option {
	return func(t *Tracker) {
		t.salt = s
	}
}

// New creates a new Tracker with optional configuration.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		files:     make(map[string]Entry),
		cacheDir:  DefaultCacheDir,
		cacheFile: DefaultCacheFile,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Hash returns the salted SHA256 of a file's content.
func (t *Tracker) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	io.WriteString(hasher, t.salt)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash file %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Changed reports whether path is new or differs from its recorded
// content. The current hash is returned for Record.
func (t *Tracker) Changed(path string) (bool, string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	hash, err := t.Hash(absPath)
	if err != nil {
		return false, "", err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.files[absPath]
	return !ok || e.Hash != hash, hash, nil
}

// Record stores the outcome of processing path at the given content hash.
func (t *Tracker) Record(path, hash string, e Entry) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	e.Path = absPath
	e.Hash = hash
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[absPath] = e
}

// Lookup returns the recorded entry of path.
func (t *Tracker) Lookup(path string) (Entry, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.files[absPath]
	return e, ok
}

// Remove removes a file from tracking.
func (t *Tracker) Remove(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, absPath)
}

// Prune forgets every tracked file that no longer exists and returns how
// many were dropped.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for p := range t.files {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			delete(t.files, p)
			n++
		}
	}
	return n
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

func (t *Tracker) cachePath() string {
	return filepath.Join(t.cacheDir, t.cacheFile)
}

// Save persists the state to the cache file.
func (t *Tracker) Save() error {
	if err := os.MkdirAll(t.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	f, err := os.Create(t.cachePath())
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := t.SaveTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load restores the state from the cache file. A missing file, or one
// written with another salt, leaves the tracker empty.
func (t *Tracker) Load() error {
	f, err := os.Open(t.cachePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()
	return t.LoadFrom(f)
}

// SaveTo writes the state to w, ordered by path.
func (t *Tracker) SaveTo(w io.Writer) error {
	t.mu.RLock()
	files := make([]Entry, 0, len(t.files))
	for _, e := range t.files {
		files = append(files, e)
	}
	t.mu.RUnlock()
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dirtyData{Version: 1, Salt: t.salt, Files: files}); err != nil {
		return fmt.Errorf("failed to encode dirty data: %w", err)
	}
	return nil
}

// LoadFrom reads state written by SaveTo.
func (t *Tracker) LoadFrom(r io.Reader) error {
	var data dirtyData
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode dirty data: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[string]Entry, len(data.Files))
	if data.Salt != t.salt {
		return nil
	}
	for _, e := range data.Files {
		t.files[e.Path] = e
	}
	return nil
}
