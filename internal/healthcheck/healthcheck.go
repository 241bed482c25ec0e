// Package healthcheck reports whether a configuration can drive the server:
// the errors directory is writable, the listen address parses and the
// cache file, if any, can be loaded.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/daemon"
	"github.com/l3aro/go-deflat/pkg/cache"
)

// Status values of an Item.
const (
	StatusOK    = "ok"
	StatusWarn  = "warn"
	StatusError = "error"
)

// Item is the outcome of one check.
type Item struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthCheckResult contains the full health check output for display.
type HealthCheckResult struct {
	SavedPath      string `json:"saved_path,omitempty"`
	SavedScope     string `json:"saved_scope,omitempty"` // "global" or "project"
	EffectivePath  string `json:"effective_path,omitempty"`
	EffectiveScope string `json:"effective_scope,omitempty"`
	Items          []Item `json:"items"`
}

// OK reports whether no check failed. Warnings are allowed.
func (r *HealthCheckResult) OK() bool {
	for _, it := range r.Items {
		if it.Status == StatusError {
			return false
		}
	}
	return true
}

// Check performs a health check against the given config.
// savedPath is where the user saved config (may be empty outside init).
// effectivePath is the config file actually in use (considering priority).
func Check(ctx context.Context, cfg *config.Config, savedPath, effectivePath string) (*HealthCheckResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	result := &HealthCheckResult{
		SavedPath:      savedPath,
		SavedScope:     scopeFromPath(savedPath),
		EffectivePath:  effectivePath,
		EffectiveScope: scopeFromPath(effectivePath),
	}
	result.Items = append(result.Items,
		checkConfig(cfg),
		checkErrorsDir(cfg.ErrorsDir),
		checkListen(ctx, cfg.Listen),
		checkCacheFile(cfg.CacheFile),
	)
	return result, nil
}

// scopeFromPath determines "global" or "project" scope from a config file path.
// Returns empty string if path is empty.
func scopeFromPath(path string) string {
	if path == "" {
		return ""
	}
	if home, err := os.UserHomeDir(); err == nil {
		if strings.HasPrefix(path, filepath.Join(home, ".deflat")) {
			return "global"
		}
	}
	return "project"
}

func checkConfig(cfg *config.Config) Item {
	it := Item{Name: "config", Status: StatusOK}
	if err := cfg.Validate(); err != nil {
		it.Status, it.Detail = StatusError, err.Error()
		return it
	}
	it.Detail = fmt.Sprintf("policy %s, timeout %s", cfg.Policy(), cfg.Timeout())
	return it
}

// checkErrorsDir creates the directory if needed and checks it is writable with a
// temporary file.
func checkErrorsDir(dir string) Item {
	it := Item{Name: "errors_dir", Detail: dir}
	if dir == "" {
		it.Status, it.Detail = StatusWarn, "not set, failing requests are not recorded"
		return it
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		it.Status, it.Detail = StatusError, fmt.Sprintf("cannot create %s: %v", dir, err)
		return it
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		it.Status, it.Detail = StatusError, fmt.Sprintf("%s is not writable: %v", dir, err)
		return it
	}
	f.Close()
	os.Remove(f.Name())
	it.Status = StatusOK
	return it
}

// checkListen validates the address and notes whether a server already
// answers on it.
func checkListen(ctx context.Context, listen string) Item {
	it := Item{Name: "listen", Detail: listen}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		it.Status, it.Detail = StatusError, fmt.Sprintf("invalid listen address %q: %v", listen, err)
		return it
	}
	if err := daemon.Ping(ctx, listen); err == nil {
		it.Status, it.Detail = StatusWarn, fmt.Sprintf("a server is already running at %s", daemon.HealthURL(listen))
		return it
	}
	it.Status = StatusOK
	return it
}

func checkCacheFile(path string) Item {
	it := Item{Name: "cache_file", Detail: path}
	if path == "" {
		it.Status, it.Detail = StatusOK, "in memory only"
		return it
	}
	c := cache.New(cache.Options{})
	if err := cache.LoadFromFile(c, path); err != nil {
		it.Status, it.Detail = StatusError, err.Error()
		return it
	}
	it.Status, it.Detail = StatusOK, fmt.Sprintf("%s (%d entries)", path, c.Len())
	return it
}
