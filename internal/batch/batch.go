// Package batch deobfuscates every task file below a directory, writing
// each patched task next to its input and skipping tasks whose content and
// settings have not changed since the previous pass.
package batch

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/log"
	"github.com/l3aro/go-deflat/internal/scanner"
	"github.com/l3aro/go-deflat/internal/server"
	"github.com/l3aro/go-deflat/pkg/dirty"
	"github.com/l3aro/go-deflat/pkg/task"
)

// Options control a batch run.
type Options struct {
	Jobs     int  // concurrent tasks, default GOMAXPROCS
	Force    bool // ignore the record of previous passes
	StateDir string
}

// Result is the outcome of one task file.
type Result struct {
	Path       string `json:"path"`
	Output     string `json:"output,omitempty"`
	Code       int    `json:"code"`
	Error      string `json:"error,omitempty"`
	Committed  int    `json:"committed"`
	Unresolved int    `json:"unresolved"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// Summary lists every result in path order.
type Summary struct {
	Results []Result      `json:"results"`
	Elapsed time.Duration `json:"elapsed"`
}

// Counts returns how many tasks were processed, skipped and failed.
func (s *Summary) Counts() (processed, skipped, failed int) {
	for _, r := range s.Results {
		switch {
		case r.Skipped:
			skipped++
		case r.Code != server.CodeOK:
			failed++
			processed++
		default:
			processed++
		}
	}
	return processed, skipped, failed
}

// Fingerprint identifies the settings that change results.
func Fingerprint(cfg *config.Config) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d",
		cfg.DispatcherPolicy, cfg.Maturity,
		cfg.PredDepth, cfg.MaxValues, cfg.MaxSteps, cfg.EmulationBudget, cfg.EmulationSteps)
}

// Run processes the task files below root.
func Run(ctx context.Context, root string, cfg *config.Config, opts Options, logger log.Logger) (*Summary, error) {
	if logger == nil {
		logger = log.Discard()
	}
	start := time.Now()

	scanOpts := scanner.DefaultOptions()
	files, err := scanner.New(scanOpts).Scan(root)
	if err != nil {
		return nil, err
	}

	trackerOpts := []dirty.Option{dirty.WithSalt(Fingerprint(cfg))}
	if opts.StateDir != "" {
		trackerOpts = append(trackerOpts, dirty.WithCacheDir(opts.StateDir))
	}
	tracker := dirty.New(trackerOpts...)
	if !opts.Force {
		if err := tracker.Load(); err != nil {
			logger.Warn("ignoring batch state", "err", err)
		}
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(files))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := processFile(gctx, f.FullPath, scanOpts, cfg, tracker, opts.Force)
			r.Path = f.Path
			mu.Lock()
			results[i] = r
			mu.Unlock()
			switch {
			case r.Skipped:
				logger.Debug("unchanged", "task", f.Path)
			case r.Code != server.CodeOK:
				logger.Warn("task failed", "task", f.Path, "code", r.Code, "error", r.Error)
			default:
				logger.Info("task patched", "task", f.Path, "committed", r.Committed, "unresolved", r.Unresolved)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tracker.Prune()
	if err := tracker.Save(); err != nil {
		logger.Warn("saving batch state", "err", err)
	}
	return &Summary{Results: results, Elapsed: time.Since(start)}, nil
}

func processFile(ctx context.Context, path string, scanOpts scanner.Options, cfg *config.Config, tracker *dirty.Tracker, force bool) Result {
	changed, hash, err := tracker.Changed(path)
	if err != nil {
		return Result{Code: server.CodeBadRequest, Error: err.Error()}
	}
	if !changed && !force {
		if e, ok := tracker.Lookup(path); ok {
			r := Result{Skipped: true, Code: e.Code, Committed: e.Committed, Unresolved: e.Unresolved}
			if e.Code == server.CodeOK {
				r.Output = scanOpts.OutputPath(path)
			}
			return r
		}
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return Result{Code: server.CodeBadRequest, Error: err.Error()}
	}
	resp := server.Process(ctx, body, cfg)
	r := Result{Code: resp.Code, Error: resp.Error}
	if rep := resp.Data.Report; rep != nil {
		r.Committed = rep.Committed()
		r.Unresolved = len(rep.Unresolved())
	}
	if resp.Code == server.CodeOK {
		t, err := task.Parse(body)
		if err == nil {
			t.MBA = resp.Data.MBA
			out := scanOpts.OutputPath(path)
			err = t.Save(out)
			r.Output = out
		}
		if err != nil {
			return Result{Code: server.CodeInternal, Error: err.Error()}
		}
	}
	tracker.Record(path, hash, dirty.Entry{Code: r.Code, Committed: r.Committed, Unresolved: r.Unresolved})
	return r
}
