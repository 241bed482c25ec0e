// Package commands provides the CLI commands for deflat.
package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/log"
	"github.com/l3aro/go-deflat/internal/server"
	"github.com/l3aro/go-deflat/pkg/deflat"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/task"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "deflat",
	Short: "deflat - control-flow flattening removal for lifted microcode",
	Long: `deflat recovers the original control flow of functions obfuscated by
control-flow flattening. It reads tasks exported by the IDA plugin, finds the
dispatcher, resolves where every state assignment leads and rewires the
graph around it.

Commands:
  run         Deobfuscate a task file
  batch       Deobfuscate every task file below a directory
  inspect     Show dispatchers, patches and unresolved blocks of a task
  cfg         Print the blocks and edges of a task's graph
  dot         Render a task's graph in Graphviz format
  flatten     Flatten a task's graph (test input generator)
  serve       Serve deobfuscation requests over HTTP
  submit      Send a task to the server, or process it in-process
  stop        Stop a detached server
  status      Show detached server status
  init        Create a configuration file interactively
  doctor      Check the configuration

Use "deflat [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().String("config", "", "Config file path (default: project then global config)")
	RootCmd.PersistentFlags().Bool("verbose", false, "Verbose logging")
}

// LoadConfig loads the configuration named by --config, or the layered
// default one, and returns it with the path of the file in effect.
func LoadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
		path = effectiveConfigPath()
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Verbose = true
	}
	return cfg, path, nil
}

// effectiveConfigPath returns the config file Load reads last, or "" when
// only defaults and environment apply.
func effectiveConfigPath() string {
	for _, p := range []string{config.ProjectConfigFilePath(), config.GlobalConfigFilePath()} {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// NewLogger returns a logger set up from cfg.
func NewLogger(cfg *config.Config) log.Logger {
	level := log.InfoLevel
	if cfg.Verbose {
		level = log.DebugLevel
	}
	return log.New(log.LoggerConfig{Level: level, JSONOutput: cfg.JSONLogs})
}

// parseAddrs parses addresses written in decimal, or hex with a 0x prefix.
func parseAddrs(in []string) ([]uint64, error) {
	out := make([]uint64, 0, len(in))
	for _, s := range in {
		ea, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out = append(out, ea)
	}
	return out, nil
}

// addTaskFlags registers the flags shared by the commands that run a task.
func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "Dispatcher policy: tolerate or abort (default from config)")
	cmd.Flags().String("maturity", "", "Maturity the graph was lifted at, overriding the task")
	cmd.Flags().StringSlice("dispatcher", nil, "Additional dispatcher address (repeatable)")
}

// loadTask reads a task and applies the command line overrides to it and
// to cfg.
func loadTask(cmd *cobra.Command, path string, cfg *config.Config) (*task.Task, error) {
	t, err := task.Load(path)
	if err != nil {
		return nil, err
	}
	if policy, _ := cmd.Flags().GetString("policy"); policy != "" {
		cfg.DispatcherPolicy = policy
	}
	if m, _ := cmd.Flags().GetString("maturity"); m != "" {
		level, err := mir.ParseMaturity(m)
		if err != nil {
			return nil, err
		}
		t.Maturity = int(level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	extra, _ := cmd.Flags().GetStringSlice("dispatcher")
	addrs, err := parseAddrs(extra)
	if err != nil {
		return nil, err
	}
	t.Dispatchers = append(t.Dispatchers, addrs...)
	return t, nil
}

// deobfuscate runs a task, logging every event.
func deobfuscate(ctx context.Context, t *task.Task, cfg *config.Config, logger log.Logger) (*mir.Graph, *deflat.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	obs := deflat.ObserverFunc(func(e deflat.Event) {
		logger.Warn(e.Kind.String(), "blk", e.Serial, "addr", fmt.Sprintf("%#x", e.Addr), "msg", e.Message)
	})

	spinner := log.NewProgressSpinner(fmt.Sprintf("deobfuscating (%d dispatchers)", len(t.Dispatchers)))
	spinner.Start()
	start := time.Now()
	g, rep, err := server.RunTask(ctx, t, cfg, obs)
	spinner.Stop()
	if rep != nil {
		logger.Debug("run finished", "committed", rep.Committed(), "events", len(rep.Events), "took", time.Since(start))
	}
	return g, rep, err
}
