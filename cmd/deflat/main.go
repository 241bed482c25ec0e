// Package main implements the deflat CLI.
// It provides commands for deobfuscating task files, inspecting their
// graphs, and serving requests over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/cmd/deflat/commands"
	"github.com/l3aro/go-deflat/internal/daemon"
	"github.com/l3aro/go-deflat/internal/server"
)

var (
	version   = "dev"
	buildTime = ""
)

func main() {
	// Add serve command
	serveCmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve deobfuscation requests over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			detach, _ := cmd.Flags().GetBool("detach")
			logFile, _ := cmd.Flags().GetString("log-file")
			return runServe(cmd, listen, detach, logFile)
		},
	}
	serveCmd.Flags().String("listen", "", "Listen address (default from config)")
	serveCmd.Flags().BoolP("detach", "d", false, "Run in background")
	serveCmd.Flags().String("log-file", "", "Log file of the detached server")

	// Add stop command
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the detached server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop()
		},
	}

	// Add status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show detached server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return runStatus(cmd.Context(), jsonOutput)
		},
	}
	statusCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	// Add all commands to root
	commands.RootCmd.AddCommand(serveCmd)
	commands.RootCmd.AddCommand(stopCmd)
	commands.RootCmd.AddCommand(statusCmd)

	commands.RootCmd.Flags().BoolP("version", "v", false, "Print version information")
	commands.RootCmd.SetVersionTemplate(`deflat version {{.Version}}
`)
	commands.RootCmd.Version = version
	if buildTime != "" {
		commands.RootCmd.Version = version + " (" + buildTime + ")"
	}

	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, listen string, detach bool, logFile string) error {
	cfg, configPath, err := commands.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	if detach {
		result, err := daemon.Start(cmd.Context(), &daemon.StartOptions{
			ConfigPath:   configPath,
			Listen:       cfg.Listen,
			Verbose:      cfg.Verbose,
			LogFile:      logFile,
			WaitForReady: true,
			ReadyTimeout: 10 * time.Second,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			if result.Error != "" {
				fmt.Printf("Failed to start server: %s\n", result.Error)
			}
			if result.PID > 0 {
				fmt.Printf("Server running with PID %d\n", result.PID)
			}
			return nil
		}
		fmt.Printf("Server started with PID %d, listening on %s\n", result.PID, cfg.Listen)
		return nil
	}

	logger := commands.NewLogger(cfg)
	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func runStop() error {
	result, err := daemon.Stop()
	if err != nil {
		return err
	}

	if !result.Success {
		if result.Error != "" {
			fmt.Printf("Failed to stop server: %s\n", result.Error)
		}
		return nil
	}

	fmt.Printf("Server stopped (PID: %d)\n", result.PID)
	return nil
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	result := daemon.GetStatus(ctx)

	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Status: %s\n", result.Status)
	if result.Error != "" {
		fmt.Printf("Error: %s\n", result.Error)
	}
	if result.PID > 0 {
		fmt.Printf("PID: %d\n", result.PID)
	}
	if result.Listen != "" {
		fmt.Printf("Listen: %s\n", result.Listen)
	}
	if !result.StartedAt.IsZero() {
		fmt.Printf("Started: %s\n", result.StartedAt.Format(time.RFC3339))
	}
	return nil
}
