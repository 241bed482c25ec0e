package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/batch"
	"github.com/l3aro/go-deflat/internal/server"
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Deobfuscate every task file below a directory",
	Long: `Deobfuscates every *.json task below a directory and writes each patched
task next to its input as <name>.deflat.json. Tasks unchanged since the last
pass, under the same settings, are skipped unless --force is given. Paths
listed in .deflatignore files are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		if policy, _ := cmd.Flags().GetString("policy"); policy != "" {
			cfg.DispatcherPolicy = policy
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := NewLogger(cfg)

		jobs, _ := cmd.Flags().GetInt("jobs")
		force, _ := cmd.Flags().GetBool("force")
		stateDir, _ := cmd.Flags().GetString("state-dir")
		sum, err := batch.Run(cmd.Context(), args[0], cfg, batch.Options{Jobs: jobs, Force: force, StateDir: stateDir}, logger)
		if err != nil {
			return err
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, err := json.MarshalIndent(sum, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
		} else {
			printBatchSummary(sum)
		}
		if _, _, failed := sum.Counts(); failed > 0 {
			return fmt.Errorf("%d task(s) failed", failed)
		}
		return nil
	},
}

func printBatchSummary(sum *batch.Summary) {
	for _, r := range sum.Results {
		switch {
		case r.Skipped:
			fmt.Printf("  = %s (unchanged)\n", r.Path)
		case r.Code == server.CodeOK:
			fmt.Printf("  ✓ %s: %d committed, %d unresolved\n", r.Path, r.Committed, r.Unresolved)
		default:
			fmt.Printf("  ✗ %s: [%d] %s\n", r.Path, r.Code, r.Error)
		}
	}
	processed, skipped, failed := sum.Counts()
	fmt.Printf("\n%d processed, %d skipped, %d failed in %s\n", processed, skipped, failed, sum.Elapsed.Round(1e6))
}

func init() {
	batchCmd.Flags().Int("jobs", 0, "Tasks processed concurrently (default: number of CPUs)")
	batchCmd.Flags().Bool("force", false, "Reprocess tasks unchanged since the last pass")
	batchCmd.Flags().String("state-dir", "", "Directory holding the record of previous passes (default: .deflat)")
	batchCmd.Flags().String("policy", "", "Dispatcher policy: tolerate or abort (default from config)")
	batchCmd.Flags().BoolP("json", "j", false, "Output the summary as JSON")
	RootCmd.AddCommand(batchCmd)
}
