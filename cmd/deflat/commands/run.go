package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/pkg/deflat"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <task.json>",
	Short: "Deobfuscate a task file",
	Long: `Deobfuscates the graph of a task file. The patched graph is written back
as a task with -o; the report is printed either way.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		logger := NewLogger(cfg)

		t, err := loadTask(cmd, args[0], cfg)
		if err != nil {
			return err
		}
		g, rep, err := deobfuscate(cmd.Context(), t, cfg, logger)
		if err != nil && !errors.Is(err, deflat.ErrClassification) {
			return err
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, merr := json.MarshalIndent(rep, "", "  ")
			if merr != nil {
				return fmt.Errorf("marshaling JSON: %w", merr)
			}
			fmt.Println(string(data))
		} else {
			printSummary(rep)
		}
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			return nil
		}
		if rep.Committed() == 0 {
			return fmt.Errorf("no dispatcher edge could be recovered, %s not written", output)
		}
		if err := t.SetGraph(g); err != nil {
			return err
		}
		if err := t.Save(output); err != nil {
			return err
		}
		logger.Info("patched task written", "path", output)
		return nil
	},
}

func printSummary(rep *deflat.Report) {
	fmt.Printf("=== %s (%s) ===\n", rep.Function, rep.Maturity)
	fmt.Printf("Dispatchers: %d\n", len(rep.Dispatchers))
	for _, d := range rep.Dispatchers {
		fmt.Printf("  0x%x: %d blocks, %d cases, state %v\n", d.Entry, len(d.Members), len(d.Cases), d.StateVars)
	}
	fmt.Printf("Patches: %d committed of %d\n", rep.Committed(), len(rep.Patches))
	fmt.Printf("Finalized: %d\n", rep.Finalized)
	if unresolved := rep.Unresolved(); len(unresolved) > 0 {
		fmt.Printf("Unresolved: %d\n", len(unresolved))
		for _, b := range unresolved {
			fmt.Printf("  blk%d at 0x%x\n", b.Serial, b.Addr)
		}
	}
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "Write the patched task to this file")
	runCmd.Flags().BoolP("json", "j", false, "Output the report as JSON")
	addTaskFlags(runCmd)
	RootCmd.AddCommand(runCmd)
}
