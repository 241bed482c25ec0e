package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/pkg/deflat"
)

// dotCmd represents the dot command
var dotCmd = &cobra.Command{
	Use:   "dot <task.json>",
	Short: "Render a task's graph in Graphviz format",
	Long: `Writes the task's graph as a Graphviz digraph. With --patched the task is
deobfuscated first, so the output shows the recovered control flow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		t, err := loadTask(cmd, args[0], cfg)
		if err != nil {
			return err
		}

		g, err := t.Graph()
		if err != nil {
			return err
		}
		if patched, _ := cmd.Flags().GetBool("patched"); patched {
			g, _, err = deobfuscate(cmd.Context(), t, cfg, NewLogger(cfg))
			if err != nil && !errors.Is(err, deflat.ErrClassification) {
				return err
			}
		}

		insns, _ := cmd.Flags().GetBool("insns")
		out := g.Dot(insns)

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			fmt.Print(out)
			return nil
		}
		if err := os.WriteFile(output, []byte(out), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		return nil
	},
}

func init() {
	dotCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	dotCmd.Flags().Bool("patched", false, "Deobfuscate before rendering")
	dotCmd.Flags().Bool("insns", false, "List instructions in each node")
	addTaskFlags(dotCmd)
	RootCmd.AddCommand(dotCmd)
}
