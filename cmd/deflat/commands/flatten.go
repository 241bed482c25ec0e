package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/pkg/flatten"
	"github.com/l3aro/go-deflat/pkg/task"
)

// flattenCmd represents the flatten command
var flattenCmd = &cobra.Command{
	Use:   "flatten <task.json>",
	Short: "Flatten a task's graph",
	Long: `Applies control-flow flattening to the graph of a task and writes a new
task naming the generated dispatcher. The output is meant as input for run
and inspect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		logger := NewLogger(cfg)

		src, err := task.Load(args[0])
		if err != nil {
			return err
		}
		g, err := src.Graph()
		if err != nil {
			return err
		}

		seed, _ := cmd.Flags().GetInt64("seed")
		if !cmd.Flags().Changed("seed") {
			seed = time.Now().UnixNano()
		}
		stateReg, _ := cmd.Flags().GetString("state-reg")
		res, err := flatten.Flatten(g, flatten.Options{Seed: seed, StateReg: stateReg})
		if err != nil {
			return err
		}

		out := *src
		out.Dispatchers = []uint64{res.Dispatcher}
		if err := out.SetGraph(res.Graph); err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if err := out.Save(output); err != nil {
			return err
		}
		logger.Info("flattened", "function", g.Name, "blocks", res.Graph.Len(), "dispatcher", fmt.Sprintf("%#x", res.Dispatcher), "seed", seed, "path", output)
		return nil
	},
}

func init() {
	flattenCmd.Flags().StringP("output", "o", "", "Output task file")
	flattenCmd.Flags().Int64("seed", 0, "Shuffle seed (default: random)")
	flattenCmd.Flags().String("state-reg", flatten.DefaultStateReg, "Register holding the dispatcher state")
	_ = flattenCmd.MarkFlagRequired("output")
	RootCmd.AddCommand(flattenCmd)
}
