package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/pkg/mir"
)

// BlockInfo is a block as printed by cfg.
type BlockInfo struct {
	Serial int      `json:"serial"`
	Start  uint64   `json:"start"`
	End    uint64   `json:"end"`
	Type   string   `json:"type"`
	Insns  []string `json:"insns"`
	Succs  []int    `json:"succs"`
	Preds  []int    `json:"preds"`
}

// CFGInfo is the output of cfg.
type CFGInfo struct {
	Function string      `json:"function"`
	Maturity string      `json:"maturity"`
	Entry    uint64      `json:"entry"`
	Blocks   []BlockInfo `json:"blocks"`
	Edges    []mir.Edge  `json:"edges"`
}

func newCFGInfo(g *mir.Graph) *CFGInfo {
	info := &CFGInfo{Function: g.Name, Maturity: g.Maturity.String(), Entry: g.EntryEA, Edges: g.Edges()}
	for _, b := range g.Blocks {
		bi := BlockInfo{
			Serial: b.Serial,
			Start:  b.Start,
			End:    b.End,
			Type:   b.Type.String(),
			Succs:  b.Succs,
			Preds:  g.Preds(b.Serial),
		}
		for _, in := range b.Insns {
			bi.Insns = append(bi.Insns, in.String())
		}
		info.Blocks = append(info.Blocks, bi)
	}
	return info
}

// cfgCmd represents the cfg command
var cfgCmd = &cobra.Command{
	Use:   "cfg <task.json>",
	Short: "Print the blocks and edges of a task's graph",
	Long: `Prints the microcode graph carried by a task: every block with its
instructions, and every edge with the condition that selects it.`,
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
		info := newCFGInfo(g)

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		printCFGInfo(info)
		return nil
	},
}

// printCFGInfo prints CFG information in human-readable format.
func printCFGInfo(info *CFGInfo) {
	fmt.Printf("=== CFG for function: %s ===\n", info.Function)
	fmt.Printf("Maturity: %s\n", info.Maturity)
	fmt.Printf("Entry: 0x%x\n", info.Entry)
	fmt.Printf("\nBlocks (%d):\n", len(info.Blocks))
	for _, b := range info.Blocks {
		fmt.Printf("  %d (%s, 0x%x-0x%x) preds %v\n", b.Serial, b.Type, b.Start, b.End, b.Preds)
		for _, in := range b.Insns {
			fmt.Printf("    %s\n", in)
		}
	}

	fmt.Printf("\nEdges (%d):\n", len(info.Edges))
	for _, e := range info.Edges {
		if e.Guard != "" {
			fmt.Printf("  %d --%s--> %d\n", e.From, e.Guard, e.To)
		} else {
			fmt.Printf("  %d --> %d\n", e.From, e.To)
		}
	}
}

func init() {
	cfgCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	addTaskFlags(cfgCmd)
	RootCmd.AddCommand(cfgCmd)
}
