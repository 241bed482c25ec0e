package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-deflat/internal/disasm"
	"github.com/l3aro/go-deflat/pkg/deflat"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/task"
)

// UnresolvedBlock is an unresolved block with its machine code listing.
type UnresolvedBlock struct {
	Serial  int      `json:"serial"`
	Addr    uint64   `json:"addr"`
	Insns   []string `json:"insns"`
	Listing []string `json:"listing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// InspectResult is the JSON output of inspect.
type InspectResult struct {
	Report     *deflat.Report    `json:"report"`
	Unresolved []UnresolvedBlock `json:"unresolved"`
}

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <task.json>",
	Short: "Show dispatchers, patches and unresolved blocks of a task",
	Long: `Runs the task without writing anything and explains the outcome. Each
block that still enters a dispatcher is listed with its microcode and, when
the task carries the function bytes, the machine code it was lifted from.`,
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
		g, rep, err := deobfuscate(cmd.Context(), t, cfg, NewLogger(cfg))
		if err != nil && !errors.Is(err, deflat.ErrClassification) {
			return err
		}

		result := InspectResult{Report: rep, Unresolved: unresolvedBlocks(t, g, rep)}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		printInspect(result)
		return nil
	},
}

func unresolvedBlocks(t *task.Task, g *mir.Graph, rep *deflat.Report) []UnresolvedBlock {
	var out []UnresolvedBlock
	for _, ref := range rep.Unresolved() {
		b := g.Block(ref.Serial)
		ub := UnresolvedBlock{Serial: ref.Serial, Addr: ref.Addr}
		for _, in := range b.Insns {
			ub.Insns = append(ub.Insns, in.String())
		}
		if len(t.Func) > 0 {
			lines, err := disasm.Range(t, b.Start, b.End)
			if err != nil {
				ub.Error = err.Error()
			}
			for _, l := range lines {
				ub.Listing = append(ub.Listing, l.String())
			}
		}
		out = append(out, ub)
	}
	return out
}

func printInspect(r InspectResult) {
	printSummary(r.Report)

	if len(r.Report.Events) > 0 {
		fmt.Printf("\nEvents (%d):\n", len(r.Report.Events))
		for _, e := range r.Report.Events {
			fmt.Printf("  %s\n", e)
		}
	}

	fmt.Printf("\nPatches (%d):\n", len(r.Report.Patches))
	for _, p := range r.Report.Patches {
		fmt.Printf("  %s\n", p)
	}

	for _, ub := range r.Unresolved {
		fmt.Printf("\nblk%d at 0x%x:\n", ub.Serial, ub.Addr)
		for _, in := range ub.Insns {
			fmt.Printf("    %s\n", in)
		}
		if len(ub.Listing) > 0 {
			fmt.Println("  machine code:")
			for _, l := range ub.Listing {
				fmt.Printf("    %s\n", l)
			}
		}
		if ub.Error != "" {
			fmt.Printf("  (%s)\n", ub.Error)
		}
	}
}

func init() {
	inspectCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	addTaskFlags(inspectCmd)
	RootCmd.AddCommand(inspectCmd)
}
