// Package patch rewrites a flattened graph once its flows are known: shared
// destinations are duplicated, dispatcher-facing edges are redirected to
// their real targets and leftover dispatcher tags are cleared.
package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

// PatchOutcome reports what happened to one source block.
type PatchOutcome struct {
	Source    int      `json:"source"`
	SourceEA  uint64   `json:"source_ea"`
	Dests     []int    `json:"dests,omitempty"`
	DestEAs   []uint64 `json:"dest_eas,omitempty"`
	Committed bool     `json:"committed"`
	Reason    string   `json:"reason,omitempty"`
}

func (o PatchOutcome) String() string {
	if o.Committed {
		return fmt.Sprintf("blk%d (0x%x) -> %v", o.Source, o.SourceEA, o.Dests)
	}
	return fmt.Sprintf("blk%d (0x%x) -> %s rejected: %s", o.Source, o.SourceEA, hexList(o.DestEAs), o.Reason)
}

// hexList renders addresses as [0x10 0x20].
func hexList(eas []uint64) string {
	parts := make([]string, len(eas))
	for i, ea := range eas {
		parts[i] = fmt.Sprintf("0x%x", ea)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Patcher redirects the dispatcher-facing edges of source blocks. A slot is
// dispatcher-facing when its successor is tagged mir.BlockDispatcher.
type Patcher struct {
	g *mir.Graph
}

// NewPatcher returns a patcher over g.
func NewPatcher(g *mir.Graph) *Patcher {
	return &Patcher{g: g}
}

// Run rewrites src with flows. The patch is all or nothing: every
// dispatcher-facing slot needs exactly one destination and no flow may name
// another slot, otherwise the block is left untouched.
func (p *Patcher) Run(src int, flows []pathfind.Flow) PatchOutcome {
	out := PatchOutcome{Source: src}
	b := p.g.Block(src)
	if b == nil {
		out.Reason = "no such block"
		return out
	}
	out.SourceEA = b.Start

	facing := make(map[int]bool)
	for slot, s := range b.Succs {
		if t := p.g.Block(s); t != nil && t.Type == mir.BlockDispatcher {
			facing[slot] = true
		}
	}
	if len(facing) == 0 {
		out.Reason = "no dispatcher-facing slot"
		return out
	}

	// Attempted destinations are reported whether or not the patch commits.
	seen := make(map[int]bool)
	for _, f := range flows {
		if seen[f.Dest] {
			continue
		}
		seen[f.Dest] = true
		if d := p.g.Block(f.Dest); d != nil {
			out.Dests = append(out.Dests, f.Dest)
			out.DestEAs = append(out.DestEAs, d.Start)
		}
	}

	dests := make(map[int]map[int]bool)
	for _, f := range flows {
		if !facing[f.Slot] {
			out.Reason = fmt.Sprintf("flow targets slot %d which does not enter a dispatcher", f.Slot)
			return out
		}
		if p.g.Block(f.Dest) == nil {
			out.Reason = fmt.Sprintf("flow targets unknown block %d", f.Dest)
			return out
		}
		if dests[f.Slot] == nil {
			dests[f.Slot] = make(map[int]bool)
		}
		dests[f.Slot][f.Dest] = true
	}

	slots := make([]int, 0, len(facing))
	for slot := range facing {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		switch n := len(dests[slot]); {
		case n == 0:
			out.Reason = fmt.Sprintf("slot %d has no flow", slot)
			return out
		case n > 1:
			out.Reason = fmt.Sprintf("slot %d has %d candidate destinations", slot, n)
			return out
		}
	}

	succs := append([]int(nil), b.Succs...)
	var patched []int
	var patchedEAs []uint64
	for _, slot := range slots {
		for d := range dests[slot] {
			succs[slot] = d
			patched = append(patched, d)
			patchedEAs = append(patchedEAs, p.g.Block(d).Start)
		}
	}

	if err := p.g.SetSuccs(src, succs); err != nil {
		out.Reason = err.Error()
		return out
	}
	out.Dests, out.DestEAs = patched, patchedEAs
	out.Committed = true
	return out
}
