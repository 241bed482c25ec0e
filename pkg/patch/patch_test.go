package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

func ea(serial int) uint64 { return 0x2000 + uint64(serial)*0x10 }

// shared builds three feeders that all set state 1:
//
//	0 entry   switch a: 1, 2, 3
//	1..3      s = 1                -> 4
//	4 head    s == 1 ? 5 : 6       (dispatcher)
//	5 real    x = 7; ret
//	6 trap    ret
func shared() *mir.Graph {
	s := mir.Reg("s")
	g := mir.New("shared", ea(0))
	g.Emit(ea(0), mir.BlockNormal, []mir.Insn{mir.Jtbl(mir.Reg("a"), 0, 1)}, 1, 2, 3)
	for i := 1; i <= 3; i++ {
		g.Emit(ea(i), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(1)), mir.Goto()}, 4)
	}
	g.Emit(ea(4), mir.BlockDispatcher, []mir.Insn{mir.Jcc(s, mir.CondEq, mir.Imm(1))}, 5, 6)
	g.Emit(ea(5), mir.BlockExit, []mir.Insn{mir.Mov(mir.Reg("x"), mir.Imm(7)), mir.Ret()})
	g.Emit(ea(6), mir.BlockExit, []mir.Insn{mir.Ret()})
	return g
}

func flow(dest int) []pathfind.Flow {
	return []pathfind.Flow{{Slot: 0, Dest: dest, Method: pathfind.MethodStatic}}
}

func TestSplitter_ThreeSharers(t *testing.T) {
	g := shared()
	in := pathfind.EdgeFlowMap{1: flow(5), 2: flow(5), 3: flow(5)}

	out, res := NewSplitter(g).Run(in)

	require.Len(t, res.Copies[5], 2)
	c1, c2 := res.Copies[5][0], res.Copies[5][1]
	assert.Equal(t, 5, out[1][0].Dest, "lowest source keeps the original")
	assert.Equal(t, c1, out[2][0].Dest)
	assert.Equal(t, c2, out[3][0].Dest)
	assert.Equal(t, 5, in[2][0].Dest, "input map is not modified")

	for _, c := range res.Copies[5] {
		assert.Equal(t, g.Block(5).Insns, g.Block(c).Insns)
		assert.Equal(t, mir.BlockExit, g.Block(c).Type)
	}

	p := NewPatcher(g)
	for _, src := range out.Sources() {
		require.True(t, p.Run(src, out[src]).Committed)
	}
	assert.Equal(t, []int{1}, g.Preds(5))
	assert.Equal(t, []int{2}, g.Preds(c1))
	assert.Equal(t, []int{3}, g.Preds(c2))
	assert.Empty(t, g.Preds(4))
}

func TestSplitter_InheritsFlowsOfSharedSource(t *testing.T) {
	g := shared()
	// Make block 5 a feeder too, heading back into the dispatcher for state 2.
	g.Block(5).Insns, _ = mir.Assemble(ea(5), mir.Mov(mir.Reg("x"), mir.Imm(7)), mir.Goto())
	g.Block(5).Type = mir.BlockNormal
	g.Block(5).Succs = []int{4}
	in := pathfind.EdgeFlowMap{1: flow(5), 2: flow(5), 5: flow(6)}

	out, res := NewSplitter(g).Run(in)

	require.Len(t, res.Copies[5], 1)
	c := res.Copies[5][0]
	assert.Equal(t, c, out[2][0].Dest)
	require.Len(t, out[c], 1, "copy inherits the flows of 5")
	// 6 is now shared by 5 and its copy and gets split in turn.
	require.Len(t, res.Copies[6], 1)
	assert.Equal(t, 6, out[5][0].Dest)
	assert.Equal(t, res.Copies[6][0], out[c][0].Dest)
}

// chained builds a shared destination that is itself a source:
//
//	0 entry   switch a: 1, 2, 3
//	1, 2      s = 2                -> 4   (both reach X)
//	3         s = 1                -> 4   (reaches D)
//	4 head    switch s: 1 -> 5, 2 -> 6, else 7   (dispatcher)
//	5 D       ret
//	6 X       s = 1                -> 4   (reaches D)
//	7 trap    ret
func chained() *mir.Graph {
	s := mir.Reg("s")
	g := mir.New("chained", ea(0))
	g.Emit(ea(0), mir.BlockNormal, []mir.Insn{mir.Jtbl(mir.Reg("a"), 0, 1)}, 1, 2, 3)
	g.Emit(ea(1), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(2)), mir.Goto()}, 4)
	g.Emit(ea(2), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(2)), mir.Goto()}, 4)
	g.Emit(ea(3), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(1)), mir.Goto()}, 4)
	g.Emit(ea(4), mir.BlockDispatcher, []mir.Insn{mir.Jtbl(s, 1, 2)}, 5, 6, 7)
	g.Emit(ea(5), mir.BlockExit, []mir.Insn{mir.Ret()})
	g.Emit(ea(6), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(1)), mir.Goto()}, 4)
	g.Emit(ea(7), mir.BlockExit, []mir.Insn{mir.Ret()})
	return g
}

func TestSplitter_SplitsCopiesAgain(t *testing.T) {
	g := chained()
	require.NoError(t, g.Validate())
	in := pathfind.EdgeFlowMap{1: flow(6), 2: flow(6), 3: flow(5), 6: flow(5)}

	out, res := NewSplitter(g).Run(in)

	// 5 is split first for X, then X is split for 2 and its copy inherits
	// the flow to X's copy of 5, which is split once more.
	require.Len(t, res.Copies[5], 1)
	require.Len(t, res.Copies[6], 1)
	d1, x1 := res.Copies[5][0], res.Copies[6][0]
	require.Len(t, res.Copies[d1], 1)
	d2 := res.Copies[d1][0]

	assert.Equal(t, 5, out[3][0].Dest)
	assert.Equal(t, d1, out[6][0].Dest)
	assert.Equal(t, 6, out[1][0].Dest)
	assert.Equal(t, x1, out[2][0].Dest)
	assert.Equal(t, d2, out[x1][0].Dest)

	owner := make(map[int]int)
	for _, src := range out.Sources() {
		for _, d := range out.Dests(src) {
			prev, shared := owner[d]
			assert.False(t, shared, "sources %d and %d share destination %d", prev, src, d)
			owner[d] = src
		}
	}
	assert.Equal(t, g.Block(5).Insns, g.Block(d2).Insns)

	p := NewPatcher(g)
	for _, src := range out.Sources() {
		require.True(t, p.Run(src, out[src]).Committed, "blk%d", src)
	}
	Finalize(g)
	assert.NoError(t, g.Validate())
}

func TestSplitter_SkipsLoopHeader(t *testing.T) {
	g := shared()
	// 5 jumps back to source 1 through a real edge.
	g.Block(5).Insns, _ = mir.Assemble(ea(5), mir.Goto())
	g.Block(5).Type = mir.BlockNormal
	g.Block(5).Succs = []int{1}
	in := pathfind.EdgeFlowMap{1: flow(5), 2: flow(5)}

	out, res := NewSplitter(g).Run(in)
	assert.Empty(t, res.Copies)
	assert.Equal(t, in, out)
}

func TestSplitter_SkipsStopBlocks(t *testing.T) {
	g := shared()
	g.Block(6).Type = mir.BlockStop
	g.Block(6).Insns = nil
	in := pathfind.EdgeFlowMap{1: flow(6), 2: flow(6)}

	_, res := NewSplitter(g).Run(in)
	assert.Empty(t, res.Copies)
}

func TestPatcher(t *testing.T) {
	tests := []struct {
		name      string
		src       int
		flows     []pathfind.Flow
		committed bool
		reason    string
		destEAs   []uint64
	}{
		{"single flow", 1, flow(5), true, "", []uint64{ea(5)}},
		{"no flow", 1, nil, false, "slot 0 has no flow", nil},
		{"two candidates", 1, append(flow(5), pathfind.Flow{Slot: 0, Dest: 6}), false, "2 candidate destinations", []uint64{ea(5), ea(6)}},
		{"wrong slot", 1, []pathfind.Flow{{Slot: 1, Dest: 5}}, false, "does not enter a dispatcher", []uint64{ea(5)}},
		{"not facing", 0, flow(5), false, "no dispatcher-facing slot", nil},
		{"unknown dest", 1, flow(42), false, "unknown block 42", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := shared()
			before := append([]int(nil), g.Block(tt.src).Succs...)

			got := NewPatcher(g).Run(tt.src, tt.flows)
			assert.Equal(t, tt.committed, got.Committed)
			assert.Contains(t, got.Reason, tt.reason)
			assert.Equal(t, ea(tt.src), got.SourceEA)
			assert.Equal(t, tt.destEAs, got.DestEAs)

			if tt.committed {
				assert.Equal(t, []int{5}, g.Block(tt.src).Succs)
				assert.Equal(t, len(g.Block(tt.src).Succs), g.Block(tt.src).Arity())
				return
			}
			assert.Equal(t, before, g.Block(tt.src).Succs, "rejected patch must not touch the block")
		})
	}
}

func TestPatchOutcome_StringNamesDestinations(t *testing.T) {
	got := NewPatcher(shared()).Run(1, append(flow(5), pathfind.Flow{Slot: 0, Dest: 6}))
	require.False(t, got.Committed)
	assert.Equal(t, "blk1 (0x2010) -> [0x2050 0x2060] rejected: slot 0 has 2 candidate destinations", got.String())
}

func TestPatcher_MarksDirty(t *testing.T) {
	g := shared()
	require.Equal(t, []int{1, 2, 3}, g.Preds(4))

	got := NewPatcher(g).Run(2, flow(5))
	require.True(t, got.Committed)
	assert.True(t, g.Block(2).ListsDirty())
	assert.True(t, g.Block(4).ListsDirty())
	assert.True(t, g.Block(5).ListsDirty())
	assert.Equal(t, []int{1, 3}, g.Preds(4))
}

func TestFinalize(t *testing.T) {
	g := shared()
	g.Block(0).Type = mir.BlockDispatcher
	g.Block(6).Type = mir.BlockDispatcher

	assert.Equal(t, 2, Finalize(g))
	assert.Equal(t, mir.BlockDispatcher, g.Block(0).Type)
	assert.Equal(t, mir.BlockNormal, g.Block(4).Type)
	assert.Equal(t, mir.BlockNormal, g.Block(6).Type)
	assert.True(t, g.Block(4).ListsDirty())

	assert.Zero(t, Finalize(g), "second run changes nothing")
}
