package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/go-deflat/pkg/mir"
)

func ea(serial int) uint64 { return 0x1000 + uint64(serial)*0x10 }

// twoStates is a flattened function with states 1 and 2:
//
//	0 entry   s = 1            -> 1
//	1 head    s == 1 ? 3 : 2
//	2 cmp     s == 2 ? 4 : 5
//	3 body1   x = 10; s = 2    -> 6
//	4 body2   x = 20           -> 7
//	5 trap    ret
//	6 latch                    -> 1
//	7 out     ret
func twoStates(latch []mir.Insn) *mir.Graph {
	s, x := mir.Reg("s"), mir.Reg("x")
	g := mir.New("two_states", ea(0))
	g.Emit(ea(0), mir.BlockNormal, []mir.Insn{mir.Mov(s, mir.Imm(1)), mir.Goto()}, 1)
	g.Emit(ea(1), mir.BlockNormal, []mir.Insn{mir.Jcc(s, mir.CondEq, mir.Imm(1))}, 3, 2)
	g.Emit(ea(2), mir.BlockNormal, []mir.Insn{mir.Jcc(s, mir.CondEq, mir.Imm(2))}, 4, 5)
	g.Emit(ea(3), mir.BlockNormal, []mir.Insn{mir.Mov(x, mir.Imm(10)), mir.Mov(s, mir.Imm(2)), mir.Goto()}, 6)
	g.Emit(ea(4), mir.BlockNormal, []mir.Insn{mir.Mov(x, mir.Imm(20)), mir.Goto()}, 7)
	g.Emit(ea(5), mir.BlockExit, []mir.Insn{mir.Ret()})
	g.Emit(ea(6), mir.BlockNormal, append(latch, mir.Goto()), 1)
	g.Emit(ea(7), mir.BlockExit, []mir.Insn{mir.Ret()})
	return g
}

func TestAnalyzer_TwoStates(t *testing.T) {
	g := twoStates(nil)
	a := New(g)
	require.NoError(t, a.MarkDispatcher(ea(1)))

	sets, errs := a.Run()
	require.Empty(t, errs)
	require.Len(t, sets, 1)

	set := sets[0]
	assert.Equal(t, []int{1, 2, 6}, set.Members())
	assert.Equal(t, []int{3, 4, 5}, set.Exits)
	assert.Equal(t, []uint64{1, 2}, set.Cases)
	assert.Equal(t, []string{"s"}, set.StateVars)
	assert.Equal(t, 1, set.Head)

	for serial := 0; serial < g.Len(); serial++ {
		assert.Equal(t, set.Contains(serial), a.IsDispatcher(serial), "block %d", serial)
		if set.Contains(serial) {
			assert.Same(t, set, a.SetOf(serial))
		} else {
			assert.Nil(t, a.SetOf(serial))
		}
	}
	assert.NoError(t, g.Validate())
}

func TestAnalyzer_IncidentalReadsStayOut(t *testing.T) {
	s := mir.Reg("s")
	g := twoStates([]mir.Insn{mir.Bin(mir.OpAdd, mir.Reg("t"), s, mir.Imm(1))})
	// body2 branches on a value derived from s: still real code.
	g.Block(4).Insns = []mir.Insn{
		mir.Bin(mir.OpAdd, mir.Reg("y"), s, mir.Imm(1)),
		mir.Jcc(mir.Reg("y"), mir.CondEq, mir.Imm(5)),
	}
	g.Block(4).Succs = []int{7, 7}

	a := New(g)
	require.NoError(t, a.MarkDispatcher(ea(1)))
	sets, errs := a.Run()
	require.Empty(t, errs)
	require.Len(t, sets, 1)

	assert.Equal(t, []int{1, 2}, sets[0].Members())
	assert.False(t, a.IsDispatcher(6))
	assert.False(t, a.IsDispatcher(4))
	assert.Equal(t, []int{3, 4, 5}, sets[0].Exits)
}

func TestAnalyzer_RejectedComparisonAddsNoAlias(t *testing.T) {
	s, tmp := mir.Reg("s"), mir.Reg("t")
	g := twoStates(nil)
	// body2 looks like a comparison on a copy of s, but block 8 reaches it
	// from outside the dispatcher.
	g.Block(4).Insns = []mir.Insn{
		mir.Mov(tmp, s),
		mir.Jcc(s, mir.CondEq, mir.Imm(9)),
	}
	g.Block(4).Succs = []int{7, 7}
	g.Emit(ea(8), mir.BlockNormal, []mir.Insn{mir.Mov(mir.Reg("x"), mir.Imm(30)), mir.Goto()}, 4)

	a := New(g)
	require.NoError(t, a.MarkDispatcher(ea(1)))
	sets, errs := a.Run()
	require.Empty(t, errs)
	require.Len(t, sets, 1)

	assert.Equal(t, []int{1, 2, 6}, sets[0].Members())
	assert.False(t, a.IsDispatcher(4))
	assert.Equal(t, []string{"s"}, sets[0].StateVars)
	assert.False(t, sets[0].IsState("t"))
}

func TestAnalyzer_JtblWithAlias(t *testing.T) {
	s, v := mir.Reg("s"), mir.Reg("v")
	g := mir.New("jtbl", ea(0))
	g.Emit(ea(0), mir.BlockNormal, []mir.Insn{mir.Mov(v, mir.Imm(3)), mir.Goto()}, 1)
	g.Emit(ea(1), mir.BlockNormal, []mir.Insn{mir.Mov(s, v), mir.Jtbl(s, 3, 4)}, 2, 3, 4)
	g.Emit(ea(2), mir.BlockNormal, []mir.Insn{mir.Mov(mir.Reg("x"), mir.Imm(1)), mir.Mov(v, mir.Imm(4)), mir.Goto()}, 1)
	g.Emit(ea(3), mir.BlockExit, []mir.Insn{mir.Ret()})
	g.Emit(ea(4), mir.BlockExit, []mir.Insn{mir.Ret()})

	a := New(g)
	require.NoError(t, a.MarkDispatcher(ea(1)))
	sets, errs := a.Run()
	require.Empty(t, errs)
	require.Len(t, sets, 1)

	set := sets[0]
	assert.Equal(t, []int{1}, set.Members())
	assert.Equal(t, []int{2, 3, 4}, set.Exits)
	assert.Equal(t, []uint64{3, 4}, set.Cases)
	assert.Equal(t, []string{"s", "v"}, set.StateVars)
	assert.True(t, set.IsState("v"))
	assert.False(t, set.IsState("x"))
}

func TestAnalyzer_FailureIsolation(t *testing.T) {
	g := twoStates(nil)
	a := New(g)

	err := a.MarkDispatcher(0xdead0000)
	var cerr *ClassificationError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, errors.Is(err, ErrNoBlock))
	assert.Equal(t, uint64(0xdead0000), cerr.Addr)

	// Block 7 returns without comparing anything; block 0 computes state.
	require.NoError(t, a.MarkDispatcher(ea(7)))
	require.NoError(t, a.MarkDispatcher(ea(0)))
	require.NoError(t, a.MarkDispatcher(ea(1)))

	sets, errs := a.Run()
	require.Len(t, sets, 1)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrNoStateVar), "%v", err)
		require.True(t, errors.As(err, &cerr))
	}

	assert.Equal(t, mir.BlockExit, g.Block(7).Type)
	assert.Equal(t, mir.BlockNormal, g.Block(0).Type)
	assert.True(t, a.IsDispatcher(1))

	_, ok := a.Lookup(ea(1))
	assert.True(t, ok)
	_, ok = a.Lookup(ea(7))
	assert.False(t, ok)
}

func TestAnalyzer_SameDispatcherTwice(t *testing.T) {
	g := twoStates(nil)
	a := New(g)
	require.NoError(t, a.MarkDispatcher(ea(1)))
	require.NoError(t, a.MarkDispatcher(ea(2)))
	require.NoError(t, a.MarkDispatcher(ea(1)))

	sets, errs := a.Run()
	require.Empty(t, errs)
	assert.Len(t, sets, 1)

	s1, _ := a.Lookup(ea(1))
	s2, _ := a.Lookup(ea(2))
	assert.Same(t, s1, s2)
}

func TestStateCompare(t *testing.T) {
	tests := []struct {
		name   string
		term   mir.Insn
		reg    string
		consts []uint64
		ok     bool
	}{
		{"reg vs imm", mir.Jcc(mir.Reg("s"), mir.CondEq, mir.Imm(7)), "s", []uint64{7}, true},
		{"imm vs reg", mir.Jcc(mir.Imm(7), mir.CondNe, mir.Reg("s")), "s", []uint64{7}, true},
		{"reg vs reg", mir.Jcc(mir.Reg("s"), mir.CondEq, mir.Reg("t")), "", nil, false},
		{"switch", mir.Jtbl(mir.Reg("s"), 1, 2), "s", []uint64{1, 2}, true},
		{"goto", mir.Goto(), "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mir.Block{Insns: []mir.Insn{tt.term}}
			reg, consts, ok := StateCompare(b)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reg, reg)
			assert.Equal(t, tt.consts, consts)
		})
	}
}
