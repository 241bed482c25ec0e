// Package flatten applies control-flow flattening to a graph. Every edge is
// replaced by a jump block that stores a state constant and enters a
// dispatcher, which compares the state against each constant in turn. The
// output is used as a fixture and demo input for the deobfuscator.
package flatten

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/l3aro/go-deflat/pkg/mir"
)

// DefaultStateReg is the register holding the dispatcher state.
const DefaultStateReg = "state"

// ErrTooSmall is returned for graphs without enough blocks or edges to be
// worth flattening.
var ErrTooSmall = errors.New("graph too small to flatten")

// Options control the transformation.
type Options struct {
	Seed     int64
	StateReg string
}

// Result is a flattened graph.
type Result struct {
	Graph      *mir.Graph
	Dispatcher uint64          // start of the dispatcher head
	Synthetic  map[uint64]bool // starts of every block added by flattening
}

type nodeKind uint8

const (
	nodeOrig nodeKind = iota
	nodeJump
	nodeCase
)

type node struct {
	kind nodeKind
	idx  int
}

type edge struct {
	from, slot, to int
}

// Flatten returns a flattened copy of src. Original blocks keep their
// addresses; added blocks are placed after the highest original address.
// State 0 routes to the original entry.
func Flatten(src *mir.Graph, opts Options) (*Result, error) {
	if src.Len() < 3 {
		return nil, ErrTooSmall
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	state := opts.StateReg
	if state == "" {
		state = DefaultStateReg
	}
	if usesReg(src, state) {
		return nil, fmt.Errorf("state register %q already used by %s", state, src.Name)
	}
	rnd := rand.New(rand.NewSource(opts.Seed))

	var edges []edge
	for _, b := range src.Blocks {
		for slot, s := range b.Succs {
			edges = append(edges, edge{from: b.Serial, slot: slot, to: s})
		}
	}
	if len(edges) == 0 {
		return nil, ErrTooSmall
	}
	consts := rnd.Perm(len(edges))
	for i := range consts {
		consts[i]++
	}

	// Serial 0 is the prologue and 1 the dispatcher head; the rest is
	// shuffled.
	var nodes []node
	for i := range src.Blocks {
		nodes = append(nodes, node{nodeOrig, i})
	}
	for i := range edges {
		nodes = append(nodes, node{nodeJump, i}, node{nodeCase, i})
	}
	rnd.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	serial := make(map[node]int, len(nodes))
	for i, n := range nodes {
		serial[n] = i + 2
	}
	jumpOf := make(map[[2]int]int, len(edges))
	for i, e := range edges {
		jumpOf[[2]int{e.from, e.slot}] = serial[node{nodeJump, i}]
	}

	var end uint64
	for _, b := range src.Blocks {
		if b.End > end {
			end = b.End
		}
	}
	cursor := (end + 0xfff) &^ 0xfff

	out := mir.New(src.Name, cursor)
	out.Maturity = src.Maturity
	out.StackReg = src.StackReg
	res := &Result{Graph: out, Synthetic: make(map[uint64]bool)}
	reg := mir.Reg(state)
	emit := func(insns []mir.Insn, succs ...int) *mir.Block {
		b := out.Emit(cursor, mir.BlockNormal, insns, succs...)
		cursor = b.End
		res.Synthetic[b.Start] = true
		return b
	}

	emit([]mir.Insn{mir.Mov(reg, mir.Imm(0)), mir.Goto()}, 1)
	head := emit([]mir.Insn{mir.Goto()}, serial[node{nodeCase, 0}])
	res.Dispatcher = head.Start

	for _, n := range nodes {
		switch n.kind {
		case nodeOrig:
			b := src.Block(n.idx)
			succs := make([]int, len(b.Succs))
			for slot := range b.Succs {
				succs[slot] = jumpOf[[2]int{b.Serial, slot}]
			}
			typ := b.Type
			if typ == mir.BlockDispatcher {
				typ = mir.BlockNormal
			}
			out.AddBlock(b.Start, b.End, typ, copyInsns(b.Insns), succs...)
		case nodeJump:
			emit([]mir.Insn{mir.Mov(reg, mir.Imm(uint64(consts[n.idx]))), mir.Goto()}, 1)
		case nodeCase:
			next := serial[node{nodeOrig, 0}]
			if n.idx+1 < len(edges) {
				next = serial[node{nodeCase, n.idx + 1}]
			}
			target := serial[node{nodeOrig, edges[n.idx].to}]
			emit([]mir.Insn{mir.Jcc(reg, mir.CondEq, mir.Imm(uint64(consts[n.idx])))}, target, next)
		}
	}
	return res, nil
}

func copyInsns(in []mir.Insn) []mir.Insn {
	out := make([]mir.Insn, len(in))
	for i, x := range in {
		x.Cases = append([]uint64(nil), x.Cases...)
		out[i] = x
	}
	return out
}

func usesReg(g *mir.Graph, name string) bool {
	for _, b := range g.Blocks {
		for _, in := range b.Insns {
			for _, r := range append(in.Defs(), in.Uses()...) {
				if r == name {
					return true
				}
			}
		}
	}
	return false
}
