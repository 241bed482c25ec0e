package pathfind

import (
	"context"
	"sort"

	"github.com/l3aro/go-deflat/pkg/mir"
)

// StackBase is the value the stack register holds when a run starts.
const StackBase uint64 = 0x7ffe0000

// cell is a concrete value with its taint: bit i is set when the value
// depends on the i-th opaque input the emulator had to guess. Inputs past
// the 63rd share the top bit.
type cell struct {
	v     uint64
	taint uint64
}

const maxInputBit = 63

func inputBit(i int) uint64 {
	return 1 << uint(min(i, maxInputBit))
}

type runOutcome uint8

const (
	runFlow  runOutcome = iota // reached a non-dispatcher block
	runStuck                   // step budget hit or ran off the graph
)

// machine is the private sandbox of one run: a register file and a
// byte-addressed memory. Opaque inputs are drawn from pool, the i-th draw
// using pool[digits[i]]. compared collects the taint of every value the
// dispatcher branched on.
type machine struct {
	regs     map[string]cell
	mem      map[uint64]cell
	pool     []uint64
	digits   []int
	draws    int
	compared uint64
}

func newMachine(stack string, pool []uint64, digits []int) *machine {
	m := &machine{
		regs:   make(map[string]cell),
		mem:    make(map[uint64]cell),
		pool:   pool,
		digits: digits,
	}
	m.regs[stack] = cell{v: StackBase}
	return m
}

func (m *machine) opaque() cell {
	d := 0
	if m.draws < len(m.digits) {
		d = m.digits[m.draws]
	}
	c := cell{v: m.pool[d], taint: inputBit(m.draws)}
	m.draws++
	return c
}

func (m *machine) reg(name string) cell {
	c, ok := m.regs[name]
	if !ok {
		c = m.opaque()
		m.regs[name] = c
	}
	return c
}

func (m *machine) address(o mir.Operand) cell {
	switch o.Kind {
	case mir.OperandMem:
		if o.Reg == "" {
			return cell{v: o.Imm}
		}
		base := m.reg(o.Reg)
		return cell{v: base.v + o.Imm, taint: base.taint}
	case mir.OperandReg:
		return m.reg(o.Reg)
	}
	return cell{v: o.Imm}
}

// load reads size bytes little-endian. Reading memory that was never written
// draws an opaque value and stores it so later reads agree.
func (m *machine) load(addr cell, size int) cell {
	for i := 0; i < size; i++ {
		if _, ok := m.mem[addr.v+uint64(i)]; !ok {
			c := m.opaque()
			c.v = mir.Truncate(c.v, size)
			m.store(addr, size, c)
			c.taint |= addr.taint
			return c
		}
	}
	var out cell
	for i := size - 1; i >= 0; i-- {
		b := m.mem[addr.v+uint64(i)]
		out.v = out.v<<8 | b.v
		out.taint |= b.taint
	}
	out.taint |= addr.taint
	return out
}

func (m *machine) store(addr cell, size int, c cell) {
	for i := 0; i < size; i++ {
		m.mem[addr.v+uint64(i)] = cell{v: (c.v >> (8 * uint(i))) & 0xff, taint: c.taint | addr.taint}
	}
}

func (m *machine) operand(o mir.Operand) cell {
	switch o.Kind {
	case mir.OperandImm:
		return cell{v: mir.Truncate(o.Imm, o.Width())}
	case mir.OperandReg:
		c := m.reg(o.Reg)
		c.v = mir.Truncate(c.v, o.Width())
		return c
	case mir.OperandMem:
		return m.load(m.address(o), o.Width())
	}
	return m.opaque()
}

func (m *machine) write(dst mir.Operand, c cell) {
	switch dst.Kind {
	case mir.OperandReg:
		c.v = mir.Truncate(c.v, dst.Width())
		m.regs[dst.Reg] = c
	case mir.OperandMem:
		m.store(m.address(dst), dst.Width(), c)
	}
}

func (m *machine) exec(in mir.Insn) {
	w := in.Dst.Width()
	switch {
	case in.Op == mir.OpMov, in.Op == mir.OpNeg, in.Op == mir.OpNot:
		l := m.operand(in.L)
		m.write(in.Dst, cell{v: compute(in.Op, l.v, 0, w), taint: l.taint})
	case in.Op.IsBinary():
		l, r := m.operand(in.L), m.operand(in.R)
		m.write(in.Dst, cell{v: compute(in.Op, l.v, r.v, w), taint: l.taint | r.taint})
	case in.Op == mir.OpSelect:
		l, r := m.operand(in.L), m.operand(in.R)
		pick := in.B
		if in.Cond.Eval(l.v, r.v, in.L.Width()) {
			pick = in.A
		}
		c := m.operand(pick)
		c.taint |= l.taint | r.taint
		m.write(in.Dst, c)
	case in.Op == mir.OpLoad:
		m.write(in.Dst, m.load(m.address(in.L), w))
	case in.Op == mir.OpStore:
		m.store(m.address(in.Dst), w, m.operand(in.L))
	case in.Op == mir.OpCall:
		m.write(in.Dst, m.opaque())
	}
}

// Emulator runs the source and the dispatcher concretely, guessing opaque
// inputs from the dispatcher's own constants. Every assignment of guesses is
// one concrete execution whose exit is recorded as a flow.
type Emulator struct {
	budget Budget
}

// NewEmulator returns an emulator using budget.
func NewEmulator(budget Budget) *Emulator {
	return &Emulator{budget: budget}
}

func (e *Emulator) Name() Method { return MethodEmulated }

// Explore implements Strategy. Runs are enumerated like an odometer over the
// opaque inputs the dispatcher actually branched on; inputs that never reach
// a comparison keep their first pool value. Complete means every pool
// combination of those inputs was run without a run getting stuck.
func (e *Emulator) Explore(ctx context.Context, q Query) Result {
	chain := contextChain(q.Graph, q.Set, q.Source, e.budget.PredDepth)
	pool := inputPool(q.Set.Cases)

	var (
		flows     []Flow
		reached   = make(map[int]bool)
		digits    []int
		relevant  uint64
		exhausted bool
		stuck     bool
	)
	for run := 0; run < e.budget.EmulationRuns; run++ {
		if ctx.Err() != nil {
			break
		}
		m := newMachine(q.Graph.Stack(), pool, digits)
		dest, outcome := e.run(m, q, chain)
		switch outcome {
		case runFlow:
			if !reached[dest] {
				reached[dest] = true
				flows = append(flows, Flow{Slot: q.Slot, Dest: dest, Method: MethodEmulated})
			}
		case runStuck:
			stuck = true
		}

		for len(digits) < m.draws {
			digits = append(digits, 0)
		}
		digits = digits[:m.draws]
		if m.compared&^relevant != 0 {
			// A new input decides the route: enumerate again from the start
			// with it included.
			relevant |= m.compared
			clear(digits)
			continue
		}
		if !advance(digits, len(pool), relevant) {
			exhausted = true
			break
		}
	}
	return Result{Flows: flows, Complete: exhausted && !stuck}
}

func (e *Emulator) run(m *machine, q Query, chain []*mir.Block) (int, runOutcome) {
	for _, b := range chain {
		for _, in := range b.Body() {
			m.exec(in)
		}
	}
	cur := q.Entry()
	for steps := 0; steps < e.budget.EmulationSteps; steps++ {
		if !q.Set.Contains(cur) {
			return cur, runFlow
		}
		b := q.Graph.Block(cur)
		for _, in := range b.Body() {
			m.exec(in)
		}
		t := b.Terminator()
		switch {
		case t == nil || t.Op == mir.OpGoto:
			if len(b.Succs) != 1 {
				return 0, runStuck
			}
			cur = b.Succs[0]
		case t.Op == mir.OpJcc:
			l, r := m.operand(t.L), m.operand(t.R)
			m.compared |= l.taint | r.taint
			if t.Cond.Eval(l.v, r.v, t.L.Width()) {
				cur = b.Succs[0]
			} else {
				cur = b.Succs[1]
			}
		case t.Op == mir.OpJtbl:
			v := m.operand(t.L)
			m.compared |= v.taint
			cur = b.Succs[len(b.Succs)-1]
			for i, k := range t.Cases {
				if mir.Truncate(k, t.L.Width()) == v.v {
					cur = b.Succs[i]
					break
				}
			}
		default:
			return 0, runStuck
		}
	}
	return 0, runStuck
}

// advance steps the odometer over the digits whose input bit is in
// relevant. It reports false once every combination has been produced.
func advance(digits []int, base int, relevant uint64) bool {
	for i := len(digits) - 1; i >= 0; i-- {
		if relevant&inputBit(i) == 0 {
			continue
		}
		digits[i]++
		if digits[i] < base {
			return true
		}
		digits[i] = 0
	}
	return false
}

// inputPool returns the values tried for opaque inputs: 0, 1, every case
// constant and its neighbours.
func inputPool(cases []uint64) []uint64 {
	seen := map[uint64]bool{0: true, 1: true}
	for _, c := range cases {
		seen[c] = true
		seen[c+1] = true
		seen[c-1] = true
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
