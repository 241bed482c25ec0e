package pathfind

import (
	"context"
	"strconv"
	"strings"

	"github.com/l3aro/go-deflat/pkg/mir"
)

// env maps registers to value sets. Missing registers are unknown.
type env map[string]valueSet

func (e env) clone() env {
	out := make(env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// StaticExplorer interprets the source and the dispatcher over value sets.
// Memory is not modelled: loads and call results are unknown.
type StaticExplorer struct {
	budget Budget
}

// NewStatic returns a static explorer using budget.
func NewStatic(budget Budget) *StaticExplorer {
	return &StaticExplorer{budget: budget}
}

func (s *StaticExplorer) Name() Method { return MethodStatic }

type walkItem struct {
	serial int
	env    env
}

// Explore implements Strategy.
func (s *StaticExplorer) Explore(ctx context.Context, q Query) Result {
	e := make(env)
	for _, b := range contextChain(q.Graph, q.Set, q.Source, s.budget.PredDepth) {
		s.interpret(e, b.Body())
	}

	var (
		flows    []Flow
		reached  = make(map[int]bool)
		visited  = make(map[string]bool)
		complete = true
		steps    = 0
		work     = []walkItem{{serial: q.Entry(), env: e}}
	)
	for len(work) > 0 {
		if ctx.Err() != nil || steps >= s.budget.MaxSteps {
			complete = false
			break
		}
		it := work[len(work)-1]
		work = work[:len(work)-1]

		if !q.Set.Contains(it.serial) {
			if !reached[it.serial] {
				reached[it.serial] = true
				flows = append(flows, Flow{Slot: q.Slot, Dest: it.serial, Method: MethodStatic})
			}
			continue
		}
		key := s.stateKey(it, q)
		if visited[key] {
			continue
		}
		visited[key] = true
		steps++

		b := q.Graph.Block(it.serial)
		s.interpret(it.env, b.Body())
		next, ok := s.branch(b, it.env, q.Set.StateVars)
		if !ok {
			complete = false
			continue
		}
		work = append(work, next...)
	}
	return Result{Flows: flows, Complete: complete}
}

// stateKey identifies a walk item by block and state register contents.
func (s *StaticExplorer) stateKey(it walkItem, q Query) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(it.serial))
	for _, r := range q.Set.StateVars {
		sb.WriteByte('|')
		v, ok := it.env[r]
		if !ok {
			v = unknown()
		}
		sb.WriteString(v.String())
	}
	return sb.String()
}

func (s *StaticExplorer) eval(e env, o mir.Operand) valueSet {
	switch o.Kind {
	case mir.OperandImm:
		return constant(mir.Truncate(o.Imm, o.Width()))
	case mir.OperandReg:
		v, ok := e[o.Reg]
		if !ok {
			return unknown()
		}
		return mapUnary(v, s.budget.MaxValues, func(x uint64) uint64 { return mir.Truncate(x, o.Width()) })
	}
	return unknown()
}

func (s *StaticExplorer) interpret(e env, insns []mir.Insn) {
	limit := s.budget.MaxValues
	for _, in := range insns {
		if !in.Dst.IsReg() || in.Op == mir.OpStore {
			continue
		}
		w := in.Dst.Width()
		var v valueSet
		switch {
		case in.Op == mir.OpMov, in.Op == mir.OpNeg, in.Op == mir.OpNot:
			op := in.Op
			v = mapUnary(s.eval(e, in.L), limit, func(x uint64) uint64 { return compute(op, x, 0, w) })
		case in.Op.IsBinary():
			op := in.Op
			v = mapBinary(s.eval(e, in.L), s.eval(e, in.R), limit, func(x, y uint64) uint64 { return compute(op, x, y, w) })
		case in.Op == mir.OpSelect:
			v = s.selectValue(e, in)
		default:
			v = unknown()
		}
		e[in.Dst.Reg] = v
	}
}

func (s *StaticExplorer) selectValue(e env, in mir.Insn) valueSet {
	a, b := s.eval(e, in.A), s.eval(e, in.B)
	switch s.decide(s.eval(e, in.L), s.eval(e, in.R), in.Cond, in.L.Width()) {
	case decTrue:
		return a
	case decFalse:
		return b
	}
	return join(a, b, s.budget.MaxValues)
}

type decision uint8

const (
	decUnknown decision = iota
	decTrue
	decFalse
)

func (s *StaticExplorer) decide(l, r valueSet, c mir.Cond, size int) decision {
	if l.top || r.top || l.isBottom() || r.isBottom() {
		return decUnknown
	}
	var sawTrue, sawFalse bool
	for _, x := range l.vals {
		for _, y := range r.vals {
			if c.Eval(x, y, size) {
				sawTrue = true
			} else {
				sawFalse = true
			}
		}
	}
	switch {
	case sawTrue && !sawFalse:
		return decTrue
	case sawFalse && !sawTrue:
		return decFalse
	}
	return decUnknown
}

// branch follows the terminator of a dispatcher block, splitting the value
// set of the compared register between the outgoing edges. It fails when the
// compared value is unknown or the split is undecidable.
func (s *StaticExplorer) branch(b *mir.Block, e env, states []string) ([]walkItem, bool) {
	t := b.Terminator()
	if t == nil || t.Op == mir.OpGoto {
		if len(b.Succs) != 1 {
			return nil, true
		}
		return []walkItem{{serial: b.Succs[0], env: e}}, true
	}

	switch t.Op {
	case mir.OpJcc:
		return s.branchJcc(b, t, e, states)
	case mir.OpJtbl:
		return s.branchJtbl(b, t, e, states)
	}
	// ret or stop inside a dispatcher: nothing to record.
	return nil, true
}

func (s *StaticExplorer) branchJcc(b *mir.Block, t *mir.Insn, e env, states []string) ([]walkItem, bool) {
	l, r := s.eval(e, t.L), s.eval(e, t.R)
	size := t.L.Width()

	subject, c, cond := "", uint64(0), t.Cond
	if k, ok := r.single(); ok && t.L.IsReg() {
		subject, c = t.L.Reg, k
	} else if k, ok := l.single(); ok && t.R.IsReg() {
		subject, c, cond = t.R.Reg, k, t.Cond.Swap()
	}

	if subject == "" {
		switch s.decide(l, r, t.Cond, size) {
		case decTrue:
			return []walkItem{{serial: b.Succs[0], env: e}}, true
		case decFalse:
			return []walkItem{{serial: b.Succs[1], env: e}}, true
		}
		return nil, false
	}

	v := s.eval(e, mir.Reg(subject))
	if v.top {
		return nil, false
	}
	yes, no := v.split(func(x uint64) bool { return cond.Eval(x, c, size) })
	var out []walkItem
	if !no.isBottom() {
		out = append(out, walkItem{serial: b.Succs[1], env: refine(e, subject, v, no, states)})
	}
	if !yes.isBottom() {
		out = append(out, walkItem{serial: b.Succs[0], env: refine(e, subject, v, yes, states)})
	}
	return out, true
}

func (s *StaticExplorer) branchJtbl(b *mir.Block, t *mir.Insn, e env, states []string) ([]walkItem, bool) {
	v := s.eval(e, t.L)
	if v.top {
		return nil, false
	}
	size := t.L.Width()
	rest := v
	var out []walkItem
	for i, k := range t.Cases {
		k = mir.Truncate(k, size)
		var hit valueSet
		hit, rest = rest.split(func(x uint64) bool { return x == k })
		if hit.isBottom() {
			continue
		}
		out = append(out, walkItem{serial: b.Succs[i], env: refine(e, t.L.Reg, v, hit, states)})
	}
	if !rest.isBottom() {
		out = append(out, walkItem{serial: b.Succs[len(b.Succs)-1], env: refine(e, t.L.Reg, v, rest, states)})
	}
	return out, true
}

// refine returns a copy of e where subject holds part. State registers that
// held the same set as subject are copies of it and are narrowed too.
func refine(e env, subject string, before, part valueSet, states []string) env {
	out := e.clone()
	if subject == "" {
		return out
	}
	out[subject] = part
	for _, r := range states {
		if v, ok := e[r]; ok && r != subject && sameSet(v, before) {
			out[r] = part
		}
	}
	return out
}

func sameSet(a, b valueSet) bool {
	if a.top || b.top || len(a.vals) != len(b.vals) {
		return false
	}
	for i := range a.vals {
		if a.vals[i] != b.vals[i] {
			return false
		}
	}
	return true
}
