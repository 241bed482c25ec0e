// Package dispatch recognises the dispatcher of a control-flow-flattened
// function: the blocks that compare a hidden state variable and route
// control to the real blocks.
package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/l3aro/go-deflat/pkg/mir"
)

var (
	// ErrNoBlock means no block covers a marked address.
	ErrNoBlock = errors.New("no block at address")
	// ErrNoStateVar means no comparison of a register against a constant
	// was reached from the marked block.
	ErrNoStateVar = errors.New("no state variable comparison")
	// ErrNoExit means the recognised construct never leaves itself.
	ErrNoExit = errors.New("dispatcher has no exits")
)

// chainLimit bounds how many unconditional blocks are followed from an entry
// before its state comparison must appear.
const chainLimit = 8

// ClassificationError reports a marked address that does not hold a
// dispatcher.
type ClassificationError struct {
	Addr uint64
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify dispatcher at 0x%x: %v", e.Addr, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// DispatcherSet is one recognised dispatcher. It is immutable once the
// analyzer has returned it.
type DispatcherSet struct {
	Entry     uint64           // address the set was classified from
	Head      int              // serial of the entry block
	StateVars []string         // registers holding the state value, sorted
	Blocks    map[int]struct{} // member serials
	Exits     []int            // non-member successors of members, sorted
	Cases     []uint64         // constants the state is compared against, sorted
}

// Contains reports whether serial is a member of the set.
func (d *DispatcherSet) Contains(serial int) bool {
	_, ok := d.Blocks[serial]
	return ok
}

// Members returns the member serials in ascending order.
func (d *DispatcherSet) Members() []int {
	out := make([]int, 0, len(d.Blocks))
	for s := range d.Blocks {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// IsState reports whether reg is one of the set's state registers.
func (d *DispatcherSet) IsState(reg string) bool {
	i := sort.SearchStrings(d.StateVars, reg)
	return i < len(d.StateVars) && d.StateVars[i] == reg
}

// Analyzer classifies dispatcher blocks starting from caller supplied entry
// addresses.
type Analyzer struct {
	g      *mir.Graph
	marked []uint64
	byAddr map[uint64]*DispatcherSet
	owner  map[int]*DispatcherSet
	sets   []*DispatcherSet
}

// New returns an analyzer over g.
func New(g *mir.Graph) *Analyzer {
	return &Analyzer{
		g:      g,
		byAddr: make(map[uint64]*DispatcherSet),
		owner:  make(map[int]*DispatcherSet),
	}
}

// MarkDispatcher records a candidate dispatcher entry. It fails only when no
// block covers ea; pattern checks happen in Run.
func (a *Analyzer) MarkDispatcher(ea uint64) error {
	if a.g.BlockAt(ea) == nil {
		return &ClassificationError{Addr: ea, Err: ErrNoBlock}
	}
	for _, m := range a.marked {
		if m == ea {
			return nil
		}
	}
	a.marked = append(a.marked, ea)
	return nil
}

// Run classifies every marked entry. Entries that fail are returned as
// *ClassificationError values and leave the graph untouched; the others are
// retagged mir.BlockDispatcher.
func (a *Analyzer) Run() ([]*DispatcherSet, []error) {
	var errs []error
	for _, ea := range a.marked {
		if _, done := a.byAddr[ea]; done {
			continue
		}
		set, err := a.classify(ea)
		if err != nil {
			errs = append(errs, &ClassificationError{Addr: ea, Err: err})
			continue
		}
		a.byAddr[ea] = set
	}
	return a.Sets(), errs
}

// Sets returns the distinct dispatcher sets found so far.
func (a *Analyzer) Sets() []*DispatcherSet {
	return append([]*DispatcherSet(nil), a.sets...)
}

// Lookup returns the set classified from ea.
func (a *Analyzer) Lookup(ea uint64) (*DispatcherSet, bool) {
	s, ok := a.byAddr[ea]
	return s, ok
}

// IsDispatcher reports whether the block is tagged as dispatcher-internal.
func (a *Analyzer) IsDispatcher(serial int) bool {
	b := a.g.Block(serial)
	return b != nil && b.Type == mir.BlockDispatcher
}

// SetOf returns the set owning serial, or nil for real blocks.
func (a *Analyzer) SetOf(serial int) *DispatcherSet {
	return a.owner[serial]
}

// Graph returns the analysed graph.
func (a *Analyzer) Graph() *mir.Graph { return a.g }

func (a *Analyzer) classify(ea uint64) (*DispatcherSet, error) {
	head := a.g.BlockAt(ea)
	if head == nil {
		return nil, ErrNoBlock
	}
	if set := a.owner[head.Serial]; set != nil {
		return set, nil
	}

	chain, aliases, err := a.stateChain(head)
	if err != nil {
		return nil, err
	}

	members := make(map[int]struct{}, len(chain))
	for _, b := range chain {
		members[b.Serial] = struct{}{}
	}
	a.grow(members, aliases)

	set := &DispatcherSet{
		Entry:  ea,
		Head:   head.Serial,
		Blocks: members,
	}
	for reg := range aliases {
		set.StateVars = append(set.StateVars, reg)
	}
	sort.Strings(set.StateVars)
	set.Exits, set.Cases = a.exitsAndCases(set)
	if len(set.Exits) == 0 {
		return nil, ErrNoExit
	}

	for _, s := range set.Members() {
		a.owner[s] = set
		if err := a.g.SetType(s, mir.BlockDispatcher); err != nil {
			return nil, err
		}
	}
	a.sets = append(a.sets, set)
	return set, nil
}

// stateChain follows unconditional blocks from head to the first comparison
// of a register against a constant. The chain may only move registers
// around; every register copied into or out of the compared one becomes a
// state alias.
func (a *Analyzer) stateChain(head *mir.Block) ([]*mir.Block, map[string]bool, error) {
	var chain []*mir.Block
	seen := make(map[int]bool)
	cur := head
	for i := 0; i < chainLimit && cur != nil && !seen[cur.Serial]; i++ {
		seen[cur.Serial] = true
		if !onlyCopies(cur) || a.owner[cur.Serial] != nil {
			break
		}
		chain = append(chain, cur)
		if reg, _, ok := stateCompare(cur); ok {
			aliases := map[string]bool{reg: true}
			for changed := true; changed; {
				changed = false
				for _, b := range chain {
					for _, in := range b.Body() {
						if !in.IsCopy() || aliases[in.Dst.Reg] == aliases[in.L.Reg] {
							continue
						}
						aliases[in.Dst.Reg], aliases[in.L.Reg] = true, true
						changed = true
					}
				}
			}
			return chain, aliases, nil
		}
		if cur.Arity() != 1 || len(cur.Succs) != 1 {
			break
		}
		cur = a.g.Block(cur.Succs[0])
	}
	return nil, nil, ErrNoStateVar
}

// grow adds blocks to members until a fixed point: comparison blocks whose
// predecessors are all members, and pass-through blocks feeding a member.
func (a *Analyzer) grow(members map[int]struct{}, aliases map[string]bool) {
	in := func(s int) bool { _, ok := members[s]; return ok }
	for changed := true; changed; {
		changed = false
		for _, m := range sortedKeys(members) {
			for _, s := range a.g.Block(m).Succs {
				if in(s) || a.owner[s] != nil {
					continue
				}
				x := a.g.Block(s)
				if local, ok := a.comparisonAliases(x, aliases); ok && a.allPredsIn(x, members) {
					for r := range local {
						aliases[r] = true
					}
					members[s] = struct{}{}
					changed = true
				} else if a.isPassThrough(x, aliases, members) {
					members[s] = struct{}{}
					changed = true
				}
			}
			for _, p := range a.g.Preds(m) {
				if in(p) || p == 0 || a.owner[p] != nil {
					continue
				}
				if a.isPassThrough(a.g.Block(p), aliases, members) {
					members[p] = struct{}{}
					changed = true
				}
			}
		}
	}
}

// comparisonAliases reports whether b only copies state and branches on it,
// and returns the registers its copies would add to aliases. The caller
// merges them once b is admitted.
func (a *Analyzer) comparisonAliases(b *mir.Block, aliases map[string]bool) (map[string]bool, bool) {
	reg, _, ok := stateCompare(b)
	if !ok {
		return nil, false
	}
	local := make(map[string]bool)
	for _, in := range b.Body() {
		switch {
		case in.Op == mir.OpNop:
		case in.IsCopy() && (aliases[in.L.Reg] || local[in.L.Reg]):
			local[in.Dst.Reg] = true
		default:
			return nil, false
		}
	}
	if !aliases[reg] && !local[reg] {
		return nil, false
	}
	return local, true
}

// isPassThrough reports whether b does nothing but hand control to a member.
func (a *Analyzer) isPassThrough(b *mir.Block, aliases map[string]bool, members map[int]struct{}) bool {
	if b.Type == mir.BlockStop || b.Type == mir.BlockExternal || b.Arity() != 1 || len(b.Succs) != 1 {
		return false
	}
	if _, ok := members[b.Succs[0]]; !ok {
		return false
	}
	for _, in := range b.Body() {
		if in.Op == mir.OpNop {
			continue
		}
		if !in.IsCopy() || !aliases[in.L.Reg] || !aliases[in.Dst.Reg] {
			return false
		}
	}
	return true
}

func (a *Analyzer) allPredsIn(b *mir.Block, members map[int]struct{}) bool {
	preds := a.g.Preds(b.Serial)
	if len(preds) == 0 {
		return false
	}
	for _, p := range preds {
		if _, ok := members[p]; !ok {
			return false
		}
	}
	return true
}

func (a *Analyzer) exitsAndCases(set *DispatcherSet) ([]int, []uint64) {
	exits := make(map[int]struct{})
	cases := make(map[uint64]struct{})
	for _, m := range set.Members() {
		b := a.g.Block(m)
		for _, s := range b.Succs {
			if !set.Contains(s) {
				exits[s] = struct{}{}
			}
		}
		if _, consts, ok := stateCompare(b); ok {
			for _, c := range consts {
				cases[c] = struct{}{}
			}
		}
	}
	outCases := make([]uint64, 0, len(cases))
	for c := range cases {
		outCases = append(outCases, c)
	}
	sort.Slice(outCases, func(i, j int) bool { return outCases[i] < outCases[j] })
	return sortedKeys(exits), outCases
}

// StateCompare returns the register a block's terminator compares against
// constants, with the constants. Jcc operands in either order are accepted.
func StateCompare(b *mir.Block) (string, []uint64, bool) {
	return stateCompare(b)
}

func stateCompare(b *mir.Block) (string, []uint64, bool) {
	t := b.Terminator()
	if t == nil {
		return "", nil, false
	}
	switch t.Op {
	case mir.OpJcc:
		switch {
		case t.L.IsReg() && t.R.IsImm():
			return t.L.Reg, []uint64{t.R.Imm}, true
		case t.L.IsImm() && t.R.IsReg():
			return t.R.Reg, []uint64{t.L.Imm}, true
		}
	case mir.OpJtbl:
		if t.L.IsReg() {
			return t.L.Reg, append([]uint64(nil), t.Cases...), true
		}
	}
	return "", nil, false
}

func onlyCopies(b *mir.Block) bool {
	for _, in := range b.Body() {
		if in.Op != mir.OpNop && !in.IsCopy() {
			return false
		}
	}
	return true
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
