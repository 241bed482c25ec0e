package mir

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoBlock is returned when a serial does not name a block of the graph.
var ErrNoBlock = errors.New("no such block")

// DefaultStackReg is the stack pointer register used when a graph does not
// name one.
const DefaultStackReg = "sp"

// Block is a basic block. Serial is its index in Graph.Blocks. Succs is
// ordered: for OpJcc the taken target comes first, for OpJtbl the default
// target comes last.
type Block struct {
	Serial int       `msgpack:"serial"`
	Start  uint64    `msgpack:"start"`
	End    uint64    `msgpack:"end"`
	Type   BlockType `msgpack:"type"`
	Insns  []Insn    `msgpack:"insns"`
	Succs  []int     `msgpack:"succs"`

	preds      []int
	listsDirty bool
}

// Terminator returns the control transfer ending the block, or nil when the
// block falls through.
func (b *Block) Terminator() *Insn {
	if len(b.Insns) == 0 {
		return nil
	}
	last := &b.Insns[len(b.Insns)-1]
	if !last.Op.IsTerminator() {
		return nil
	}
	return last
}

// Body returns the instructions preceding the terminator.
func (b *Block) Body() []Insn {
	if b.Terminator() != nil {
		return b.Insns[:len(b.Insns)-1]
	}
	return b.Insns
}

// Arity is the number of successors implied by the block's terminator.
func (b *Block) Arity() int {
	t := b.Terminator()
	if t == nil {
		if b.Type == BlockStop || b.Type == BlockExternal {
			return 0
		}
		return 1
	}
	switch t.Op {
	case OpGoto:
		return 1
	case OpJcc:
		return 2
	case OpJtbl:
		return len(t.Cases) + 1
	default:
		return 0
	}
}

// Contains reports whether ea falls inside the block's address range.
func (b *Block) Contains(ea uint64) bool {
	// Blocks emitted without instructions have Start == End and still own
	// their start address.
	if ea == b.Start {
		return true
	}
	return ea >= b.Start && ea < b.End
}

// ListsDirty reports whether cached predecessor lists are stale.
func (b *Block) ListsDirty() bool { return b.listsDirty }

func (b *Block) String() string {
	return fmt.Sprintf("blk%d[%s 0x%x-0x%x]", b.Serial, b.Type, b.Start, b.End)
}

// Graph is the control-flow graph of one function. Block 0 is the entry.
type Graph struct {
	Name     string   `msgpack:"name"`
	EntryEA  uint64   `msgpack:"entry_ea"`
	Maturity Maturity `msgpack:"maturity"`
	StackReg string   `msgpack:"stack_reg,omitempty"`
	Blocks   []*Block `msgpack:"blocks"`

	predsValid bool
}

// New returns an empty graph.
func New(name string, entry uint64) *Graph {
	return &Graph{Name: name, EntryEA: entry, Maturity: MaturityGlbopt1, StackReg: DefaultStackReg}
}

// Len returns the number of blocks.
func (g *Graph) Len() int { return len(g.Blocks) }

// Block returns the block with the given serial, or nil.
func (g *Graph) Block(serial int) *Block {
	if serial < 0 || serial >= len(g.Blocks) {
		return nil
	}
	return g.Blocks[serial]
}

// BlockAt returns the block starting at ea, or failing that the block whose
// range covers ea.
func (g *Graph) BlockAt(ea uint64) *Block {
	for _, b := range g.Blocks {
		if b.Start == ea {
			return b
		}
	}
	for _, b := range g.Blocks {
		if b.Contains(ea) {
			return b
		}
	}
	return nil
}

// AddBlock appends a block and returns it. Successors are taken as given;
// callers are expected to Validate once the graph is complete.
func (g *Graph) AddBlock(start, end uint64, typ BlockType, insns []Insn, succs ...int) *Block {
	b := &Block{
		Serial:     len(g.Blocks),
		Start:      start,
		End:        end,
		Type:       typ,
		Insns:      insns,
		Succs:      append([]int(nil), succs...),
		listsDirty: true,
	}
	g.Blocks = append(g.Blocks, b)
	g.predsValid = false
	return b
}

// SetType retags a block. Predecessor lists are unaffected, but the block is
// marked dirty so consumers re-read it.
func (g *Graph) SetType(serial int, t BlockType) error {
	b := g.Block(serial)
	if b == nil {
		return fmt.Errorf("set type of %d: %w", serial, ErrNoBlock)
	}
	b.Type = t
	g.MarkListsDirty(serial)
	return nil
}

// SetSuccs replaces the successor list of a block and marks the block and
// every old and new successor dirty.
func (g *Graph) SetSuccs(serial int, succs []int) error {
	b := g.Block(serial)
	if b == nil {
		return fmt.Errorf("set succs of %d: %w", serial, ErrNoBlock)
	}
	for _, s := range succs {
		if g.Block(s) == nil {
			return fmt.Errorf("set succs of %d: successor %d: %w", serial, s, ErrNoBlock)
		}
	}
	for _, s := range b.Succs {
		g.MarkListsDirty(s)
	}
	b.Succs = append([]int(nil), succs...)
	for _, s := range b.Succs {
		g.MarkListsDirty(s)
	}
	g.MarkListsDirty(serial)
	return nil
}

// MarkListsDirty flags a block's cached lists for recomputation.
func (g *Graph) MarkListsDirty(serial int) {
	if b := g.Block(serial); b != nil {
		b.listsDirty = true
		g.predsValid = false
	}
}

// Preds returns the predecessors of a block in ascending serial order,
// recomputing every cached list if any block is dirty.
func (g *Graph) Preds(serial int) []int {
	if !g.predsValid {
		g.recomputeLists()
	}
	b := g.Block(serial)
	if b == nil {
		return nil
	}
	return b.preds
}

func (g *Graph) recomputeLists() {
	for _, b := range g.Blocks {
		b.preds = nil
	}
	for _, b := range g.Blocks {
		seen := make(map[int]bool, len(b.Succs))
		for _, s := range b.Succs {
			if seen[s] {
				continue
			}
			seen[s] = true
			if t := g.Block(s); t != nil {
				t.preds = append(t.preds, b.Serial)
			}
		}
	}
	for _, b := range g.Blocks {
		sort.Ints(b.preds)
		b.listsDirty = false
	}
	g.predsValid = true
}

// Clone appends a structural copy of a block: same instructions, address
// range and successors, fresh serial. Exit blocks keep their type; any other
// copy is a normal block.
func (g *Graph) Clone(serial int) (*Block, error) {
	src := g.Block(serial)
	if src == nil {
		return nil, fmt.Errorf("clone %d: %w", serial, ErrNoBlock)
	}
	typ := BlockNormal
	if src.Type == BlockExit {
		typ = BlockExit
	}
	insns := make([]Insn, len(src.Insns))
	for i, in := range src.Insns {
		in.Cases = append([]uint64(nil), in.Cases...)
		insns[i] = in
	}
	b := g.AddBlock(src.Start, src.End, typ, insns, src.Succs...)
	for _, s := range b.Succs {
		g.MarkListsDirty(s)
	}
	return b, nil
}

// Edges lists every control edge with its guard.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, b := range g.Blocks {
		for slot, s := range b.Succs {
			edges = append(edges, Edge{From: b.Serial, To: s, Guard: Guard(b, slot)})
		}
	}
	return edges
}

// Guard renders the condition under which control leaves b through the
// given successor slot. Unconditional transfers have an empty guard.
func Guard(b *Block, slot int) string {
	t := b.Terminator()
	if t == nil {
		return ""
	}
	switch t.Op {
	case OpJcc:
		c := t.Cond
		if slot == 1 {
			c = c.Negate()
		}
		return fmt.Sprintf("%s %s %s", t.L, c, t.R)
	case OpJtbl:
		if slot < len(t.Cases) {
			return fmt.Sprintf("%s == 0x%x", t.L, t.Cases[slot])
		}
		return "default"
	}
	return ""
}

// Stack returns the stack pointer register name.
func (g *Graph) Stack() string {
	if g.StackReg == "" {
		return DefaultStackReg
	}
	return g.StackReg
}
