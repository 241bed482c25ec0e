// Package pathfind recovers, for every block that jumps into a dispatcher,
// the real block the dispatcher would route it to.
//
// Two strategies are tried in order: a static value-set interpretation that
// is cheap and sound, and a concrete emulation that also sees values routed
// through memory. Both treat the graph as read-only.
package pathfind

import (
	"context"
	"fmt"
	"sort"

	"github.com/l3aro/go-deflat/pkg/dispatch"
	"github.com/l3aro/go-deflat/pkg/mir"
)

// Method names the strategy that produced a flow.
type Method uint8

const (
	MethodStatic Method = iota
	MethodEmulated
)

func (m Method) String() string {
	switch m {
	case MethodStatic:
		return "static"
	case MethodEmulated:
		return "emulated"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// Flow says that leaving a source through Slot really reaches Dest.
type Flow struct {
	Slot   int    `json:"slot"`
	Dest   int    `json:"dest"`
	Method Method `json:"method"`
}

// EdgeFlowMap holds the recovered flows keyed by source serial.
type EdgeFlowMap map[int][]Flow

// Sources returns the source serials in ascending order.
func (m EdgeFlowMap) Sources() []int {
	out := make([]int, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Dests returns the distinct destinations recorded for src, ascending.
func (m EdgeFlowMap) Dests(src int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, f := range m[src] {
		if !seen[f.Dest] {
			seen[f.Dest] = true
			out = append(out, f.Dest)
		}
	}
	sort.Ints(out)
	return out
}

// Query asks where control leaving Source through Slot ends up. The slot's
// successor must be a member of Set.
type Query struct {
	Graph  *mir.Graph
	Set    *dispatch.DispatcherSet
	Source int
	Slot   int
}

// Entry returns the dispatcher block the query starts from.
func (q Query) Entry() int {
	return q.Graph.Block(q.Source).Succs[q.Slot]
}

// Result is the outcome of one exploration. Complete means every possible
// state value was accounted for.
type Result struct {
	Flows    []Flow
	Complete bool
}

// Strategy is one way of exploring a query.
type Strategy interface {
	Name() Method
	Explore(ctx context.Context, q Query) Result
}

// Budget bounds the effort spent per query.
type Budget struct {
	PredDepth      int // unique-predecessor blocks interpreted before the source
	MaxValues      int // value-set size before it widens to unknown
	MaxSteps       int // dispatcher blocks visited by the static walk
	EmulationRuns  int // concrete runs per query
	EmulationSteps int // blocks executed per run
}

// BudgetFor returns the effort suited to a maturity level. Early maturities
// keep many small blocks, so the context chain has to reach further back;
// late ones have propagated more constants and produce wider value sets.
func BudgetFor(m mir.Maturity) Budget {
	b := Budget{
		PredDepth:      4,
		MaxValues:      16,
		MaxSteps:       512,
		EmulationRuns:  256,
		EmulationSteps: 4096,
	}
	switch {
	case m <= mir.MaturityLocopt:
		b.PredDepth = 8
	case m >= mir.MaturityGlbopt1:
		b.MaxValues = 64
		b.MaxSteps = 1024
	}
	return b
}

// EventKind classifies a Finder diagnostic.
type EventKind uint8

const (
	// EventIncomplete means static exploration could not account for every
	// state value and emulation was started. Emulation also runs, without
	// this event, when static exploration completes with no flow.
	EventIncomplete EventKind = iota
	// EventEmpty means neither strategy produced a flow.
	EventEmpty
)

func (k EventKind) String() string {
	if k == EventIncomplete {
		return "incomplete_exploration"
	}
	return "empty_flow_result"
}

// Event is a diagnostic raised while exploring one source slot.
type Event struct {
	Kind     EventKind
	Source   int
	SourceEA uint64
	Slot     int
}

// Finder runs the strategies over every dispatcher-facing slot of a graph.
type Finder struct {
	Static   Strategy
	Emulator Strategy
	OnEvent  func(Event)

	g     *mir.Graph
	owner map[int]*dispatch.DispatcherSet
}

// NewFinder prepares a finder for the given dispatchers.
func NewFinder(g *mir.Graph, sets []*dispatch.DispatcherSet, budget Budget) *Finder {
	owner := make(map[int]*dispatch.DispatcherSet)
	for _, set := range sets {
		for s := range set.Blocks {
			owner[s] = set
		}
	}
	return &Finder{
		Static:   NewStatic(budget),
		Emulator: NewEmulator(budget),
		g:        g,
		owner:    owner,
	}
}

// Run explores every slot of every non-dispatcher block whose successor is a
// dispatcher member. Sources that yield no flow are absent from the map. The
// only error is ctx's.
func (f *Finder) Run(ctx context.Context) (EdgeFlowMap, error) {
	out := make(EdgeFlowMap)
	for _, b := range f.g.Blocks {
		if f.owner[b.Serial] != nil {
			continue
		}
		for slot, s := range b.Succs {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			set := f.owner[s]
			if set == nil {
				continue
			}
			q := Query{Graph: f.g, Set: set, Source: b.Serial, Slot: slot}
			if flows := f.explore(ctx, q); len(flows) > 0 {
				out[b.Serial] = append(out[b.Serial], flows...)
			}
		}
	}
	return out, nil
}

func (f *Finder) explore(ctx context.Context, q Query) []Flow {
	res := f.Static.Explore(ctx, q)
	flows := res.Flows
	if !res.Complete {
		f.emit(EventIncomplete, q)
	}
	if !res.Complete || len(flows) == 0 {
		em := f.Emulator.Explore(ctx, q)
		flows = mergeFlows(flows, em.Flows)
	}
	if len(flows) == 0 {
		f.emit(EventEmpty, q)
	}
	return flows
}

func (f *Finder) emit(kind EventKind, q Query) {
	if f.OnEvent == nil {
		return
	}
	f.OnEvent(Event{
		Kind:     kind,
		Source:   q.Source,
		SourceEA: f.g.Block(q.Source).Start,
		Slot:     q.Slot,
	})
}

// mergeFlows appends the flows of b not already present in a for the same
// slot and destination.
func mergeFlows(a, b []Flow) []Flow {
	type key struct{ slot, dest int }
	seen := make(map[key]bool, len(a))
	out := append([]Flow(nil), a...)
	for _, fl := range a {
		seen[key{fl.Slot, fl.Dest}] = true
	}
	for _, fl := range b {
		k := key{fl.Slot, fl.Dest}
		if !seen[k] {
			seen[k] = true
			out = append(out, fl)
		}
	}
	return out
}

// contextChain returns the blocks to interpret before entering the
// dispatcher, oldest first and ending with the source. The chain walks back
// through unique predecessors until a block defines a state register.
func contextChain(g *mir.Graph, set *dispatch.DispatcherSet, src, depth int) []*mir.Block {
	b := g.Block(src)
	chain := []*mir.Block{b}
	if definesState(b, set) {
		return chain
	}
	seen := map[int]bool{src: true}
	cur := src
	for i := 0; i < depth; i++ {
		preds := g.Preds(cur)
		if len(preds) != 1 {
			break
		}
		p := g.Block(preds[0])
		if seen[p.Serial] || set.Contains(p.Serial) || p.Type == mir.BlockDispatcher {
			break
		}
		seen[p.Serial] = true
		chain = append([]*mir.Block{p}, chain...)
		if definesState(p, set) {
			break
		}
		cur = p.Serial
	}
	return chain
}

func definesState(b *mir.Block, set *dispatch.DispatcherSet) bool {
	for _, in := range b.Body() {
		for _, d := range in.Defs() {
			if set.IsState(d) {
				return true
			}
		}
	}
	return false
}

// compute evaluates an arithmetic or logic opcode at the given width.
func compute(op mir.Opcode, x, y uint64, size int) uint64 {
	var r uint64
	switch op {
	case mir.OpMov:
		r = x
	case mir.OpAdd:
		r = x + y
	case mir.OpSub:
		r = x - y
	case mir.OpMul:
		r = x * y
	case mir.OpAnd:
		r = x & y
	case mir.OpOr:
		r = x | y
	case mir.OpXor:
		r = x ^ y
	case mir.OpShl:
		r = x << (y & 63)
	case mir.OpShr:
		r = mir.Truncate(x, size) >> (y & 63)
	case mir.OpNeg:
		r = -x
	case mir.OpNot:
		r = ^x
	}
	return mir.Truncate(r, size)
}
