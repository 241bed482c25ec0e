package patch

import (
	"sort"

	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

// SplitResult maps every duplicated destination to the serials of its copies.
type SplitResult struct {
	Copies map[int][]int `json:"copies"`
}

// Splitter gives each source its own copy of a destination shared with
// other sources, so patched blocks do not merge paths the dispatcher kept
// apart.
type Splitter struct {
	g *mir.Graph
}

// NewSplitter returns a splitter over g.
func NewSplitter(g *mir.Graph) *Splitter {
	return &Splitter{g: g}
}

// Run duplicates shared destinations until none is left or the split budget
// of four copies per original block is spent. Sharers are recomputed on
// every pass, so a copy that inherits flows and creates a new shared
// destination gets that destination split in turn. The returned map is m
// with flows redirected to the copies; m itself is not modified.
func (s *Splitter) Run(m pathfind.EdgeFlowMap) (pathfind.EdgeFlowMap, SplitResult) {
	out := make(pathfind.EdgeFlowMap, len(m))
	for src, flows := range m {
		out[src] = append([]pathfind.Flow(nil), flows...)
	}
	res := SplitResult{Copies: make(map[int][]int)}

	budget := 4 * s.g.Len()
	for changed := true; changed && budget > 0; {
		changed = false
		sharers := sharersOf(out)
		for _, dest := range sortedDests(sharers) {
			srcs := sharers[dest]
			if len(srcs) < 2 || !s.splittable(dest, srcs, out) {
				continue
			}
			for _, src := range srcs[1:] {
				if budget == 0 {
					break
				}
				c, err := s.g.Clone(dest)
				if err != nil {
					continue
				}
				budget--
				redirect(out[src], dest, c.Serial)
				if flows, ok := out[dest]; ok {
					out[c.Serial] = append([]pathfind.Flow(nil), flows...)
				}
				res.Copies[dest] = append(res.Copies[dest], c.Serial)
				changed = true
			}
		}
	}
	return out, res
}

func (s *Splitter) splittable(dest int, srcs []int, m pathfind.EdgeFlowMap) bool {
	b := s.g.Block(dest)
	if b == nil {
		return false
	}
	switch b.Type {
	case mir.BlockStop, mir.BlockExternal, mir.BlockDispatcher:
		return false
	}
	if sameInts(s.g.Preds(dest), srcs) {
		return false
	}
	return !s.reachesAny(dest, srcs, m)
}

// reachesAny reports whether from can reach one of targets in the recovered
// flow graph: the real edges of the graph plus the flows in m.
func (s *Splitter) reachesAny(from int, targets []int, m pathfind.EdgeFlowMap) bool {
	want := make(map[int]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	seen := map[int]bool{from: true}
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		var next []int
		for _, succ := range s.g.Block(cur).Succs {
			if t := s.g.Block(succ); t != nil && t.Type != mir.BlockDispatcher {
				next = append(next, succ)
			}
		}
		for _, f := range m[cur] {
			next = append(next, f.Dest)
		}
		for _, n := range next {
			if want[n] {
				return true
			}
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return false
}

// sharersOf maps each destination to the sources flowing into it, ascending.
func sharersOf(m pathfind.EdgeFlowMap) map[int][]int {
	out := make(map[int][]int)
	for _, src := range m.Sources() {
		for _, d := range m.Dests(src) {
			out[d] = append(out[d], src)
		}
	}
	return out
}

func sortedDests(m map[int][]int) []int {
	out := make([]int, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func redirect(flows []pathfind.Flow, from, to int) {
	for i := range flows {
		if flows[i].Dest == from {
			flows[i].Dest = to
		}
	}
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
