package deflat

import (
	"github.com/l3aro/go-deflat/pkg/dispatch"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/patch"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

// BlockRef names a block by serial and start address.
type BlockRef struct {
	Serial int    `json:"serial"`
	Addr   uint64 `json:"addr"`
}

// DispatcherReport describes one recognised dispatcher.
type DispatcherReport struct {
	Entry     uint64     `json:"entry"`
	StateVars []string   `json:"state_vars"`
	Members   []BlockRef `json:"members"`
	Exits     []BlockRef `json:"exits"`
	Cases     []uint64   `json:"cases"`
}

func newDispatcherReport(g *mir.Graph, set *dispatch.DispatcherSet) DispatcherReport {
	ref := func(serials []int) []BlockRef {
		out := make([]BlockRef, len(serials))
		for i, s := range serials {
			out[i] = BlockRef{Serial: s, Addr: g.Block(s).Start}
		}
		return out
	}
	return DispatcherReport{
		Entry:     set.Entry,
		StateVars: set.StateVars,
		Members:   ref(set.Members()),
		Exits:     ref(set.Exits),
		Cases:     set.Cases,
	}
}

// Report is the outcome of one Run.
type Report struct {
	Function    string               `json:"function"`
	Maturity    string               `json:"maturity"`
	Dispatchers []DispatcherReport   `json:"dispatchers"`
	Flows       pathfind.EdgeFlowMap `json:"flows,omitempty"`
	Splits      patch.SplitResult    `json:"splits"`
	Patches     []patch.PatchOutcome `json:"patches"`
	Finalized   int                  `json:"finalized"`
	Events      []Event              `json:"events"`

	unresolved []BlockRef
}

// Unresolved lists the sources that still entered a dispatcher after
// patching.
func (r *Report) Unresolved() []BlockRef {
	return append([]BlockRef(nil), r.unresolved...)
}

// Committed counts the patches applied.
func (r *Report) Committed() int {
	n := 0
	for _, p := range r.Patches {
		if p.Committed {
			n++
		}
	}
	return n
}

// Warnings renders every event, one per line, for drivers that report
// plain text.
func (r *Report) Warnings() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.String()
	}
	return out
}
