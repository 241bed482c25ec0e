// Package deflat runs the whole deobfuscation of one function: dispatcher
// classification, flow recovery, destination splitting, patching and
// finalisation.
package deflat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/l3aro/go-deflat/pkg/dispatch"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/patch"
	"github.com/l3aro/go-deflat/pkg/pathfind"
)

var (
	// ErrIngestion means the input graph failed validation.
	ErrIngestion = errors.New("invalid input graph")
	// ErrClassification is returned under PolicyAbort when a marked address
	// holds no dispatcher.
	ErrClassification = errors.New("dispatcher classification failed")
)

// Policy decides what a classification failure does to the run.
type Policy uint8

const (
	// PolicyTolerate reports the failure and continues with the other
	// dispatchers.
	PolicyTolerate Policy = iota
	// PolicyAbort stops the run and leaves the graph as it was given.
	PolicyAbort
)

func (p Policy) String() string {
	if p == PolicyAbort {
		return "abort"
	}
	return "tolerate"
}

// ParsePolicy accepts "tolerate" or "abort".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tolerate":
		return PolicyTolerate, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicyTolerate, fmt.Errorf("unknown dispatcher policy %q", s)
}

// Options tune a run. A zero Budget means pathfind.BudgetFor the graph's
// maturity.
type Options struct {
	Policy Policy
	Budget pathfind.Budget
}

// Run deobfuscates g in place using the dispatchers at addrs. Only an
// invalid input graph, PolicyAbort and ctx cancellation produce an error;
// every other problem is reported through obs and the returned Report.
func Run(ctx context.Context, g *mir.Graph, addrs []uint64, opts Options, obs Observer) (*Report, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrIngestion)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngestion, err)
	}

	rep := &Report{Function: g.Name, Maturity: g.Maturity.String()}
	emit := func(e Event) {
		rep.Events = append(rep.Events, e)
		if obs != nil {
			obs.OnEvent(e)
		}
	}

	saved := blockTypes(g)
	an := dispatch.New(g)
	var failures []error
	for _, ea := range addrs {
		if err := an.MarkDispatcher(ea); err != nil {
			failures = append(failures, err)
		}
	}
	sets, errs := an.Run()
	failures = append(failures, errs...)
	for _, err := range failures {
		var cerr *dispatch.ClassificationError
		addr := uint64(0)
		if errors.As(err, &cerr) {
			addr = cerr.Addr
		}
		emit(Event{Kind: EventClassificationFailed, Serial: -1, Addr: addr, Message: err.Error()})
		if opts.Policy == PolicyAbort {
			restoreTypes(g, saved)
			return rep, fmt.Errorf("%w: %v", ErrClassification, err)
		}
	}
	for _, set := range sets {
		rep.Dispatchers = append(rep.Dispatchers, newDispatcherReport(g, set))
	}
	if len(sets) == 0 {
		return rep, nil
	}

	budget := opts.Budget
	if budget == (pathfind.Budget{}) {
		budget = pathfind.BudgetFor(g.Maturity)
	}
	finder := pathfind.NewFinder(g, sets, budget)
	finder.OnEvent = func(e pathfind.Event) { emit(fromFinder(e)) }
	flows, err := finder.Run(ctx)
	if err != nil {
		restoreTypes(g, saved)
		return rep, err
	}
	rep.Flows = flows

	flows, rep.Splits = patch.NewSplitter(g).Run(flows)
	patcher := patch.NewPatcher(g)
	for _, src := range flows.Sources() {
		out := patcher.Run(src, flows[src])
		rep.Patches = append(rep.Patches, out)
		if !out.Committed {
			emit(Event{Kind: EventPatchRejected, Serial: src, Addr: out.SourceEA, Message: out.Reason, Dests: out.DestEAs})
		}
	}

	rep.unresolved = unresolved(g)
	for _, u := range rep.unresolved {
		emit(Event{Kind: EventUnresolved, Serial: u.Serial, Addr: u.Addr, Message: "still enters a dispatcher"})
	}
	rep.Finalized = patch.Finalize(g)

	if err := g.Validate(); err != nil {
		return rep, fmt.Errorf("patched graph: %w", err)
	}
	return rep, nil
}

func blockTypes(g *mir.Graph) []mir.BlockType {
	out := make([]mir.BlockType, g.Len())
	for i, b := range g.Blocks {
		out[i] = b.Type
	}
	return out
}

func restoreTypes(g *mir.Graph, saved []mir.BlockType) {
	for i, t := range saved {
		if g.Blocks[i].Type != t {
			_ = g.SetType(i, t)
		}
	}
}

// unresolved lists the non-dispatcher blocks with a dispatcher successor.
func unresolved(g *mir.Graph) []BlockRef {
	var out []BlockRef
	for _, b := range g.Blocks {
		if b.Type == mir.BlockDispatcher {
			continue
		}
		for _, s := range b.Succs {
			if g.Block(s).Type == mir.BlockDispatcher {
				out = append(out, BlockRef{Serial: b.Serial, Addr: b.Start})
				break
			}
		}
	}
	return out
}
