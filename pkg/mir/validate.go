package mir

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph wraps every structural violation reported by Validate.
var ErrInvalidGraph = errors.New("invalid graph")

// Validate checks the structural invariants every consumer of the graph
// relies on. It returns the first violation found.
func (g *Graph) Validate() error {
	if len(g.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrInvalidGraph)
	}
	for i, b := range g.Blocks {
		if b == nil {
			return fmt.Errorf("%w: block %d is nil", ErrInvalidGraph, i)
		}
		if b.Serial != i {
			return fmt.Errorf("%w: block at index %d has serial %d", ErrInvalidGraph, i, b.Serial)
		}
	}
	for _, b := range g.Blocks {
		if err := g.validateBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validateBlock(b *Block) error {
	for idx, in := range b.Insns {
		if in.Op.IsTerminator() && idx != len(b.Insns)-1 {
			return fmt.Errorf("%w: %s: terminator %s is not last", ErrInvalidGraph, b, in.Op)
		}
	}
	for _, s := range b.Succs {
		if g.Block(s) == nil {
			return fmt.Errorf("%w: %s: successor %d out of range", ErrInvalidGraph, b, s)
		}
	}
	if b.Type == BlockStop && len(b.Succs) != 0 {
		return fmt.Errorf("%w: %s: stop block has successors", ErrInvalidGraph, b)
	}
	if len(b.Succs) != b.Arity() {
		return fmt.Errorf("%w: %s: has %d successors, terminator implies %d", ErrInvalidGraph, b, len(b.Succs), b.Arity())
	}
	if b.Type == BlockDispatcher && b.Serial != 0 && len(g.Preds(b.Serial)) == 0 {
		return fmt.Errorf("%w: %s: orphaned dispatcher block", ErrInvalidGraph, b)
	}
	return nil
}
