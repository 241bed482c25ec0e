package patch

import "github.com/l3aro/go-deflat/pkg/mir"

// Finalize clears the dispatcher tag from every block but the entry and
// returns how many blocks changed. Running it twice changes nothing the
// second time.
func Finalize(g *mir.Graph) int {
	n := 0
	for _, b := range g.Blocks {
		if b.Serial == 0 || b.Type != mir.BlockDispatcher {
			continue
		}
		if err := g.SetType(b.Serial, mir.BlockNormal); err == nil {
			n++
		}
	}
	return n
}
